package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Websocket channel endpoints
	s.echo.GET("/ws/publish", s.handlePublish)
	s.echo.GET("/ws/join/:sessionId", s.handleJoin)

	// Pipeline diagnostics
	s.echo.GET("/api/sessions/:sessionId/languages", s.handleSessionLanguages)
}
