package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lingocast/lingocast/internal/platform/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := []struct {
		name string
		ping healthPinger
	}{
		{"redis", s.redis},
		{"postgres", s.postgres},
	}

	for _, check := range checks {
		if err := check.ping.Ping(ctx); err != nil {
			return c.JSON(503, map[string]any{
				"status":       "unhealthy",
				"failed_check": check.name,
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(200, map[string]any{
		"status":      "ready",
		"connections": s.limits.Current(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}
