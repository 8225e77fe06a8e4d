package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/platform/config"
	"github.com/lingocast/lingocast/internal/websocket"
)

// LifecycleService is the application surface the transport layer consumes.
type LifecycleService interface {
	CreateSession(ctx context.Context, token, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error)
	JoinSession(ctx context.Context, connectionID, sessionID, targetLanguage, originKey string) (*domain.Session, error)
	RefreshPublisher(ctx context.Context, token, sessionID, newConnectionID string) error
	RefreshSubscriber(ctx context.Context, sessionID, oldConnectionID, newConnectionID, targetLanguage, originKey string) error
	LivenessPing(ctx context.Context, connectionID string) (bool, error)
	HandleConnectionLost(ctx context.Context, connectionID string)
	ActiveTargetLanguages(ctx context.Context, sessionID string) ([]string, error)
}

// healthPinger is the minimal dependency surface of a health check target.
type healthPinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	service   LifecycleService
	hub       *websocket.Hub
	limits    *ConnectionLimits
	redis     healthPinger
	postgres  healthPinger
	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(
	cfg *config.Config,
	service LifecycleService,
	hub *websocket.Hub,
	redis healthPinger,
	postgres healthPinger,
	clock clockwork.Clock,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:   e,
		config: cfg,
		service: service,
		hub:     hub,
		limits: NewConnectionLimits(
			cfg.MaxWebSocketConnections,
			cfg.MaxConnectionsPerIP,
			connectionRatePerSecond,
			connectionRateBurst,
		),
		redis:     redis,
		postgres:  postgres,
		clock:     clock,
		startTime: clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
