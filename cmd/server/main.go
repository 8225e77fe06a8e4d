package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/lingocast/lingocast/internal/app"
	"github.com/lingocast/lingocast/internal/coordination"
	"github.com/lingocast/lingocast/internal/database"
	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/identifier"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/platform/config"
	"github.com/lingocast/lingocast/internal/platform/logging"
	"github.com/lingocast/lingocast/internal/redis"
	"github.com/lingocast/lingocast/internal/server"
	"github.com/lingocast/lingocast/internal/websocket"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func rateLimitPolicies(cfg *config.Config) map[domain.RateLimitOp]redis.Policy {
	return map[domain.RateLimitOp]redis.Policy{
		domain.OpCreateSession: {Limit: cfg.SessionCreatesPerHour, Window: time.Hour},
		domain.OpJoinSession:   {Limit: cfg.JoinsPerMinute, Window: time.Minute},
		domain.OpLivenessPing:  {Limit: cfg.PingsPerMinute, Window: time.Minute},
	}
}

func runGracefulShutdown(srv *server.Server, monitor *app.Monitor, reconciler *app.Reconciler, hub *websocket.Hub, cancelBus context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		monitor.Stop()
		reconciler.Stop()
		cancelBus()
		hub.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	redisClient := setupRedis(cfg)
	defer func() { _ = redisClient.Close() }()

	sessions := redis.NewSessionRepo(redisClient, clock)
	conns := redis.NewConnectionRepo(redisClient, clock)
	limiter := redis.NewRateLimiter(redisClient, clock, rateLimitPolicies(cfg))
	publishers := database.NewPublisherRepo(pool)
	verifier := identity.NewHTTPVerifier(cfg.IdentityServiceURL)
	events := coordination.NewEventBus(redisClient.Underlying())

	idgen := identifier.New(sessions.Exists, identifier.WithMaxAttempts(cfg.IdentifierMaxAttempts))

	// The hub's drop callback needs the service and the service needs the
	// hub as its pusher, so the hub closes over a late-bound pointer.
	var service *app.Service
	hub := websocket.NewHub(func(connectionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		service.HandleConnectionLost(ctx, connectionID)
	})

	service = app.NewService(sessions, conns, publishers, limiter, hub, events, verifier, idgen, clock, app.Options{
		SupportedLanguages:     cfg.Languages(),
		MaxListenersPerSession: cfg.MaxListenersPerSession,
		SessionTTL:             cfg.SessionTTL,
		ConnectionRecordTTL:    cfg.ConnectionRecordTTL,
		StoreTimeout:           cfg.StoreTimeout,
	})

	busCtx, cancelBus := context.WithCancel(context.Background())
	go events.Start(busCtx, func(event coordination.SessionEvent) {
		service.HandleSessionEvent(event.SessionID, event.Message, hub.ConnectionsForSession(event.SessionID))
	})

	monitor := app.NewMonitor(service, hub, clock, app.MonitorOptions{
		Interval:            cfg.MonitorInterval,
		RefreshThreshold:    cfg.RefreshThreshold,
		CeilingWarningAfter: cfg.CeilingWarningAfter,
		ForcedCloseAfter:    cfg.ForcedCloseAfter,
		LivenessTimeout:     cfg.LivenessTimeout,
	})
	go monitor.Start(busCtx)

	instanceID := uuid.NewString()
	leader := coordination.NewLeaderElector(redisClient.Underlying(), instanceID, "lifecycle:reconciler:leader", 3*cfg.ReconcileInterval)
	reconciler := app.NewReconciler(sessions, conns, leader, clock, cfg.ReconcileInterval)
	go reconciler.Start(busCtx)

	srv := server.NewServer(cfg, service, hub, redisClient, pool, clock)

	done := runGracefulShutdown(srv, monitor, reconciler, hub, cancelBus)

	slog.Info("Server starting", "port", cfg.Port, "instance_id", instanceID)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
