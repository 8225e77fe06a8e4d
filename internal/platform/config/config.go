// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	RedisURL           string `env:"REDIS_URL"`
	DatabaseURL        string `env:"DATABASE_URL"`
	IdentityServiceURL string `env:"IDENTITY_SERVICE_URL"`

	// SupportedLanguages is a comma-separated list of BCP-47 language tags
	// subscribers may pin to.
	SupportedLanguages string `env:"SUPPORTED_LANGUAGES" default:"en,es,fr,de,pt,it,ja,ko,zh"`

	MaxWebSocketConnections int64 `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int   `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	MaxListenersPerSession  int64 `env:"MAX_LISTENERS_PER_SESSION" default:"500"`

	// SessionTTL is the absolute session deadline; the session is reclaimed
	// at or after this age regardless of activity.
	SessionTTL time.Duration `env:"SESSION_TTL" default:"6h"`

	// Channel lifetime thresholds, all measured from channel open. The
	// transport enforces a hard per-connection duration ceiling; the refresh
	// threshold fires well before it, the warning strictly after the
	// threshold, and the forced close sits just under the ceiling. The
	// per-connection record TTL adds a safety buffer beyond the forced
	// close so records never outlive their channel by much.
	RefreshThreshold    time.Duration `env:"REFRESH_THRESHOLD" default:"100m"`
	CeilingWarningAfter time.Duration `env:"CEILING_WARNING_AFTER" default:"105m"`
	ForcedCloseAfter    time.Duration `env:"FORCED_CLOSE_AFTER" default:"110m"`
	ConnectionRecordTTL time.Duration `env:"CONNECTION_RECORD_TTL" default:"115m"`
	LivenessTimeout     time.Duration `env:"LIVENESS_TIMEOUT" default:"90s"`
	MonitorInterval     time.Duration `env:"MONITOR_INTERVAL" default:"30s"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" default:"5m"`

	// StoreTimeout bounds every single registry call.
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" default:"3s"`

	// Rate limit policies.
	SessionCreatesPerHour int `env:"SESSION_CREATES_PER_HOUR" default:"50"`
	JoinsPerMinute        int `env:"JOINS_PER_MINUTE" default:"60"`
	PingsPerMinute        int `env:"PINGS_PER_MINUTE" default:"30"`

	IdentifierMaxAttempts int `env:"IDENTIFIER_MAX_ATTEMPTS" default:"10"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.IdentityServiceURL == "" {
		return fmt.Errorf("IDENTITY_SERVICE_URL is required")
	}

	if cfg.RefreshThreshold <= 0 {
		return fmt.Errorf("REFRESH_THRESHOLD must be positive")
	}
	if cfg.CeilingWarningAfter <= cfg.RefreshThreshold {
		return fmt.Errorf("CEILING_WARNING_AFTER must be strictly after REFRESH_THRESHOLD")
	}
	if cfg.ForcedCloseAfter <= cfg.CeilingWarningAfter {
		return fmt.Errorf("FORCED_CLOSE_AFTER must be strictly after CEILING_WARNING_AFTER")
	}
	if cfg.ConnectionRecordTTL <= cfg.ForcedCloseAfter {
		return fmt.Errorf("CONNECTION_RECORD_TTL must leave a buffer beyond FORCED_CLOSE_AFTER")
	}

	if len(cfg.Languages()) == 0 {
		return fmt.Errorf("SUPPORTED_LANGUAGES must not be empty")
	}

	return nil
}

// Languages returns the parsed supported-language list.
func (c *Config) Languages() []string {
	parts := strings.Split(c.SupportedLanguages, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if lang := strings.TrimSpace(p); lang != "" {
			out = append(out, lang)
		}
	}
	return out
}
