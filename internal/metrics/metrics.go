// Package metrics defines the Prometheus collectors for the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total broadcast sessions created",
		},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_ended_total",
			Help: "Total broadcast sessions ended, by reason (publisher_lost/expired)",
		},
		[]string{"reason"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Currently open websocket channels by role",
		},
		[]string{"role"},
	)

	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_refreshes_total",
			Help: "Channel refresh handoffs by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	CleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_cleanups_total",
			Help: "Cleanup invocations by role and outcome (done/noop)",
		},
		[]string{"role", "outcome"},
	)

	ListenerCountDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listener_count_drift_corrections_total",
			Help: "Listener counts corrected by the reconciliation sweep",
		},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Operations rejected by the rate limiter",
		},
		[]string{"operation"},
	)
)

// Redis operation metrics
var (
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)
)

// Circuit breaker metrics
var (
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
