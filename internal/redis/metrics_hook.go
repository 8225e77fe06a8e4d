package redis

import (
	"context"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingocast/lingocast/internal/metrics"
)

// MetricsHook implements redis.Hook to record latency and outcome for every
// Redis operation.
type MetricsHook struct{}

var _ redis.Hook = (*MetricsHook)(nil)

func (h *MetricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			metrics.RedisConnectionErrors.Inc()
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)

		status := "success"
		if err != nil && err != redis.Nil {
			status = "error"
		}
		metrics.RedisOpsTotal.WithLabelValues(cmd.Name(), status).Inc()
		metrics.RedisOpDuration.WithLabelValues(cmd.Name()).Observe(time.Since(start).Seconds())

		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)

		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RedisOpsTotal.WithLabelValues("pipeline", status).Inc()
		metrics.RedisOpDuration.WithLabelValues("pipeline").Observe(time.Since(start).Seconds())

		return err
	}
}
