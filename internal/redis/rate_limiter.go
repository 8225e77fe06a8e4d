package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/metrics"
)

// windowGrace keeps expired window counters around briefly so late requests
// from the old window do not resurrect a fresh counter.
const windowGrace = time.Minute

// Policy is one fixed-window rate limit: at most Limit operations per actor
// per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// RateLimiter implements domain.RateLimiter with fixed-window counters in
// Redis. Counters self-expire after the window plus a grace period, so no
// cleanup process is needed. If Redis is unreachable the limiter fails
// open: the operation is allowed and a warning logged, because availability
// of the core service outranks strict abuse prevention.
type RateLimiter struct {
	rdb      *goredis.Client
	clock    clockwork.Clock
	policies map[domain.RateLimitOp]Policy
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

func NewRateLimiter(client *Client, clock clockwork.Clock, policies map[domain.RateLimitOp]Policy) *RateLimiter {
	return &RateLimiter{rdb: client.rdb, clock: clock, policies: policies}
}

func (r *RateLimiter) Allow(ctx context.Context, op domain.RateLimitOp, actorKey string) (domain.RateLimitDecision, error) {
	policy, ok := r.policies[op]
	if !ok {
		// No policy configured means no limit.
		return domain.RateLimitDecision{Allowed: true}, nil
	}

	now := r.clock.Now()
	windowStart := now.Truncate(policy.Window)
	key := rateLimitKey(op, actorKey, windowStart)
	ttl := policy.Window + windowGrace

	count, err := rateLimitScript.Run(ctx, r.rdb, []string{key},
		strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		slog.WarnContext(ctx, "Rate limit store unavailable, failing open",
			"operation", string(op), "error", err)
		return domain.RateLimitDecision{Allowed: true}, nil
	}

	if count > policy.Limit {
		metrics.RateLimitRejections.WithLabelValues(string(op)).Inc()
		return domain.RateLimitDecision{
			Allowed:    false,
			RetryAfter: windowStart.Add(policy.Window).Sub(now),
		}, nil
	}

	return domain.RateLimitDecision{Allowed: true}, nil
}

func rateLimitKey(op domain.RateLimitOp, actorKey string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", op, actorKey, windowStart.UnixMilli())
}
