// Package coordination provides the cross-instance primitives: Redis-based
// leader election for singleton background jobs and pub/sub fanout for
// session events that must reach sockets held by other instances.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned when a lease renewal finds leadership lost.
var ErrNotLeader = errors.New("not the leader")

// LeaderElector implements single-leader election using SETNX with a TTL.
// The leader holds a key with a lease; other instances acquire leadership
// only when the lease expires (previous leader crashed or partitioned).
type LeaderElector struct {
	rdb        *redis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates a leader election coordinator for one job.
// instanceID should be unique per instance (e.g., hostname-PID); lockKey
// names the job (e.g., "leader:reconcile").
func NewLeaderElector(rdb *redis.Client, instanceID, lockKey string, lockTTL time.Duration) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    lockKey,
		lockTTL:    lockTTL,
	}
}

// TryAcquire attempts to become the leader. Returns true if this instance
// now holds the lease.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

// renewScript extends the lease only while this instance still holds it,
// so a renewal cannot steal a lock that expired and moved on.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return 0
`)

// Renew extends the lease; the leader should call this every lockTTL/2.
func (l *LeaderElector) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.lockKey},
		l.instanceID, l.lockTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if res == 0 {
		return ErrNotLeader
	}
	return nil
}

// releaseScript deletes the lock only if we still hold it, so a slow
// release cannot delete another instance's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release voluntarily gives up leadership; call on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Result()
	return err
}
