package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lingocast/lingocast/internal/coordination"
	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/metrics"
)

// ReconcileStats summarizes one reconciliation sweep.
type ReconcileStats struct {
	Scanned   int
	Corrected int
}

// Reconciler is the leader-elected background sweep that bounds listener
// count drift. A subscriber refresh tolerates a transient overshoot of one;
// crashes between a record delete and its decrement can leave drift behind
// permanently. The sweep recounts live subscriber connections from the
// (session, language) index, prunes index entries whose records were
// reclaimed by TTL, and overwrites the stored count when it disagrees.
//
// Only the current leader sweeps, so at most one instance recounts at a
// time. Request paths never touch SetListenerCount.
type Reconciler struct {
	sessions domain.SessionRepository
	conns    domain.ConnectionRepository
	leader   *coordination.LeaderElector
	interval time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	isLeader bool
}

func NewReconciler(
	sessions domain.SessionRepository,
	conns domain.ConnectionRepository,
	leader *coordination.LeaderElector,
	clock clockwork.Clock,
	interval time.Duration,
) *Reconciler {
	return &Reconciler{
		sessions: sessions,
		conns:    conns,
		leader:   leader,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the election and sweep loop until Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if !r.ensureLeadership(ctx) {
				continue
			}
			stats, err := r.Reconcile(ctx)
			if err != nil {
				slog.Error("Listener count reconciliation failed", "error", err)
				continue
			}
			if stats.Corrected > 0 {
				slog.Info("Listener count reconciliation complete",
					"scanned", stats.Scanned, "corrected", stats.Corrected)
			}
		case <-r.stopCh:
			r.release()
			slog.Info("Reconciler stopped")
			return
		case <-ctx.Done():
			r.release()
			return
		}
	}
}

// Stop gracefully stops the loop and releases leadership.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) ensureLeadership(ctx context.Context) bool {
	if r.isLeader {
		if err := r.leader.Renew(ctx); err != nil {
			if !errors.Is(err, coordination.ErrNotLeader) {
				slog.Warn("Leader lease renewal failed", "error", err)
			}
			r.isLeader = false
		}
		return r.isLeader
	}

	acquired, err := r.leader.TryAcquire(ctx)
	if err != nil {
		slog.Warn("Leader election attempt failed", "error", err)
		return false
	}
	if acquired {
		slog.Info("Acquired reconciliation leadership")
	}
	r.isLeader = acquired
	return acquired
}

func (r *Reconciler) release() {
	if !r.isLeader {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.leader.Release(releaseCtx); err != nil {
		slog.Warn("Leader lease release failed", "error", err)
	}
	r.isLeader = false
}

// Reconcile recounts every active session once. Exported so the one-shot
// ops tool can run the same sweep without the election loop.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats

	ids, err := r.sessions.ListActiveIDs(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list active sessions: %w", err)
	}

	for _, id := range ids {
		stats.Scanned++

		live, err := r.conns.PruneSession(ctx, id)
		if err != nil {
			slog.Warn("Failed to prune session index", "session_id", id, "error", err)
			continue
		}

		session, err := r.sessions.Get(ctx, id)
		if err != nil {
			// Reclaimed between the listing and now; nothing to correct.
			if errors.Is(err, domain.ErrSessionNotFound) {
				continue
			}
			slog.Warn("Failed to read session during reconciliation", "session_id", id, "error", err)
			continue
		}

		if session.ListenerCount == live {
			continue
		}

		slog.Warn("Listener count drift detected",
			"session_id", id, "stored", session.ListenerCount, "actual", live)
		if err := r.sessions.SetListenerCount(ctx, id, live); err != nil {
			slog.Error("Failed to correct listener count", "session_id", id, "error", err)
			continue
		}
		metrics.ListenerCountDrift.Inc()
		stats.Corrected++
	}

	return stats, nil
}
