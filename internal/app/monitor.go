package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/websocket"
)

// ChannelDirectory is the monitor's view of the hub: the locally held
// channels and their lifecycle metadata.
type ChannelDirectory interface {
	Snapshot() []websocket.ChannelMeta
	SetState(connectionID string, state domain.ConnectionState)
}

// MonitorOptions are the wall-clock thresholds driving the refresh protocol,
// all measured from channel open. Validation of their ordering happens at
// config load.
type MonitorOptions struct {
	Interval            time.Duration
	RefreshThreshold    time.Duration
	CeilingWarningAfter time.Duration
	ForcedCloseAfter    time.Duration
	LivenessTimeout     time.Duration
}

// Monitor is the per-instance liveness and refresh loop. Each tick it walks
// the hub's local channels and applies the two-threshold refresh protocol:
// past the refresh threshold the channel is told to re-establish itself;
// past the ceiling warning it is told how long it has left; past the forced
// close deadline the socket is closed and ordinary cleanup runs. Channels
// whose liveness pings stop are expired the same way.
//
// The thresholds are deadlines computed from connected_at, so a monitor
// restart never loses track of a channel's age.
type Monitor struct {
	service  *Service
	channels ChannelDirectory
	opts     MonitorOptions
	clock    clockwork.Clock
	stopCh   chan struct{}
}

func NewMonitor(service *Service, channels ChannelDirectory, clock clockwork.Clock, opts MonitorOptions) *Monitor {
	return &Monitor{
		service:  service,
		channels: channels,
		opts:     opts,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the monitor loop until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	slog.Info("Liveness monitor started", "interval", m.opts.Interval.String())
	for {
		select {
		case <-ticker.Chan():
			m.Sweep(ctx)
		case <-m.stopCh:
			slog.Info("Liveness monitor stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) Stop() {
	close(m.stopCh)
}

// Sweep applies the lifecycle thresholds to every locally held channel.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.clock.Now()

	for _, meta := range m.channels.Snapshot() {
		age := now.Sub(meta.ConnectedAt)

		switch {
		case age >= m.opts.ForcedCloseAfter:
			slog.InfoContext(ctx, "forcing channel closed at duration ceiling",
				"connection_id", meta.ConnectionID, "session_id", meta.SessionID, "age", age.String())
			m.service.HandleConnectionLost(ctx, meta.ConnectionID)

		case now.Sub(meta.LastPingAt) >= m.opts.LivenessTimeout:
			slog.InfoContext(ctx, "expiring channel after missed liveness pings",
				"connection_id", meta.ConnectionID, "session_id", meta.SessionID,
				"last_ping", meta.LastPingAt.Format(time.RFC3339))
			m.channels.SetState(meta.ConnectionID, domain.ConnExpired)
			m.service.HandleConnectionLost(ctx, meta.ConnectionID)

		case age >= m.opts.CeilingWarningAfter:
			if meta.State == domain.ConnSuperseded {
				continue
			}
			remaining := m.opts.ForcedCloseAfter - age
			m.push(ctx, meta.ConnectionID, domain.DurationWarningMessage(int64(remaining.Seconds())))

		case age >= m.opts.RefreshThreshold:
			if meta.State != domain.ConnActive {
				continue
			}
			m.push(ctx, meta.ConnectionID, domain.RefreshRequiredMessage(meta.SessionID, meta.Role, meta.TargetLanguage))
			m.channels.SetState(meta.ConnectionID, domain.ConnRefreshPending)
			m.markRefreshPending(ctx, meta.ConnectionID)
		}
	}
}

func (m *Monitor) push(ctx context.Context, connectionID string, msg domain.ServerMessage) {
	if err := m.service.pusher.Push(connectionID, msg); err != nil && !errors.Is(err, domain.ErrChannelGone) {
		slog.WarnContext(ctx, "monitor push failed", "connection_id", connectionID, "error", err)
	}
}

func (m *Monitor) markRefreshPending(ctx context.Context, connectionID string) {
	opCtx, cancel := m.service.storeCtx(ctx)
	defer cancel()
	if err := m.service.conns.SetState(opCtx, connectionID, domain.ConnRefreshPending); err != nil &&
		!errors.Is(err, domain.ErrConnectionNotFound) {
		slog.WarnContext(ctx, "failed to record refresh_pending state", "connection_id", connectionID, "error", err)
	}
}
