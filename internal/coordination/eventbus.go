package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lingocast/lingocast/internal/domain"
)

const sessionEventsChannel = "session:events"

// SessionEvent is a message addressed to every channel of one session,
// regardless of which instance holds the socket. Publisher-loss cleanup
// uses this to deliver sessionEnded to subscribers on other instances.
type SessionEvent struct {
	SessionID string               `json:"sessionId"`
	Message   domain.ServerMessage `json:"message"`
}

// EventBus fans session events out across instances via Redis pub/sub.
// Delivery is best-effort: a subscriber racing a concurrent end-of-session
// may miss the notification and discovers the ended session on its next
// registry operation instead.
type EventBus struct {
	rdb *redis.Client
}

var _ domain.EventPublisher = (*EventBus)(nil)

func NewEventBus(rdb *redis.Client) *EventBus {
	return &EventBus{rdb: rdb}
}

func (b *EventBus) PublishSessionEvent(ctx context.Context, sessionID string, msg domain.ServerMessage) error {
	payload, err := json.Marshal(SessionEvent{SessionID: sessionID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	if err := b.rdb.Publish(ctx, sessionEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

// Start subscribes to the event channel and invokes handler for every
// received event. Blocks until ctx is cancelled.
func (b *EventBus) Start(ctx context.Context, handler func(SessionEvent)) {
	pubsub := b.rdb.Subscribe(ctx, sessionEventsChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			var event SessionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("Invalid session event payload", "error", err)
				continue
			}
			handler(event)
		case <-ctx.Done():
			return
		}
	}
}
