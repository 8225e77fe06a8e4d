package domain

import (
	"context"
	"time"
)

// Identity is the verified identity of an authenticated publisher.
type Identity struct {
	Subject     string
	DisplayName string
}

// TokenVerifier is the boundary with the managed identity service. The core
// consumes token verification and never implements issuance or key rotation.
type TokenVerifier interface {
	// VerifyToken returns ErrAuthFailed for invalid or expired tokens.
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// RateLimitOp names a rate-limited operation class.
type RateLimitOp string

const (
	OpCreateSession RateLimitOp = "create_session"
	OpJoinSession   RateLimitOp = "join_session"
	OpLivenessPing  RateLimitOp = "liveness_ping"
)

// RateLimitDecision is the outcome of a limiter check.
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter bounds operation rates per actor. Implementations fail open:
// if the limit store is unreachable the operation is allowed and a warning
// logged, since availability of the core service outranks strict abuse
// prevention.
type RateLimiter interface {
	Allow(ctx context.Context, op RateLimitOp, actorKey string) (RateLimitDecision, error)
}

// ChannelPusher delivers a message to one locally held channel. Push returns
// ErrChannelGone when the socket is no longer open on this instance.
type ChannelPusher interface {
	Push(connectionID string, msg ServerMessage) error
	Close(connectionID string)
}

// EventPublisher fans session-scoped messages out across instances, so that
// cleanup running on one instance reaches subscriber sockets held by
// another.
type EventPublisher interface {
	PublishSessionEvent(ctx context.Context, sessionID string, msg ServerMessage) error
}

// PublisherAccount is the relational record of a known publisher: identity
// subject plus account-level entitlements that outlive any one session.
type PublisherAccount struct {
	Subject         string
	DisplayName     string
	QualityTier     string
	SourceLanguages []string
	CreatedAt       time.Time
	LastSeenAt      time.Time
}

// PublisherRepository stores publisher accounts in PostgreSQL.
type PublisherRepository interface {
	// UpsertSeen creates the account on first contact (with default
	// entitlements) and bumps last_seen_at on every subsequent one.
	UpsertSeen(ctx context.Context, identity Identity) (*PublisherAccount, error)
	GetBySubject(ctx context.Context, subject string) (*PublisherAccount, error)
}
