package domain

import (
	"context"
	"time"
)

// Role distinguishes the broadcaster from a receiver on a channel.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// ConnectionState is the per-channel lifecycle state driven by the liveness
// monitor and the refresh protocol.
//
//	Connecting -> Active -> RefreshPending -> Superseded (terminal)
//	                     \-> Expired (liveness ping missed, goes to cleanup)
type ConnectionState string

const (
	ConnConnecting     ConnectionState = "connecting"
	ConnActive         ConnectionState = "active"
	ConnRefreshPending ConnectionState = "refresh_pending"
	ConnSuperseded     ConnectionState = "superseded"
	ConnExpired        ConnectionState = "expired"
)

// Connection is one open channel bound to a session.
type Connection struct {
	ID             string
	SessionID      string
	Role           Role
	TargetLanguage string // empty for publishers
	State          ConnectionState
	ConnectedAt    time.Time
	LastPingAt     time.Time
	ExpiresAt      time.Time
}

// ConnectionRepository is the durable record of open channels, with a
// secondary index keyed by (session, target language) so that language and
// subscriber lookups stay O(result size) regardless of how many connections
// a session has.
type ConnectionRepository interface {
	// Create inserts a connection record and updates the (session, language)
	// index. Returns ErrConnectionExists if the id is already registered.
	Create(ctx context.Context, conn *Connection) error

	// Get returns the connection, or ErrConnectionNotFound.
	Get(ctx context.Context, connectionID string) (*Connection, error)

	// Delete removes the record and prunes the index. Deleting an absent
	// record is not an error; the boolean reports whether a record was
	// actually removed, so callers can make side effects (listener-count
	// decrements) exactly-once under at-least-once delivery.
	Delete(ctx context.Context, connectionID string) (bool, error)

	SetState(ctx context.Context, connectionID string, state ConnectionState) error

	// TouchPing records a liveness ping timestamp.
	TouchPing(ctx context.Context, connectionID string, at time.Time) error

	// LanguagesForSession returns all distinct target languages with at
	// least one subscriber connection.
	LanguagesForSession(ctx context.Context, sessionID string) ([]string, error)

	// ConnectionsForSessionAndLanguage returns the subscriber connection ids
	// for one (session, language) pair.
	ConnectionsForSessionAndLanguage(ctx context.Context, sessionID, language string) ([]string, error)

	// PurgeSession deletes every connection record and index entry for a
	// session. Idempotent; used by publisher-loss cleanup.
	PurgeSession(ctx context.Context, sessionID string) error

	// PruneSession drops index entries whose connection records have been
	// reclaimed by TTL and returns the number of live subscriber
	// connections. The reconciliation sweep uses the result to correct
	// listener-count drift.
	PruneSession(ctx context.Context, sessionID string) (int64, error)
}
