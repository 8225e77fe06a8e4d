package domain

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle state of a broadcast session.
// The transition is monotonic: Active -> Ended, never back.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one broadcast instance owned by a single publisher.
type Session struct {
	ID                string
	OwnerID           string
	OwnerConnectionID string
	SourceLanguage    string
	QualityTier       string
	ListenerCount     int64
	Status            SessionStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// SessionRepository is the durable record of broadcast sessions.
//
// ListenerCount is never read-modify-written: IncrementListenerCount and
// DecrementListenerCount are single atomic adds against the stored integer,
// and the decrement floors at zero within the same atomic step so a
// duplicate cleanup cannot drive the count negative.
type SessionRepository interface {
	// Create inserts a new session record. Returns ErrSessionExists if the
	// id is already taken, which catches the race the identifier generator
	// cannot prevent between its existence check and the insert.
	Create(ctx context.Context, session *Session) error

	// Get returns the session, or ErrSessionNotFound. A session whose
	// ExpiresAt has passed is reported as not found even if the record has
	// not been physically reclaimed yet.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Exists reports whether a live (non-expired) session record exists.
	Exists(ctx context.Context, sessionID string) (bool, error)

	IncrementListenerCount(ctx context.Context, sessionID string) (int64, error)
	DecrementListenerCount(ctx context.Context, sessionID string) (int64, error)

	// SetOwnerConnection repoints the publisher's current channel. The write
	// is conditional: it succeeds only if callerIdentity matches the stored
	// owner, and returns ErrOwnershipMismatch otherwise.
	SetOwnerConnection(ctx context.Context, sessionID, newConnectionID, callerIdentity string) error

	// SetListenerCount overwrites the stored counter. Only the
	// reconciliation sweep uses this; request paths always go through the
	// atomic increment/decrement operations.
	SetListenerCount(ctx context.Context, sessionID string, count int64) error

	MarkEnded(ctx context.Context, sessionID string) error

	// Delete removes the session record and its counters. Idempotent.
	Delete(ctx context.Context, sessionID string) error

	// ListActiveIDs enumerates the ids of all live session records. Used by
	// the reconciliation sweep, never by request paths.
	ListActiveIDs(ctx context.Context) ([]string, error)
}
