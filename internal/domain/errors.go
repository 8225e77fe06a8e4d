package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrSessionEnded        = errors.New("session has ended")
	ErrSessionFull         = errors.New("session is at capacity")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrConnectionExists    = errors.New("connection already registered")
	ErrOwnershipMismatch   = errors.New("caller is not the session owner")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrAuthFailed          = errors.New("token verification failed")
	ErrChannelGone         = errors.New("channel no longer open")

	// ErrStoreUnavailable wraps transient store failures (timeouts,
	// connection errors) so callers can distinguish them from business
	// failures and apply retry-with-backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoreUnavailable marks err as a transient store failure.
func StoreUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// RateLimitedError reports a rejected operation together with the time the
// caller should wait before retrying.
type RateLimitedError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Operation, e.RetryAfter)
}

// IsRateLimited extracts a RateLimitedError from an error chain.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	ok := errors.As(err, &rl)
	return rl, ok
}
