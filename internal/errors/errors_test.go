package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingocast/lingocast/internal/domain"
)

func TestFromDomain_Sentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantType ErrorType
	}{
		{"session not found", domain.ErrSessionNotFound, CodeSessionNotFound, TypeNotFound},
		{"session ended maps to not found", domain.ErrSessionEnded, CodeSessionNotFound, TypeNotFound},
		{"session full", domain.ErrSessionFull, CodeSessionFull, TypeConflict},
		{"unsupported language", domain.ErrUnsupportedLanguage, CodeUnsupportedLanguage, TypeValidation},
		{"ownership mismatch", domain.ErrOwnershipMismatch, CodeForbidden, TypeConflict},
		{"auth failed", domain.ErrAuthFailed, CodeForbidden, TypeConflict},
		{"unknown error", errors.New("boom"), CodeInternalError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromDomain(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantType, got.Type)
		})
	}
}

func TestFromDomain_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("lookup: %w", domain.ErrSessionNotFound)
	got := FromDomain(err)
	assert.Equal(t, CodeSessionNotFound, got.Code)
}

func TestFromDomain_RateLimited(t *testing.T) {
	err := &domain.RateLimitedError{Operation: "join_session", RetryAfter: 42 * time.Second}
	got := FromDomain(err)
	assert.Equal(t, CodeRateLimitExceeded, got.Code)
	assert.Equal(t, int64(42), got.RetryAfter)
}

func TestFromDomain_RateLimitedSubSecondRoundsUp(t *testing.T) {
	err := &domain.RateLimitedError{Operation: "join_session", RetryAfter: 300 * time.Millisecond}
	got := FromDomain(err)
	assert.Equal(t, int64(1), got.RetryAfter, "retryAfterSeconds must stay positive")
}

func TestFromDomain_PassesThroughStructured(t *testing.T) {
	orig := Validation("missing language")
	got := FromDomain(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, got)
}

func TestFromDomain_Nil(t *testing.T) {
	assert.Nil(t, FromDomain(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Validation("x").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFound("x").HTTPStatus())
	assert.Equal(t, http.StatusForbidden, Forbidden("x").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Internal("x", nil).HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, FromDomain(&domain.RateLimitedError{RetryAfter: time.Second}).HTTPStatus())
}

func TestToMessage(t *testing.T) {
	msg := FromDomain(domain.ErrSessionFull).ToMessage()
	assert.Equal(t, domain.MsgError, msg.Type)
	assert.Equal(t, CodeSessionFull, msg.Code)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Internal("wrapped", cause)
	assert.ErrorIs(t, err, cause)
}
