// Package errors provides structured error handling with wire error codes
// and HTTP status code mapping.
package errors

import (
	"errors"
	"net/http"

	"github.com/lingocast/lingocast/internal/domain"
)

// Wire error codes sent to clients inside error messages.
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionFull         = "SESSION_FULL"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeInvalidParameters   = "INVALID_PARAMETERS"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeForbidden           = "FORBIDDEN"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ErrorType categorizes an error for propagation policy and metrics.
type ErrorType string

const (
	// TypeValidation: malformed input, rejected immediately, never retried.
	TypeValidation ErrorType = "validation"
	// TypeNotFound: unknown session or connection, never retried.
	TypeNotFound ErrorType = "not_found"
	// TypeConflict: identifier collision or ownership mismatch.
	TypeConflict ErrorType = "conflict"
	// TypeRateLimited: rejected by the rate limiter, carries a retry-after.
	TypeRateLimited ErrorType = "rate_limited"
	// TypeInternal: transient failures that exhausted their retries.
	TypeInternal ErrorType = "internal"
	// TypeExternal: a dependency (identity service, store) failed.
	TypeExternal ErrorType = "external"
)

// Error is a structured error carrying a wire code and retry hint.
type Error struct {
	Type       ErrorType
	Code       string
	Message    string
	RetryAfter int64 // seconds, only for rate-limited errors
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error type to an HTTP status for pre-upgrade failures.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusForbidden
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToMessage converts the error to the wire error envelope.
func (e *Error) ToMessage() domain.ServerMessage {
	return domain.ErrorMessage(e.Code, e.Message, e.RetryAfter)
}

func Validation(message string) *Error {
	return &Error{Type: TypeValidation, Code: CodeInvalidParameters, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Type: TypeNotFound, Code: CodeSessionNotFound, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Type: TypeConflict, Code: CodeForbidden, Message: message}
}

func Internal(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Code: CodeInternalError, Message: message, Cause: cause}
}

// FromDomain maps domain sentinel errors onto structured wire errors. Any
// error it does not recognize becomes INTERNAL_ERROR, so clients never see
// a raw internal failure.
func FromDomain(err error) *Error {
	if err == nil {
		return nil
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}

	if rl, ok := domain.IsRateLimited(err); ok {
		secs := int64(rl.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		return &Error{
			Type:       TypeRateLimited,
			Code:       CodeRateLimitExceeded,
			Message:    "rate limit exceeded",
			RetryAfter: secs,
			Cause:      err,
		}
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionEnded):
		return &Error{Type: TypeNotFound, Code: CodeSessionNotFound, Message: "session not found", Cause: err}
	case errors.Is(err, domain.ErrSessionFull):
		return &Error{Type: TypeConflict, Code: CodeSessionFull, Message: "session is at capacity", Cause: err}
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		return &Error{Type: TypeValidation, Code: CodeUnsupportedLanguage, Message: "unsupported language", Cause: err}
	case errors.Is(err, domain.ErrOwnershipMismatch), errors.Is(err, domain.ErrAuthFailed):
		return &Error{Type: TypeConflict, Code: CodeForbidden, Message: "not allowed", Cause: err}
	default:
		return Internal("internal error", err)
	}
}
