// Package identity is the boundary with the managed identity service. The
// core only consumes token verification; issuance and key rotation stay on
// the other side of this boundary.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/metrics"
)

// HTTPVerifier verifies publisher tokens against the identity service over
// HTTP, with a circuit breaker so a degraded identity service fails fast
// instead of stalling every channel open.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ domain.TokenVerifier = (*HTTPVerifier)(nil)

func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	settings := gobreaker.Settings{
		Name:    "identity-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejected tokens are a client problem, not a dependency failure;
		// they must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrAuthFailed)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("Identity service circuit breaker state changed",
				"from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues("identity", to.String()).Inc()
		},
	}

	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"displayName"`
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, token string) (domain.Identity, error) {
	result, err := v.breaker.Execute(func() (any, error) {
		return v.verify(ctx, token)
	})
	if err != nil {
		return domain.Identity{}, err
	}
	return result.(domain.Identity), nil
}

func (v *HTTPVerifier) verify(ctx context.Context, token string) (domain.Identity, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var parsed verifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return domain.Identity{}, fmt.Errorf("invalid verify response: %w", err)
		}
		if parsed.Subject == "" {
			return domain.Identity{}, fmt.Errorf("verify response missing subject")
		}
		return domain.Identity{Subject: parsed.Subject, DisplayName: parsed.DisplayName}, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Identity{}, domain.ErrAuthFailed

	default:
		return domain.Identity{}, fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}
}
