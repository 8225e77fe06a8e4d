package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleLiveness(t *testing.T) {
	srv := newTestServer(t, &mockService{}, &mockPinger{}, &mockPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleLiveness(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestHandleReadiness_AllHealthy(t *testing.T) {
	srv := newTestServer(t, &mockService{}, &mockPinger{}, &mockPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleReadiness(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body, "connections")
}

func TestHandleReadiness_RedisDown(t *testing.T) {
	srv := newTestServer(t, &mockService{},
		&mockPinger{pingErr: errors.New("connection refused")},
		&mockPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleReadiness(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "redis", body["failed_check"])
}

func TestHandleReadiness_PostgresDown(t *testing.T) {
	srv := newTestServer(t, &mockService{},
		&mockPinger{},
		&mockPinger{pingErr: errors.New("dial timeout")})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleReadiness(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "postgres", body["failed_check"])
}

func TestHandleVersion(t *testing.T) {
	srv := newTestServer(t, &mockService{}, &mockPinger{}, &mockPinger{})

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.handleVersion(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}
