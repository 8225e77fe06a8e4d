package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingocast/lingocast/internal/domain"
	apperrors "github.com/lingocast/lingocast/internal/errors"
)

// startWSServer exposes the echo routes over a real listener so tests can
// dial actual websocket channels through the full handler path.
func startWSServer(t *testing.T, service LifecycleService) *httptest.Server {
	t.Helper()
	srv := newTestServer(t, service, &mockPinger{}, &mockPinger{})
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *ws.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http", "ws", 1) + path
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *ws.Conn) domain.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg domain.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleJoin_SubscriberFlow(t *testing.T) {
	var lost atomic.Int64
	service := &mockService{
		joinSessionFn: func(ctx context.Context, connectionID, sessionID, targetLanguage, originKey string) (*domain.Session, error) {
			assert.Equal(t, "brave-otter-203", sessionID)
			assert.Equal(t, "es", targetLanguage)
			assert.NotEmpty(t, connectionID)
			return &domain.Session{ID: sessionID, Status: domain.SessionActive}, nil
		},
		handleConnectionLostFn: func(ctx context.Context, connectionID string) {
			lost.Add(1)
		},
	}
	ts := startWSServer(t, service)

	conn := dialWS(t, ts, "/ws/join/brave-otter-203?lang=es")

	joined := readMessage(t, conn)
	assert.Equal(t, domain.MsgSessionJoined, joined.Type)
	assert.Equal(t, "brave-otter-203", joined.SessionID)
	assert.Equal(t, "es", joined.TargetLanguage)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.MsgLivenessPing}))
	ack := readMessage(t, conn)
	assert.Equal(t, domain.MsgLivenessAck, ack.Type)

	conn.Close()
	require.Eventually(t, func() bool {
		return lost.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleJoin_MissingLanguageRejectedBeforeUpgrade(t *testing.T) {
	ts := startWSServer(t, &mockService{})

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/join/brave-otter-203"
	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleJoin_InvalidSessionIDRejectedBeforeUpgrade(t *testing.T) {
	ts := startWSServer(t, &mockService{})

	url := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/join/UPPER-case-9999?lang=es"
	_, resp, err := ws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleJoin_SessionNotFound(t *testing.T) {
	service := &mockService{
		joinSessionFn: func(ctx context.Context, connectionID, sessionID, targetLanguage, originKey string) (*domain.Session, error) {
			return nil, domain.ErrSessionNotFound
		},
	}
	ts := startWSServer(t, service)

	conn := dialWS(t, ts, "/ws/join/calm-heron-410?lang=de")

	msg := readMessage(t, conn)
	assert.Equal(t, domain.MsgError, msg.Type)
	assert.Equal(t, apperrors.CodeSessionNotFound, msg.Code)
}

func TestHandleJoin_SupersedesRoutesToRefresh(t *testing.T) {
	refreshed := make(chan [2]string, 1)
	service := &mockService{
		refreshSubscriberFn: func(ctx context.Context, sessionID, oldConnectionID, newConnectionID, targetLanguage, originKey string) error {
			refreshed <- [2]string{oldConnectionID, targetLanguage}
			return nil
		},
	}
	ts := startWSServer(t, service)

	dialWS(t, ts, "/ws/join/brave-otter-203?lang=es&supersedes=old-conn-1")

	select {
	case got := <-refreshed:
		assert.Equal(t, "old-conn-1", got[0])
		assert.Equal(t, "es", got[1])
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was never invoked")
	}
}

func TestHandlePublish_CreateSession(t *testing.T) {
	service := &mockService{
		createSessionFn: func(ctx context.Context, token, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error) {
			assert.Equal(t, "valid-token", token)
			return &domain.Session{
				ID:             "quiet-maple-777",
				SourceLanguage: sourceLanguage,
				QualityTier:    "standard",
				Status:         domain.SessionActive,
			}, nil
		},
	}
	ts := startWSServer(t, service)

	conn := dialWS(t, ts, "/ws/publish")
	require.NoError(t, conn.WriteJSON(domain.ClientMessage{
		Type:           domain.MsgCreateSession,
		Token:          "valid-token",
		SourceLanguage: "en",
	}))

	created := readMessage(t, conn)
	assert.Equal(t, domain.MsgSessionCreated, created.Type)
	assert.Equal(t, "quiet-maple-777", created.SessionID)
	assert.Equal(t, "en", created.SourceLanguage)
	assert.Equal(t, "standard", created.QualityTier)
}

func TestHandlePublish_CreateSessionAuthFailure(t *testing.T) {
	service := &mockService{
		createSessionFn: func(ctx context.Context, token, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error) {
			return nil, domain.ErrAuthFailed
		},
	}
	ts := startWSServer(t, service)

	conn := dialWS(t, ts, "/ws/publish")
	require.NoError(t, conn.WriteJSON(domain.ClientMessage{
		Type:  domain.MsgCreateSession,
		Token: "bad-token",
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, domain.MsgError, msg.Type)
	assert.Equal(t, apperrors.CodeForbidden, msg.Code)
}

func TestHandlePublish_RefreshHandoff(t *testing.T) {
	refreshed := make(chan string, 1)
	service := &mockService{
		refreshPublisherFn: func(ctx context.Context, token, sessionID, newConnectionID string) error {
			assert.Equal(t, "valid-token", token)
			refreshed <- sessionID
			return nil
		},
	}
	ts := startWSServer(t, service)

	conn := dialWS(t, ts, "/ws/publish")
	require.NoError(t, conn.WriteJSON(domain.ClientMessage{
		Type:      domain.MsgRefreshPublisher,
		Token:     "valid-token",
		SessionID: "brave-otter-203",
	}))

	select {
	case got := <-refreshed:
		assert.Equal(t, "brave-otter-203", got)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was never invoked")
	}
}

func TestHandlePublish_UnexpectedFirstMessage(t *testing.T) {
	ts := startWSServer(t, &mockService{})

	conn := dialWS(t, ts, "/ws/publish")
	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.MsgLivenessPing}))

	msg := readMessage(t, conn)
	assert.Equal(t, domain.MsgError, msg.Type)
	assert.Equal(t, apperrors.CodeInvalidParameters, msg.Code)
}
