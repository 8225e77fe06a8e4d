package server

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/platform/config"
	"github.com/lingocast/lingocast/internal/websocket"
)

type mockService struct {
	createSessionFn         func(ctx context.Context, token, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error)
	joinSessionFn           func(ctx context.Context, connectionID, sessionID, targetLanguage, originKey string) (*domain.Session, error)
	refreshPublisherFn      func(ctx context.Context, token, sessionID, newConnectionID string) error
	refreshSubscriberFn     func(ctx context.Context, sessionID, oldConnectionID, newConnectionID, targetLanguage, originKey string) error
	livenessPingFn          func(ctx context.Context, connectionID string) (bool, error)
	handleConnectionLostFn  func(ctx context.Context, connectionID string)
	activeTargetLanguagesFn func(ctx context.Context, sessionID string) ([]string, error)
}

func (m *mockService) CreateSession(ctx context.Context, token, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error) {
	return m.createSessionFn(ctx, token, connectionID, sourceLanguage, qualityTier)
}

func (m *mockService) JoinSession(ctx context.Context, connectionID, sessionID, targetLanguage, originKey string) (*domain.Session, error) {
	return m.joinSessionFn(ctx, connectionID, sessionID, targetLanguage, originKey)
}

func (m *mockService) RefreshPublisher(ctx context.Context, token, sessionID, newConnectionID string) error {
	return m.refreshPublisherFn(ctx, token, sessionID, newConnectionID)
}

func (m *mockService) RefreshSubscriber(ctx context.Context, sessionID, oldConnectionID, newConnectionID, targetLanguage, originKey string) error {
	return m.refreshSubscriberFn(ctx, sessionID, oldConnectionID, newConnectionID, targetLanguage, originKey)
}

func (m *mockService) LivenessPing(ctx context.Context, connectionID string) (bool, error) {
	if m.livenessPingFn == nil {
		return true, nil
	}
	return m.livenessPingFn(ctx, connectionID)
}

func (m *mockService) HandleConnectionLost(ctx context.Context, connectionID string) {
	if m.handleConnectionLostFn != nil {
		m.handleConnectionLostFn(ctx, connectionID)
	}
}

func (m *mockService) ActiveTargetLanguages(ctx context.Context, sessionID string) ([]string, error) {
	return m.activeTargetLanguagesFn(ctx, sessionID)
}

type mockPinger struct {
	pingErr error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.pingErr
}

func newTestServer(t *testing.T, service LifecycleService, redis, postgres healthPinger) *Server {
	t.Helper()
	cfg := &config.Config{
		MaxWebSocketConnections: 100,
		MaxConnectionsPerIP:     50,
	}
	hub := websocket.NewHub(nil)
	t.Cleanup(hub.Stop)
	return NewServer(cfg, service, hub, redis, postgres, clockwork.NewFakeClock())
}
