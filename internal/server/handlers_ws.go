package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lingocast/lingocast/internal/domain"
	apperrors "github.com/lingocast/lingocast/internal/errors"
	"github.com/lingocast/lingocast/internal/identifier"
	"github.com/lingocast/lingocast/internal/platform/correlation"
	"github.com/lingocast/lingocast/internal/websocket"
)

const (
	// firstMessageTimeout bounds how long a fresh publisher channel may sit
	// silent before sending its createSession or refreshPublisher message.
	firstMessageTimeout = 30 * time.Second
	cleanupTimeout      = 10 * time.Second
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // browser clients connect from arbitrary origins
	},
}

// handlePublish opens a publisher channel. The first client message decides
// whether this channel starts a new session (createSession) or takes over
// an aging one (refreshPublisher).
func (s *Server) handlePublish(c echo.Context) error {
	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		return s.rejectAtLimit(c, reason)
	}
	defer s.limits.Release(ip)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	connID := uuid.NewString()
	first, err := readClientMessage(conn, firstMessageTimeout)
	if err != nil {
		writeServerMessage(conn, apperrors.Validation("expected a createSession or refreshPublisher message").ToMessage())
		return nil
	}

	ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
	switch first.Type {
	case domain.MsgCreateSession:
		session, err := s.service.CreateSession(ctx, first.Token, connID, first.SourceLanguage, first.QualityTier)
		if err != nil {
			writeServerMessage(conn, apperrors.FromDomain(err).ToMessage())
			return nil
		}
		if !s.register(conn, connID, session.ID, domain.RolePublisher, "", domain.ConnActive) {
			// Socket handed to the hub failed to register; join the session's
			// fate to ordinary cleanup.
			s.cleanup(ctx, connID)
			return nil
		}
		s.push(connID, domain.SessionCreatedMessage(session))

	case domain.MsgRefreshPublisher:
		if !identifier.Valid(first.SessionID) {
			writeServerMessage(conn, apperrors.Validation("invalid session id").ToMessage())
			return nil
		}
		if !s.register(conn, connID, first.SessionID, domain.RolePublisher, "", domain.ConnActive) {
			return nil
		}
		if err := s.service.RefreshPublisher(ctx, first.Token, first.SessionID, connID); err != nil {
			s.push(connID, apperrors.FromDomain(err).ToMessage())
			s.hub.Close(connID)
			return nil
		}

	default:
		writeServerMessage(conn, apperrors.Validation("expected a createSession or refreshPublisher message").ToMessage())
		return nil
	}

	s.readLoop(ctx, conn, connID)
	return nil
}

// handleJoin opens a subscriber channel pinned to one target language. A
// supersedes query parameter turns the join into the second half of a
// subscriber refresh handoff.
func (s *Server) handleJoin(c echo.Context) error {
	sessionID := c.Param("sessionId")
	lang := c.QueryParam("lang")
	supersedes := c.QueryParam("supersedes")

	if lang == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "lang query parameter is required"})
	}
	if !identifier.Valid(sessionID) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid session id"})
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		return s.rejectAtLimit(c, reason)
	}
	defer s.limits.Release(ip)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	connID := uuid.NewString()
	if !s.register(conn, connID, sessionID, domain.RoleSubscriber, lang, domain.ConnConnecting) {
		return nil
	}

	ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
	if supersedes != "" {
		err = s.service.RefreshSubscriber(ctx, sessionID, supersedes, connID, lang, ip)
	} else {
		_, err = s.service.JoinSession(ctx, connID, sessionID, lang, ip)
	}
	if err != nil {
		s.push(connID, apperrors.FromDomain(err).ToMessage())
		s.hub.Close(connID)
		return nil
	}

	s.hub.SetState(connID, domain.ConnActive)
	if supersedes == "" {
		s.push(connID, domain.SessionJoinedMessage(sessionID, lang))
	}

	s.readLoop(ctx, conn, connID)
	return nil
}

// readLoop pumps inbound messages until the channel drops, then runs
// cleanup. Only livenessPing arrives on an established channel; refreshes
// come in on brand-new channels.
func (s *Server) readLoop(ctx context.Context, conn *ws.Conn, connID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg domain.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.push(connID, apperrors.Validation("malformed message").ToMessage())
			continue
		}

		switch msg.Type {
		case domain.MsgLivenessPing:
			acked, err := s.service.LivenessPing(ctx, connID)
			if err != nil {
				s.push(connID, apperrors.FromDomain(err).ToMessage())
				continue
			}
			if acked {
				s.hub.MarkPing(connID, s.clock.Now())
				s.push(connID, domain.LivenessAckMessage())
			}
		default:
			s.push(connID, apperrors.Validation("unknown message type").ToMessage())
		}
	}

	s.cleanup(ctx, connID)
}

// cleanup runs on a fresh context because the request context is already
// cancelled when the socket drops. The correlation id is carried over so
// the teardown logs group with the channel's.
func (s *Server) cleanup(ctx context.Context, connID string) {
	base := context.Background()
	if id, ok := correlation.ID(ctx); ok {
		base = correlation.WithID(base, id)
	}
	cleanupCtx, cancel := context.WithTimeout(base, cleanupTimeout)
	defer cancel()
	s.service.HandleConnectionLost(cleanupCtx, connID)
}

func (s *Server) register(conn *ws.Conn, connID, sessionID string, role domain.Role, lang string, state domain.ConnectionState) bool {
	now := s.clock.Now()
	err := s.hub.Register(websocket.ChannelMeta{
		ConnectionID:   connID,
		SessionID:      sessionID,
		Role:           role,
		TargetLanguage: lang,
		State:          state,
		ConnectedAt:    now,
		LastPingAt:     now,
	}, conn)
	if err != nil {
		slog.Error("Failed to register channel", "connection_id", connID, "error", err)
		return false
	}
	return true
}

func (s *Server) push(connID string, msg domain.ServerMessage) {
	if err := s.hub.Push(connID, msg); err != nil && !errors.Is(err, domain.ErrChannelGone) {
		slog.Warn("Channel push failed", "connection_id", connID, "error", err)
	}
}

func (s *Server) rejectAtLimit(c echo.Context, reason LimitReason) error {
	status := http.StatusTooManyRequests
	if reason == LimitReasonGlobal {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": string(reason)})
}

func readClientMessage(conn *ws.Conn, timeout time.Duration) (domain.ClientMessage, error) {
	var msg domain.ClientMessage
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func writeServerMessage(conn *ws.Conn, msg domain.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(ws.TextMessage, data)
}
