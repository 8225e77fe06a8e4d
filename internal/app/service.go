package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/metrics"
	"github.com/lingocast/lingocast/internal/platform/retry"
)

const defaultQualityTier = "standard"

// IdentifierGenerator produces collision-checked session identifiers.
type IdentifierGenerator interface {
	Generate(ctx context.Context) (string, error)
}

// Options carries the tunables the lifecycle use cases need. All values come
// from config; zero values are not valid.
type Options struct {
	SupportedLanguages     []string
	MaxListenersPerSession int64
	SessionTTL             time.Duration
	ConnectionRecordTTL    time.Duration
	StoreTimeout           time.Duration

	// CreateAttempts bounds how often a session create retries the whole
	// generate+insert pair after an insert conflict.
	CreateAttempts int
}

// Service is the application layer. It orchestrates all lifecycle use cases
// across the registries, the rate limiter, the hub and the identity boundary.
type Service struct {
	sessions   domain.SessionRepository
	conns      domain.ConnectionRepository
	publishers domain.PublisherRepository
	limiter    domain.RateLimiter
	pusher     domain.ChannelPusher
	events     domain.EventPublisher
	verifier   domain.TokenVerifier
	idgen      IdentifierGenerator
	clock      clockwork.Clock
	opts       Options
}

func NewService(
	sessions domain.SessionRepository,
	conns domain.ConnectionRepository,
	publishers domain.PublisherRepository,
	limiter domain.RateLimiter,
	pusher domain.ChannelPusher,
	events domain.EventPublisher,
	verifier domain.TokenVerifier,
	idgen IdentifierGenerator,
	clock clockwork.Clock,
	opts Options,
) *Service {
	if opts.CreateAttempts <= 0 {
		opts.CreateAttempts = 3
	}
	return &Service{
		sessions:   sessions,
		conns:      conns,
		publishers: publishers,
		limiter:    limiter,
		pusher:     pusher,
		events:     events,
		verifier:   verifier,
		idgen:      idgen,
		clock:      clock,
		opts:       opts,
	}
}

// storeRetryPolicy bounds retries of transient store failures before they
// surface as INTERNAL_ERROR. Business failures are classified Stop and never
// retried.
var storeRetryPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
}

func classifyStoreError(err error) retry.Action {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return retry.Retry
	}
	return retry.Stop
}

func withStoreRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return retry.Do(ctx, storeRetryPolicy, classifyStoreError, op)
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *Service) languageSupported(lang string) bool {
	return slices.Contains(s.opts.SupportedLanguages, lang)
}

// CreateSession verifies the publisher's token, applies the per-owner rate
// limit and registers a new session plus its publisher connection record.
// The generate+insert pair is retried as a whole on identifier conflicts.
func (s *Service) CreateSession(ctx context.Context, token, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error) {
	identity, err := s.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := s.checkRateLimit(ctx, domain.OpCreateSession, identity.Subject); err != nil {
		return nil, err
	}

	if !s.languageSupported(sourceLanguage) {
		return nil, domain.ErrUnsupportedLanguage
	}

	// Account lookup fills in entitlements but must not block broadcasting:
	// session state lives in Redis, the relational store is allowed to lag.
	if account, err := s.publishers.UpsertSeen(ctx, identity); err != nil {
		slog.WarnContext(ctx, "publisher account upsert failed", "subject", identity.Subject, "error", err)
		if qualityTier == "" {
			qualityTier = defaultQualityTier
		}
	} else if qualityTier == "" {
		qualityTier = account.QualityTier
	}

	session, err := s.insertSession(ctx, identity.Subject, connectionID, sourceLanguage, qualityTier)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	conn := &domain.Connection{
		ID:          connectionID,
		SessionID:   session.ID,
		Role:        domain.RolePublisher,
		State:       domain.ConnActive,
		ConnectedAt: now,
		LastPingAt:  now,
		ExpiresAt:   now.Add(s.opts.ConnectionRecordTTL),
	}
	if _, err := withStoreRetry(ctx, func() (struct{}, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return struct{}{}, s.conns.Create(opCtx, conn)
	}); err != nil {
		s.rollbackSession(ctx, session.ID)
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	slog.InfoContext(ctx, "session created",
		"session_id", session.ID, "owner", identity.Subject, "source_language", sourceLanguage)
	return session, nil
}

func (s *Service) insertSession(ctx context.Context, ownerID, connectionID, sourceLanguage, qualityTier string) (*domain.Session, error) {
	for attempt := 1; ; attempt++ {
		id, err := s.idgen.Generate(ctx)
		if err != nil {
			return nil, err
		}

		now := s.clock.Now()
		session := &domain.Session{
			ID:                id,
			OwnerID:           ownerID,
			OwnerConnectionID: connectionID,
			SourceLanguage:    sourceLanguage,
			QualityTier:       qualityTier,
			Status:            domain.SessionActive,
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.opts.SessionTTL),
		}

		_, err = withStoreRetry(ctx, func() (struct{}, error) {
			opCtx, cancel := s.storeCtx(ctx)
			defer cancel()
			return struct{}{}, s.sessions.Create(opCtx, session)
		})
		if err == nil {
			return session, nil
		}
		// The generator's existence check races with concurrent inserts of
		// the same candidate. Regenerate and try again.
		if errors.Is(err, domain.ErrSessionExists) && attempt < s.opts.CreateAttempts {
			continue
		}
		return nil, err
	}
}

func (s *Service) rollbackSession(ctx context.Context, sessionID string) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.sessions.Delete(opCtx, sessionID); err != nil {
		slog.ErrorContext(ctx, "session rollback failed", "session_id", sessionID, "error", err)
	}
}

// JoinSession registers a subscriber connection pinned to one target
// language. The listener count is incremented after the record insert;
// exceeding capacity rolls both back and reports SESSION_FULL.
func (s *Service) JoinSession(ctx context.Context, connectionID, sessionID, targetLanguage, originKey string) (*domain.Session, error) {
	if err := s.checkRateLimit(ctx, domain.OpJoinSession, originKey); err != nil {
		return nil, err
	}

	if !s.languageSupported(targetLanguage) {
		return nil, domain.ErrUnsupportedLanguage
	}

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionEnded {
		return nil, domain.ErrSessionEnded
	}

	if err := s.registerSubscriber(ctx, connectionID, sessionID, targetLanguage, false); err != nil {
		return nil, err
	}
	return session, nil
}

// registerSubscriber inserts the connection record and increments the
// listener count. With allowOvershoot (refresh handoff), the capacity check
// is skipped: the old channel's decrement corrects the count moments later.
func (s *Service) registerSubscriber(ctx context.Context, connectionID, sessionID, targetLanguage string, allowOvershoot bool) error {
	now := s.clock.Now()
	conn := &domain.Connection{
		ID:             connectionID,
		SessionID:      sessionID,
		Role:           domain.RoleSubscriber,
		TargetLanguage: targetLanguage,
		State:          domain.ConnActive,
		ConnectedAt:    now,
		LastPingAt:     now,
		ExpiresAt:      now.Add(s.opts.ConnectionRecordTTL),
	}

	if _, err := withStoreRetry(ctx, func() (struct{}, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return struct{}{}, s.conns.Create(opCtx, conn)
	}); err != nil {
		return err
	}

	count, err := withStoreRetry(ctx, func() (int64, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return s.sessions.IncrementListenerCount(opCtx, sessionID)
	})
	if err != nil {
		s.dropConnectionRecord(ctx, connectionID)
		return err
	}

	if !allowOvershoot && count > s.opts.MaxListenersPerSession {
		if _, derr := withStoreRetry(ctx, func() (int64, error) {
			opCtx, cancel := s.storeCtx(ctx)
			defer cancel()
			return s.sessions.DecrementListenerCount(opCtx, sessionID)
		}); derr != nil {
			slog.ErrorContext(ctx, "capacity rollback decrement failed", "session_id", sessionID, "error", derr)
		}
		s.dropConnectionRecord(ctx, connectionID)
		return domain.ErrSessionFull
	}
	return nil
}

func (s *Service) dropConnectionRecord(ctx context.Context, connectionID string) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.conns.Delete(opCtx, connectionID); err != nil {
		slog.ErrorContext(ctx, "connection record rollback failed", "connection_id", connectionID, "error", err)
	}
}

// RefreshPublisher repoints the session's owner channel to a brand-new one.
// The write is conditional on the caller's verified identity matching the
// recorded owner; a mismatch is FORBIDDEN and never retried.
func (s *Service) RefreshPublisher(ctx context.Context, token, sessionID, newConnectionID string) error {
	identity, err := s.verifier.VerifyToken(ctx, token)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RolePublisher), "auth_failed").Inc()
		return err
	}

	// The outgoing channel is whatever the registry points at right now.
	// Read before the swap; only the conditional write below decides.
	var oldConnectionID string
	if session, err := s.getSession(ctx, sessionID); err == nil {
		oldConnectionID = session.OwnerConnectionID
	}

	if _, err := withStoreRetry(ctx, func() (struct{}, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return struct{}{}, s.sessions.SetOwnerConnection(opCtx, sessionID, newConnectionID, identity.Subject)
	}); err != nil {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RolePublisher), "rejected").Inc()
		return err
	}

	now := s.clock.Now()
	conn := &domain.Connection{
		ID:          newConnectionID,
		SessionID:   sessionID,
		Role:        domain.RolePublisher,
		State:       domain.ConnActive,
		ConnectedAt: now,
		LastPingAt:  now,
		ExpiresAt:   now.Add(s.opts.ConnectionRecordTTL),
	}
	if _, err := withStoreRetry(ctx, func() (struct{}, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return struct{}{}, s.conns.Create(opCtx, conn)
	}); err != nil {
		return err
	}

	// The old channel is expected to close voluntarily; marking it
	// superseded makes its eventual loss a no-op for session ownership.
	if oldConnectionID != "" && oldConnectionID != newConnectionID {
		s.markSuperseded(ctx, oldConnectionID)
	}

	if err := s.pusher.Push(newConnectionID, domain.RefreshCompleteMessage(sessionID, domain.RolePublisher)); err != nil {
		slog.WarnContext(ctx, "refresh completion push failed", "connection_id", newConnectionID, "error", err)
	}

	metrics.RefreshesTotal.WithLabelValues(string(domain.RolePublisher), "completed").Inc()
	slog.InfoContext(ctx, "publisher channel refreshed",
		"session_id", sessionID, "old_connection_id", oldConnectionID, "new_connection_id", newConnectionID)
	return nil
}

// RefreshSubscriber performs the subscriber side of the dual-channel
// handoff: the new record and increment land first, the old channel closes
// afterwards and decrements on its own cleanup. The transient overshoot of
// at most one is tolerated only when the superseded id names a live
// subscriber of the same session and language, so the matching decrement is
// guaranteed to arrive; any other id is treated as a plain join and pays
// the full capacity check. The refresh shares the join rate limit, since a
// refresh is a join from the registry's point of view.
func (s *Service) RefreshSubscriber(ctx context.Context, sessionID, oldConnectionID, newConnectionID, targetLanguage, originKey string) error {
	if err := s.checkRateLimit(ctx, domain.OpJoinSession, originKey); err != nil {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RoleSubscriber), "rejected").Inc()
		return err
	}

	if !s.languageSupported(targetLanguage) {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RoleSubscriber), "rejected").Inc()
		return domain.ErrUnsupportedLanguage
	}

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RoleSubscriber), "rejected").Inc()
		return err
	}
	if session.Status == domain.SessionEnded {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RoleSubscriber), "rejected").Inc()
		return domain.ErrSessionEnded
	}

	handoff := s.isRefreshableSubscriber(ctx, oldConnectionID, sessionID, targetLanguage)
	if err := s.registerSubscriber(ctx, newConnectionID, sessionID, targetLanguage, handoff); err != nil {
		metrics.RefreshesTotal.WithLabelValues(string(domain.RoleSubscriber), "rejected").Inc()
		return err
	}

	if handoff {
		s.markSuperseded(ctx, oldConnectionID)
	}

	if err := s.pusher.Push(newConnectionID, domain.RefreshCompleteMessage(sessionID, domain.RoleSubscriber)); err != nil {
		slog.WarnContext(ctx, "refresh completion push failed", "connection_id", newConnectionID, "error", err)
	}

	metrics.RefreshesTotal.WithLabelValues(string(domain.RoleSubscriber), "completed").Inc()
	return nil
}

// isRefreshableSubscriber reports whether connectionID names a live
// subscriber record of the given session and language. Overshoot is only
// tolerated for such records; a forged or stale id would inflate the
// listener count with no decrement ever arriving. On store trouble the
// answer is false, which degrades to the capacity-checked join path.
func (s *Service) isRefreshableSubscriber(ctx context.Context, connectionID, sessionID, targetLanguage string) bool {
	if connectionID == "" {
		return false
	}
	old, err := withStoreRetry(ctx, func() (*domain.Connection, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return s.conns.Get(opCtx, connectionID)
	})
	if err != nil {
		return false
	}
	return old.Role == domain.RoleSubscriber &&
		old.SessionID == sessionID &&
		old.TargetLanguage == targetLanguage
}

func (s *Service) markSuperseded(ctx context.Context, connectionID string) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.conns.SetState(opCtx, connectionID, domain.ConnSuperseded); err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
		slog.WarnContext(ctx, "failed to mark channel superseded", "connection_id", connectionID, "error", err)
	}
}

// LivenessPing records a ping. Returns false when the ping was dropped by
// the per-connection rate limit; over-limit pings are tolerated silently to
// absorb minor client clock drift.
func (s *Service) LivenessPing(ctx context.Context, connectionID string) (bool, error) {
	decision, err := s.limiter.Allow(ctx, domain.OpLivenessPing, connectionID)
	if err == nil && !decision.Allowed {
		metrics.RateLimitRejections.WithLabelValues(string(domain.OpLivenessPing)).Inc()
		return false, nil
	}

	if _, err := withStoreRetry(ctx, func() (struct{}, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return struct{}{}, s.conns.TouchPing(opCtx, connectionID, s.clock.Now())
	}); err != nil {
		return false, err
	}
	return true, nil
}

// HandleConnectionLost is the cleanup entry point for every lost channel:
// explicit close, transport drop, liveness expiry or forced close. Safe to
// invoke repeatedly and for connection ids that were never registered.
// Errors never reach a client; failures are logged and left to
// deadline-based reclamation.
func (s *Service) HandleConnectionLost(ctx context.Context, connectionID string) {
	s.pusher.Close(connectionID)

	opCtx, cancel := s.storeCtx(ctx)
	conn, err := s.conns.Get(opCtx, connectionID)
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrConnectionNotFound) {
			slog.ErrorContext(ctx, "cleanup lookup failed", "connection_id", connectionID, "error", err)
			metrics.CleanupsTotal.WithLabelValues("unknown", "error").Inc()
		}
		return
	}

	switch conn.Role {
	case domain.RolePublisher:
		s.cleanupPublisher(ctx, conn)
	default:
		s.cleanupSubscriber(ctx, conn)
	}
}

func (s *Service) cleanupPublisher(ctx context.Context, conn *domain.Connection) {
	opCtx, cancel := s.storeCtx(ctx)
	session, err := s.sessions.Get(opCtx, conn.SessionID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Session already reclaimed. Drop the leftover record.
			s.deleteConnection(ctx, conn.ID)
			return
		}
		slog.ErrorContext(ctx, "cleanup session lookup failed", "session_id", conn.SessionID, "error", err)
		metrics.CleanupsTotal.WithLabelValues(string(domain.RolePublisher), "error").Inc()
		return
	}

	// A superseded channel is no longer the owner; losing it must not end
	// the session the new channel now carries.
	if session.OwnerConnectionID != conn.ID {
		s.deleteConnection(ctx, conn.ID)
		metrics.CleanupsTotal.WithLabelValues(string(domain.RolePublisher), "superseded").Inc()
		return
	}

	if session.Status != domain.SessionEnded {
		opCtx, cancel := s.storeCtx(ctx)
		err := s.sessions.MarkEnded(opCtx, session.ID)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			slog.ErrorContext(ctx, "failed to mark session ended", "session_id", session.ID, "error", err)
		}
	}

	s.notifySessionEnded(ctx, session.ID)

	opCtx, cancel = s.storeCtx(ctx)
	if err := s.conns.PurgeSession(opCtx, session.ID); err != nil {
		slog.ErrorContext(ctx, "failed to purge session connections", "session_id", session.ID, "error", err)
	}
	cancel()

	opCtx, cancel = s.storeCtx(ctx)
	if err := s.sessions.SetListenerCount(opCtx, session.ID, 0); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		slog.ErrorContext(ctx, "failed to zero listener count", "session_id", session.ID, "error", err)
	}
	cancel()

	metrics.SessionsEnded.WithLabelValues("publisher_lost").Inc()
	metrics.CleanupsTotal.WithLabelValues(string(domain.RolePublisher), "ended").Inc()
	slog.InfoContext(ctx, "session ended after publisher loss", "session_id", session.ID)
}

// notifySessionEnded fans the end-of-session notification out to every
// subscriber channel: direct pushes for sockets held locally, the event bus
// for sockets held by other instances. Delivery is best-effort.
func (s *Service) notifySessionEnded(ctx context.Context, sessionID string) {
	endMsg := domain.SessionEndedMessage(sessionID)

	opCtx, cancel := s.storeCtx(ctx)
	languages, err := s.conns.LanguagesForSession(opCtx, sessionID)
	cancel()
	if err != nil {
		slog.ErrorContext(ctx, "failed to enumerate session languages", "session_id", sessionID, "error", err)
	}
	for _, lang := range languages {
		opCtx, cancel := s.storeCtx(ctx)
		ids, err := s.conns.ConnectionsForSessionAndLanguage(opCtx, sessionID, lang)
		cancel()
		if err != nil {
			slog.ErrorContext(ctx, "failed to enumerate subscribers", "session_id", sessionID, "language", lang, "error", err)
			continue
		}
		for _, id := range ids {
			if err := s.pusher.Push(id, endMsg); err != nil && !errors.Is(err, domain.ErrChannelGone) {
				slog.WarnContext(ctx, "sessionEnded push failed", "connection_id", id, "error", err)
			}
			s.pusher.Close(id)
		}
	}

	if s.events != nil {
		if err := s.events.PublishSessionEvent(ctx, sessionID, endMsg); err != nil {
			slog.WarnContext(ctx, "sessionEnded fanout publish failed", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Service) cleanupSubscriber(ctx context.Context, conn *domain.Connection) {
	removed := s.deleteConnection(ctx, conn.ID)
	if !removed {
		// A concurrent cleanup got here first; its decrement already
		// happened, so doing it again would double-count.
		metrics.CleanupsTotal.WithLabelValues(string(domain.RoleSubscriber), "duplicate").Inc()
		return
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.sessions.DecrementListenerCount(opCtx, conn.SessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		slog.ErrorContext(ctx, "listener decrement failed", "session_id", conn.SessionID, "error", err)
		metrics.CleanupsTotal.WithLabelValues(string(domain.RoleSubscriber), "error").Inc()
		return
	}
	metrics.CleanupsTotal.WithLabelValues(string(domain.RoleSubscriber), "removed").Inc()
}

func (s *Service) deleteConnection(ctx context.Context, connectionID string) bool {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	removed, err := s.conns.Delete(opCtx, connectionID)
	if err != nil {
		slog.ErrorContext(ctx, "connection delete failed", "connection_id", connectionID, "error", err)
		return false
	}
	return removed
}

// HandleSessionEvent delivers a cross-instance session event to every
// channel this instance holds for the session. Wired as the event bus
// consumer callback.
func (s *Service) HandleSessionEvent(sessionID string, msg domain.ServerMessage, localConnections []string) {
	for _, id := range localConnections {
		if err := s.pusher.Push(id, msg); err != nil && !errors.Is(err, domain.ErrChannelGone) {
			slog.Warn("session event push failed", "connection_id", id, "error", err)
		}
		if msg.Type == domain.MsgSessionEnded {
			s.pusher.Close(id)
		}
	}
}

// ActiveTargetLanguages reports which languages currently have at least one
// subscriber. Consumed by the translation pipeline for fan-out planning.
func (s *Service) ActiveTargetLanguages(ctx context.Context, sessionID string) ([]string, error) {
	return withStoreRetry(ctx, func() ([]string, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return s.conns.LanguagesForSession(opCtx, sessionID)
	})
}

// SubscriberConnections lists subscriber connection ids for one
// (session, language) pair.
func (s *Service) SubscriberConnections(ctx context.Context, sessionID, language string) ([]string, error) {
	return withStoreRetry(ctx, func() ([]string, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return s.conns.ConnectionsForSessionAndLanguage(opCtx, sessionID, language)
	})
}

func (s *Service) getSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return withStoreRetry(ctx, func() (*domain.Session, error) {
		opCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		return s.sessions.Get(opCtx, sessionID)
	})
}

func (s *Service) checkRateLimit(ctx context.Context, op domain.RateLimitOp, actorKey string) error {
	decision, err := s.limiter.Allow(ctx, op, actorKey)
	if err != nil {
		// The limiter fails open on its own; an error here is a programming
		// problem, not a store outage. Allow rather than block traffic.
		slog.WarnContext(ctx, "rate limiter error, allowing operation", "operation", string(op), "error", err)
		return nil
	}
	if !decision.Allowed {
		metrics.RateLimitRejections.WithLabelValues(string(op)).Inc()
		return &domain.RateLimitedError{Operation: string(op), RetryAfter: decision.RetryAfter}
	}
	return nil
}
