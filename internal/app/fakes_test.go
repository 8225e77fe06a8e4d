package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/lingocast/lingocast/internal/domain"
	"github.com/lingocast/lingocast/internal/identifier"
)

var errStoreDown = errors.New("store down")

// In-memory registry fakes. They honor the same contracts as the Redis
// implementations (conflict on duplicate create, floor at zero, conditional
// owner write, idempotent delete) so the use cases can be exercised without
// a store. failWith, when set, makes every operation fail.

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	failWith error

	// failTimes makes the next N operations fail transiently, for retry
	// path tests.
	failTimes int
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.Session)}
}

// takeErr must be called with mu held.
func (f *fakeSessionRepo) takeErr() error {
	if f.failTimes > 0 {
		f.failTimes--
		return domain.StoreUnavailable(errStoreDown)
	}
	return f.failWith
}

func (f *fakeSessionRepo) Create(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.sessions[session.ID]; ok {
		return domain.ErrSessionExists
	}
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeSessionRepo) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionRepo) Exists(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	_, ok := f.sessions[sessionID]
	return ok, nil
}

func (f *fakeSessionRepo) IncrementListenerCount(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	s.ListenerCount++
	return s.ListenerCount, nil
}

func (f *fakeSessionRepo) DecrementListenerCount(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if s.ListenerCount > 0 {
		s.ListenerCount--
	}
	return s.ListenerCount, nil
}

func (f *fakeSessionRepo) SetOwnerConnection(_ context.Context, sessionID, newConnectionID, callerIdentity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if s.OwnerID != callerIdentity {
		return domain.ErrOwnershipMismatch
	}
	s.OwnerConnectionID = newConnectionID
	return nil
}

func (f *fakeSessionRepo) SetListenerCount(_ context.Context, sessionID string, count int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.ListenerCount = count
	return nil
}

func (f *fakeSessionRepo) MarkEnded(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.Status = domain.SessionEnded
	return nil
}

func (f *fakeSessionRepo) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessionRepo) ListActiveIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

type fakeConnRepo struct {
	mu       sync.Mutex
	conns    map[string]*domain.Connection
	failWith error
}

func newFakeConnRepo() *fakeConnRepo {
	return &fakeConnRepo{conns: make(map[string]*domain.Connection)}
}

func (f *fakeConnRepo) Create(_ context.Context, conn *domain.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.conns[conn.ID]; ok {
		return domain.ErrConnectionExists
	}
	copied := *conn
	f.conns[conn.ID] = &copied
	return nil
}

func (f *fakeConnRepo) Get(_ context.Context, connectionID string) (*domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	c, ok := f.conns[connectionID]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeConnRepo) Delete(_ context.Context, connectionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return false, f.failWith
	}
	if _, ok := f.conns[connectionID]; !ok {
		return false, nil
	}
	delete(f.conns, connectionID)
	return true, nil
}

func (f *fakeConnRepo) SetState(_ context.Context, connectionID string, state domain.ConnectionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	c, ok := f.conns[connectionID]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	c.State = state
	return nil
}

func (f *fakeConnRepo) TouchPing(_ context.Context, connectionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	c, ok := f.conns[connectionID]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	c.LastPingAt = at
	return nil
}

func (f *fakeConnRepo) LanguagesForSession(_ context.Context, sessionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var langs []string
	for _, c := range f.conns {
		if c.SessionID == sessionID && c.Role == domain.RoleSubscriber && !slices.Contains(langs, c.TargetLanguage) {
			langs = append(langs, c.TargetLanguage)
		}
	}
	return langs, nil
}

func (f *fakeConnRepo) ConnectionsForSessionAndLanguage(_ context.Context, sessionID, language string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	var ids []string
	for id, c := range f.conns {
		if c.SessionID == sessionID && c.Role == domain.RoleSubscriber && c.TargetLanguage == language {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeConnRepo) PurgeSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for id, c := range f.conns {
		if c.SessionID == sessionID {
			delete(f.conns, id)
		}
	}
	return nil
}

func (f *fakeConnRepo) PruneSession(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	var live int64
	for _, c := range f.conns {
		if c.SessionID == sessionID && c.Role == domain.RoleSubscriber {
			live++
		}
	}
	return live, nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]domain.ServerMessage
	closed map[string]int
	gone   map[string]bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{
		pushed: make(map[string][]domain.ServerMessage),
		closed: make(map[string]int),
		gone:   make(map[string]bool),
	}
}

func (f *fakePusher) Push(connectionID string, msg domain.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connectionID] {
		return domain.ErrChannelGone
	}
	f.pushed[connectionID] = append(f.pushed[connectionID], msg)
	return nil
}

func (f *fakePusher) Close(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connectionID]++
}

func (f *fakePusher) messages(connectionID string) []domain.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pushed[connectionID])
}

type fakeLimiter struct {
	mu         sync.Mutex
	denyOps    map[domain.RateLimitOp]bool
	retryAfter time.Duration
	calls      map[domain.RateLimitOp][]string
	err        error
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{
		denyOps: make(map[domain.RateLimitOp]bool),
		calls:   make(map[domain.RateLimitOp][]string),
	}
}

func (f *fakeLimiter) Allow(_ context.Context, op domain.RateLimitOp, actorKey string) (domain.RateLimitDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op] = append(f.calls[op], actorKey)
	if f.err != nil {
		return domain.RateLimitDecision{}, f.err
	}
	if f.denyOps[op] {
		return domain.RateLimitDecision{Allowed: false, RetryAfter: f.retryAfter}, nil
	}
	return domain.RateLimitDecision{Allowed: true}, nil
}

type fakeVerifier struct {
	identity domain.Identity
	err      error
}

func (f *fakeVerifier) VerifyToken(_ context.Context, _ string) (domain.Identity, error) {
	return f.identity, f.err
}

type fakePublisherRepo struct {
	upserts int
	tier    string
	err     error
}

func (f *fakePublisherRepo) UpsertSeen(_ context.Context, identity domain.Identity) (*domain.PublisherAccount, error) {
	f.upserts++
	if f.err != nil {
		return nil, f.err
	}
	tier := f.tier
	if tier == "" {
		tier = "standard"
	}
	return &domain.PublisherAccount{Subject: identity.Subject, DisplayName: identity.DisplayName, QualityTier: tier}, nil
}

func (f *fakePublisherRepo) GetBySubject(_ context.Context, subject string) (*domain.PublisherAccount, error) {
	return &domain.PublisherAccount{Subject: subject, QualityTier: "standard"}, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.ServerMessage
}

func (f *fakeEvents) PublishSessionEvent(_ context.Context, _ string, msg domain.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, msg)
	return nil
}

// fakeIDGen hands out a fixed sequence of identifiers.
type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) Generate(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", identifier.ErrGenerationFailed
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}
