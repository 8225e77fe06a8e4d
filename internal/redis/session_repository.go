package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lingocast/lingocast/internal/domain"
)

// Redis hash field names for session records.
const (
	fieldOwnerID     = "owner_id"
	fieldOwnerConn   = "owner_conn"
	fieldSourceLang  = "source_lang"
	fieldQualityTier = "quality_tier"
	fieldStatus      = "status"
	fieldListeners   = "listeners"
	fieldCreatedAt   = "created_at"
	fieldExpiresAt   = "expires_at"
)

const sessionScanCount = 100

// SessionRepo implements domain.SessionRepository on Redis hashes.
type SessionRepo struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

var _ domain.SessionRepository = (*SessionRepo)(nil)

func NewSessionRepo(client *Client, clock clockwork.Clock) *SessionRepo {
	return &SessionRepo{rdb: client.rdb, clock: clock}
}

func (s *SessionRepo) Create(ctx context.Context, session *domain.Session) error {
	res, err := createSessionScript.Run(ctx, s.rdb, []string{sessionKey(session.ID)},
		session.OwnerID,
		session.OwnerConnectionID,
		session.SourceLanguage,
		session.QualityTier,
		strconv.FormatInt(session.CreatedAt.UnixMilli(), 10),
		strconv.FormatInt(session.ExpiresAt.UnixMilli(), 10),
	).Int()
	if err != nil {
		return domain.StoreUnavailable(fmt.Errorf("create session: %w", err))
	}
	if res == 0 {
		return domain.ErrSessionExists
	}
	return nil
}

func (s *SessionRepo) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("get session: %w", err))
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}

	session, err := parseSession(sessionID, fields)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %s: %w", sessionID, err)
	}

	// A session past its deadline is absent even if Redis has not
	// physically reclaimed the key yet.
	if !session.ExpiresAt.After(s.clock.Now()) {
		return nil, domain.ErrSessionNotFound
	}

	return session, nil
}

func (s *SessionRepo) Exists(ctx context.Context, sessionID string) (bool, error) {
	val, err := s.rdb.HGet(ctx, sessionKey(sessionID), fieldExpiresAt).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.StoreUnavailable(fmt.Errorf("session exists: %w", err))
	}

	expiresAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt expires_at on session %s: %w", sessionID, err)
	}
	return time.UnixMilli(expiresAt).After(s.clock.Now()), nil
}

func (s *SessionRepo) IncrementListenerCount(ctx context.Context, sessionID string) (int64, error) {
	return s.runCounterScript(ctx, incrListenersScript, sessionID, "increment listeners")
}

func (s *SessionRepo) DecrementListenerCount(ctx context.Context, sessionID string) (int64, error) {
	return s.runCounterScript(ctx, decrListenersScript, sessionID, "decrement listeners")
}

func (s *SessionRepo) runCounterScript(ctx context.Context, script *goredis.Script, sessionID, op string) (int64, error) {
	res, err := script.Run(ctx, s.rdb, []string{sessionKey(sessionID)}).Int64()
	if err != nil {
		return 0, domain.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
	}
	if res < 0 {
		return 0, domain.ErrSessionNotFound
	}
	return res, nil
}

func (s *SessionRepo) SetOwnerConnection(ctx context.Context, sessionID, newConnectionID, callerIdentity string) error {
	res, err := setOwnerConnScript.Run(ctx, s.rdb, []string{sessionKey(sessionID)},
		callerIdentity, newConnectionID).Int()
	if err != nil {
		return domain.StoreUnavailable(fmt.Errorf("set owner connection: %w", err))
	}
	switch res {
	case -1:
		return domain.ErrSessionNotFound
	case -2:
		return domain.ErrOwnershipMismatch
	}
	return nil
}

func (s *SessionRepo) SetListenerCount(ctx context.Context, sessionID string, count int64) error {
	return s.setLiveField(ctx, sessionID, fieldListeners, strconv.FormatInt(count, 10), "set listener count")
}

func (s *SessionRepo) MarkEnded(ctx context.Context, sessionID string) error {
	return s.setLiveField(ctx, sessionID, fieldStatus, string(domain.SessionEnded), "mark ended")
}

func (s *SessionRepo) setLiveField(ctx context.Context, sessionID, field, value, op string) error {
	res, err := setLiveFieldScript.Run(ctx, s.rdb, []string{sessionKey(sessionID)}, field, value).Int()
	if err != nil {
		return domain.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
	}
	if res < 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return domain.StoreUnavailable(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (s *SessionRepo) ListActiveIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session scan cancelled: %w", ctx.Err())
		default:
		}

		keys, next, err := s.rdb.Scan(ctx, cursor, "session:*", sessionScanCount).Result()
		if err != nil {
			return nil, domain.StoreUnavailable(fmt.Errorf("session scan: %w", err))
		}

		for _, key := range keys {
			ids = append(ids, key[len("session:"):])
		}

		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func parseSession(id string, fields map[string]string) (*domain.Session, error) {
	listeners, err := strconv.ParseInt(fields[fieldListeners], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("listeners: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}

	return &domain.Session{
		ID:                id,
		OwnerID:           fields[fieldOwnerID],
		OwnerConnectionID: fields[fieldOwnerConn],
		SourceLanguage:    fields[fieldSourceLang],
		QualityTier:       fields[fieldQualityTier],
		ListenerCount:     listeners,
		Status:            domain.SessionStatus(fields[fieldStatus]),
		CreatedAt:         time.UnixMilli(createdAt),
		ExpiresAt:         time.UnixMilli(expiresAt),
	}, nil
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}
