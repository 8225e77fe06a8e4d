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

// Redis hash field names for connection records.
const (
	connFieldSession     = "session_id"
	connFieldRole        = "role"
	connFieldTargetLang  = "target_lang"
	connFieldState       = "state"
	connFieldConnectedAt = "connected_at"
	connFieldLastPing    = "last_ping"
	connFieldExpiresAt   = "expires_at"
)

// ConnectionRepo implements domain.ConnectionRepository. Each connection is
// a hash with a TTL slightly beyond the transport's duration ceiling, and
// subscriber connections additionally live in two index sets:
//
//	sess_langs:{sid}        -> languages with at least one subscriber
//	sess_conns:{sid}:{lang} -> subscriber connection ids for one language
//
// Both query shapes the translation pipeline needs are single SMEMBERS
// calls, independent of the session's total connection count.
type ConnectionRepo struct {
	rdb   *goredis.Client
	clock clockwork.Clock
}

var _ domain.ConnectionRepository = (*ConnectionRepo)(nil)

func NewConnectionRepo(client *Client, clock clockwork.Clock) *ConnectionRepo {
	return &ConnectionRepo{rdb: client.rdb, clock: clock}
}

func (c *ConnectionRepo) Create(ctx context.Context, conn *domain.Connection) error {
	keys := []string{
		connKey(conn.ID),
		langSetKey(conn.SessionID),
		connSetKey(conn.SessionID, conn.TargetLanguage),
	}
	res, err := createConnScript.Run(ctx, c.rdb, keys,
		conn.SessionID,
		string(conn.Role),
		conn.TargetLanguage,
		string(conn.State),
		strconv.FormatInt(conn.ConnectedAt.UnixMilli(), 10),
		strconv.FormatInt(conn.ExpiresAt.UnixMilli(), 10),
		conn.ID,
	).Int()
	if err != nil {
		return domain.StoreUnavailable(fmt.Errorf("create connection: %w", err))
	}
	if res == 0 {
		return domain.ErrConnectionExists
	}
	return nil
}

func (c *ConnectionRepo) Get(ctx context.Context, connectionID string) (*domain.Connection, error) {
	fields, err := c.rdb.HGetAll(ctx, connKey(connectionID)).Result()
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("get connection: %w", err))
	}
	if len(fields) == 0 {
		return nil, domain.ErrConnectionNotFound
	}

	conn, err := parseConnection(connectionID, fields)
	if err != nil {
		return nil, fmt.Errorf("corrupt connection record %s: %w", connectionID, err)
	}
	return conn, nil
}

func (c *ConnectionRepo) Delete(ctx context.Context, connectionID string) (bool, error) {
	// The index keys depend on the record's own session and language, so
	// read them first. If the record is already gone the whole delete is a
	// no-op; a concurrent duplicate delete is harmless because SREM and DEL
	// are idempotent.
	conn, err := c.Get(ctx, connectionID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	keys := []string{
		connKey(connectionID),
		langSetKey(conn.SessionID),
		connSetKey(conn.SessionID, conn.TargetLanguage),
	}
	removed, err := deleteConnScript.Run(ctx, c.rdb, keys, conn.TargetLanguage, connectionID).Int()
	if err != nil {
		return false, domain.StoreUnavailable(fmt.Errorf("delete connection: %w", err))
	}
	return removed == 1, nil
}

func (c *ConnectionRepo) SetState(ctx context.Context, connectionID string, state domain.ConnectionState) error {
	return c.setLiveField(ctx, connectionID, connFieldState, string(state), "set connection state")
}

func (c *ConnectionRepo) TouchPing(ctx context.Context, connectionID string, at time.Time) error {
	return c.setLiveField(ctx, connectionID, connFieldLastPing,
		strconv.FormatInt(at.UnixMilli(), 10), "touch ping")
}

func (c *ConnectionRepo) setLiveField(ctx context.Context, connectionID, field, value, op string) error {
	res, err := setLiveFieldScript.Run(ctx, c.rdb, []string{connKey(connectionID)}, field, value).Int()
	if err != nil {
		return domain.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
	}
	if res < 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

func (c *ConnectionRepo) LanguagesForSession(ctx context.Context, sessionID string) ([]string, error) {
	langs, err := c.rdb.SMembers(ctx, langSetKey(sessionID)).Result()
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("languages for session: %w", err))
	}
	return langs, nil
}

func (c *ConnectionRepo) ConnectionsForSessionAndLanguage(ctx context.Context, sessionID, language string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, connSetKey(sessionID, language)).Result()
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("connections for session and language: %w", err))
	}
	return ids, nil
}

func (c *ConnectionRepo) PurgeSession(ctx context.Context, sessionID string) error {
	langs, err := c.LanguagesForSession(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := c.rdb.Pipeline()
	for _, lang := range langs {
		ids, err := c.ConnectionsForSessionAndLanguage(ctx, sessionID, lang)
		if err != nil {
			return err
		}
		for _, id := range ids {
			pipe.Del(ctx, connKey(id))
		}
		pipe.Del(ctx, connSetKey(sessionID, lang))
	}
	pipe.Del(ctx, langSetKey(sessionID))

	if _, err := pipe.Exec(ctx); err != nil {
		return domain.StoreUnavailable(fmt.Errorf("purge session connections: %w", err))
	}
	return nil
}

func (c *ConnectionRepo) PruneSession(ctx context.Context, sessionID string) (int64, error) {
	langs, err := c.LanguagesForSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	var live int64
	for _, lang := range langs {
		ids, err := c.ConnectionsForSessionAndLanguage(ctx, sessionID, lang)
		if err != nil {
			return 0, err
		}

		var dead []any
		for _, id := range ids {
			n, err := c.rdb.Exists(ctx, connKey(id)).Result()
			if err != nil {
				return 0, domain.StoreUnavailable(fmt.Errorf("prune session: %w", err))
			}
			if n == 0 {
				dead = append(dead, id)
			} else {
				live++
			}
		}

		if len(dead) > 0 {
			if err := c.rdb.SRem(ctx, connSetKey(sessionID, lang), dead...).Err(); err != nil {
				return 0, domain.StoreUnavailable(fmt.Errorf("prune session: %w", err))
			}
		}
		if len(dead) == len(ids) {
			// TTL reclaimed every subscriber for this language.
			if err := c.rdb.SRem(ctx, langSetKey(sessionID), lang).Err(); err != nil {
				return 0, domain.StoreUnavailable(fmt.Errorf("prune session: %w", err))
			}
		}
	}

	return live, nil
}

func parseConnection(id string, fields map[string]string) (*domain.Connection, error) {
	connectedAt, err := strconv.ParseInt(fields[connFieldConnectedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("connected_at: %w", err)
	}
	lastPing, err := strconv.ParseInt(fields[connFieldLastPing], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("last_ping: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields[connFieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}

	return &domain.Connection{
		ID:             id,
		SessionID:      fields[connFieldSession],
		Role:           domain.Role(fields[connFieldRole]),
		TargetLanguage: fields[connFieldTargetLang],
		State:          domain.ConnectionState(fields[connFieldState]),
		ConnectedAt:    time.UnixMilli(connectedAt),
		LastPingAt:     time.UnixMilli(lastPing),
		ExpiresAt:      time.UnixMilli(expiresAt),
	}, nil
}

func connKey(connectionID string) string {
	return "conn:" + connectionID
}

func langSetKey(sessionID string) string {
	return "sess_langs:" + sessionID
}

func connSetKey(sessionID, language string) string {
	return "sess_conns:" + sessionID + ":" + language
}
