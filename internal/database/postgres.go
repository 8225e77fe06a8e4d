// Package database holds the PostgreSQL-backed publisher account store.
// All session and connection state is ephemeral and lives in Redis; only
// account-level entitlements that must outlive a session are relational.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS publishers (
	subject          TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL DEFAULT '',
	quality_tier     TEXT NOT NULL DEFAULT 'standard',
	source_languages TEXT[] NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies the schema. Idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
