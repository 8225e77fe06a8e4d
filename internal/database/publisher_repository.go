package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lingocast/lingocast/internal/domain"
)

const publisherColumns = `subject, display_name, quality_tier, source_languages, created_at, last_seen_at`

// PublisherRepo implements domain.PublisherRepository backed by PostgreSQL.
type PublisherRepo struct {
	pool *pgxpool.Pool
}

var _ domain.PublisherRepository = (*PublisherRepo)(nil)

func NewPublisherRepo(pool *pgxpool.Pool) *PublisherRepo {
	return &PublisherRepo{pool: pool}
}

func (r *PublisherRepo) UpsertSeen(ctx context.Context, identity domain.Identity) (*domain.PublisherAccount, error) {
	query := `
		INSERT INTO publishers (subject, display_name)
		VALUES ($1, $2)
		ON CONFLICT (subject) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    last_seen_at = now()
		RETURNING ` + publisherColumns

	row := r.pool.QueryRow(ctx, query, identity.Subject, identity.DisplayName)
	account, err := scanPublisher(row)
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("upsert publisher: %w", err))
	}
	return account, nil
}

func (r *PublisherRepo) GetBySubject(ctx context.Context, subject string) (*domain.PublisherAccount, error) {
	query := `SELECT ` + publisherColumns + ` FROM publishers WHERE subject = $1`

	row := r.pool.QueryRow(ctx, query, subject)
	account, err := scanPublisher(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAuthFailed
	}
	if err != nil {
		return nil, domain.StoreUnavailable(fmt.Errorf("get publisher: %w", err))
	}
	return account, nil
}

func scanPublisher(row pgx.Row) (*domain.PublisherAccount, error) {
	var account domain.PublisherAccount
	err := row.Scan(
		&account.Subject,
		&account.DisplayName,
		&account.QualityTier,
		&account.SourceLanguages,
		&account.CreatedAt,
		&account.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}
