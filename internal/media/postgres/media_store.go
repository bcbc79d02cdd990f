package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediaforge/dispatch/internal/media"
)

const itemColumns = `id, user_id, prompt, seed, width, height, state, attempts,
	s3_key, thumb_key, error, cancelled_at, created_at, updated_at`

// Store implements media.Store on PostgreSQL. State-transition guards live in
// the WHERE clause of each update, so concurrent writers cannot regress an
// item no matter how requests interleave.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a postgres-backed media store and runs pending migrations.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := runMigrations(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Create(ctx context.Context, item *media.Item) error {
	if item.ID == "" {
		item.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.State == "" {
		item.State = media.StateQueued
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_items (id, user_id, prompt, seed, width, height, state,
			attempts, s3_key, thumb_key, error, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, item.ID, item.UserID, item.Prompt, item.Seed, item.Width, item.Height,
		string(item.State), item.Attempts, item.S3Key, item.ThumbKey, item.Error,
		item.CancelledAt, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert media item: %w", mapPostgresError(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*media.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM media_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, media.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get media item: %w", mapPostgresError(err))
	}
	return item, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, state media.State) (bool, error) {
	return s.guardedUpdate(ctx, id, `
		UPDATE media_items
		SET state = $2, updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL AND state IN ('queued', 'processing')
		  AND state <> $2
	`, string(state))
}

func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return s.guardedUpdate(ctx, id, `
		UPDATE media_items
		SET state = 'processing', updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL AND state = 'queued'
	`)
}

func (s *Store) Complete(ctx context.Context, id, s3Key string) (bool, error) {
	return s.guardedUpdate(ctx, id, `
		UPDATE media_items
		SET state = 'completed', s3_key = $2, error = '', updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL AND state IN ('queued', 'processing')
	`, s3Key)
}

func (s *Store) Fail(ctx context.Context, id, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items
		SET state = 'failed', error = $2, updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL AND state IN ('queued', 'processing')
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("failed to fail media item: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Cancelled and terminal items absorb the failure silently; only a
	// missing row is an error.
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) Retry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items
		SET state = 'queued', attempts = attempts + 1, error = '', updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL AND state IN ('queued', 'processing')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to retry media item: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Cancelled() {
		return media.ErrCancelled
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items
		SET cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel media item: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SetThumbnail(ctx context.Context, id, thumbKey string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_items
		SET thumb_key = $2, updated_at = now()
		WHERE id = $1
	`, id, thumbKey)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}
	return nil
}

func (s *Store) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*media.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM media_items
		WHERE state IN ('queued', 'processing')
		  AND cancelled_at IS NULL
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale media items: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var items []*media.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate media items: %w", mapPostgresError(err))
	}
	return items, nil
}

// guardedUpdate runs a state-transition update whose WHERE clause encodes the
// guard. Zero rows affected is disambiguated by re-reading the item: missing
// is ErrNotFound, cancelled is ErrCancelled, anything else is an idempotent
// no-op.
func (s *Store) guardedUpdate(ctx context.Context, id, query string, args ...any) (bool, error) {
	params := append([]any{id}, args...)
	tag, err := s.pool.Exec(ctx, query, params...)
	if err != nil {
		return false, fmt.Errorf("failed to update media item: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Cancelled() {
		return false, media.ErrCancelled
	}
	return false, nil
}

func scanItem(row pgx.Row) (*media.Item, error) {
	var (
		item  media.Item
		state string
	)
	err := row.Scan(&item.ID, &item.UserID, &item.Prompt, &item.Seed, &item.Width,
		&item.Height, &state, &item.Attempts, &item.S3Key, &item.ThumbKey,
		&item.Error, &item.CancelledAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.State = media.State(state)
	return &item, nil
}
