package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/broker"
)

// OutboxRepository is the shared broker.Store. Claim uses FOR UPDATE SKIP
// LOCKED so concurrent brokers never claim the same row.
type OutboxRepository struct {
	db     *DB
	logger *zap.Logger
}

var _ broker.Store = (*OutboxRepository)(nil)

func NewOutboxRepository(db *DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		db:     db,
		logger: logger,
	}
}

const outboxColumns = `
	id, idempotency_key, recipient_id, kind, content_text, content_subject,
	status, attempt, next_attempt_at, last_error, provider_message_id,
	created_at, updated_at, expires_at`

func (r *OutboxRepository) Insert(ctx context.Context, item *broker.Item) (*broker.Item, bool, error) {
	query := `
		INSERT INTO outbox (
			id, idempotency_key, recipient_id, kind, content_text, content_subject,
			status, attempt, next_attempt_at, created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + outboxColumns

	stored, err := scanItem(r.db.Pool().QueryRow(ctx, query,
		item.ID,
		item.IdempotencyKey,
		item.RecipientID,
		item.Kind,
		item.Content.Text,
		item.Content.Subject,
		string(item.Status),
		item.Attempt,
		item.NextAttemptAt,
		item.CreatedAt,
		item.UpdatedAt,
		item.ExpiresAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.GetByKey(ctx, item.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		r.logger.Error("failed to insert outbox item",
			zap.Error(err),
			zap.String("item_id", item.ID.String()),
		)
		return nil, false, fmt.Errorf("insert outbox item: %w", err)
	}

	return stored, true, nil
}

func (r *OutboxRepository) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*broker.Item, error) {
	query := `
		UPDATE outbox
		SET next_attempt_at = $2, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.db.Pool().Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox items: %w", err)
	}
	defer rows.Close()

	var items []*broker.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

func (r *OutboxRepository) Update(ctx context.Context, item *broker.Item) error {
	query := `
		UPDATE outbox
		SET status = $1, attempt = $2, next_attempt_at = $3, last_error = $4,
			provider_message_id = $5, updated_at = $6
		WHERE id = $7
	`

	result, err := r.db.Pool().Exec(ctx, query,
		string(item.Status),
		item.Attempt,
		item.NextAttemptAt,
		item.LastError,
		item.ProviderMessageID,
		item.UpdatedAt,
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update outbox item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return broker.ErrNotFound
	}
	return nil
}

func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*broker.Item, error) {
	it, err := scanItem(r.db.Pool().QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox item: %w", err)
	}
	return it, nil
}

func (r *OutboxRepository) GetByKey(ctx context.Context, key string) (*broker.Item, error) {
	it, err := scanItem(r.db.Pool().QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, broker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query outbox item: %w", err)
	}
	return it, nil
}

func (r *OutboxRepository) Counts(ctx context.Context) (map[broker.Status]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox items: %w", err)
	}
	defer rows.Close()

	out := make(map[broker.Status]int, 4)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[broker.Status(status)] = n
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (*broker.Item, error) {
	var (
		it     broker.Item
		status string
	)
	err := row.Scan(
		&it.ID,
		&it.IdempotencyKey,
		&it.RecipientID,
		&it.Kind,
		&it.Content.Text,
		&it.Content.Subject,
		&status,
		&it.Attempt,
		&it.NextAttemptAt,
		&it.LastError,
		&it.ProviderMessageID,
		&it.CreatedAt,
		&it.UpdatedAt,
		&it.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = broker.Status(status)
	return &it, nil
}
