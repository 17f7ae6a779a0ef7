package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/state"
)

// KVStore implements state.AtomicStore on the state_kv table. Update holds a
// transaction-scoped advisory lock on the key, so it also serializes writers
// racing to create a missing row.
type KVStore struct {
	db     *DB
	logger *zap.Logger
}

var _ state.AtomicStore = (*KVStore)(nil)

func NewKVStore(db *DB, logger *zap.Logger) *KVStore {
	return &KVStore{db: db, logger: logger}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.Pool().QueryRow(ctx, `SELECT value FROM state_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state_kv: %w", err)
	}
	return value, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return upsertKV(ctx, s.db.Pool(), key, value)
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Pool().Exec(ctx, `DELETE FROM state_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete state_kv: %w", err)
	}
	return nil
}

func (s *KVStore) Update(ctx context.Context, key string, fn state.UpdateFunc) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock key: %w", err)
	}

	var old []byte
	err = tx.QueryRow(ctx, `SELECT value FROM state_kv WHERE key = $1`, key).Scan(&old)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("query state_kv: %w", err)
	}

	next, err := fn(old)
	if err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM state_kv WHERE key = $1`, key); err != nil {
			return fmt.Errorf("delete state_kv: %w", err)
		}
	} else if err := upsertKV(ctx, tx, key, next); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertKV(ctx context.Context, e execer, key string, value []byte) error {
	_, err := e.Exec(ctx, `
		INSERT INTO state_kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("upsert state_kv: %w", err)
	}
	return nil
}
