package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/state"
)

// Backoff bounds between optimistic retries when another writer changes a
// watched key between our read and write.
const (
	minConflictBackoff = time.Millisecond
	maxConflictBackoff = 50 * time.Millisecond
)

// KVStore implements state.AtomicStore on Redis strings. Update uses
// WATCH/MULTI so concurrent processes never lose a ledger write.
type KVStore struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ state.AtomicStore = (*KVStore)(nil)

// NewKVStore creates a store. A zero ttl keeps keys forever.
func NewKVStore(client *Client, ttl time.Duration, logger *zap.Logger) *KVStore {
	return &KVStore{client: client, ttl: ttl, logger: logger}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.rdb.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Update performs an optimistic read-modify-write on key. Conflicts are
// retried with jittered backoff until they clear or ctx ends.
func (s *KVStore) Update(ctx context.Context, key string, fn state.UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			old = nil
		} else if err != nil {
			return fmt.Errorf("redis get failed: %w", err)
		}

		next, err := fn(old)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, s.ttl)
			}
			return nil
		})
		return err
	}

	backoff := minConflictBackoff
	for attempt := 1; ; attempt++ {
		err := s.client.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		// full jitter
		wait := time.Duration(rand.Int64N(int64(backoff))) + 100*time.Microsecond
		s.logger.Debug("redis update conflict, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("redis update %s after %d conflicts: %w", key, attempt, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, maxConflictBackoff)
	}
}

// Ping checks if Redis is responsive.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
