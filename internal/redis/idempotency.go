package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long an enqueue key is remembered. Reminder keys
	// embed the due time, so a day comfortably covers redelivery of a popped
	// reminder by a restarted worker.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while an enqueue is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the key is claimed by an in-flight enqueue.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult records which outbox item a key produced.
type IdempotencyResult struct {
	ItemID    string `json:"item_id"`
	CreatedAt int64  `json:"created_at"`
}

// IdempotencyService deduplicates broker enqueues across processes.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    IdempotencyTTL,
	}
}

func (s *IdempotencyService) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("nudge:idempotency:%s", idempotencyKey)
}

// Check retrieves the result recorded for a key.
// Returns (nil, nil) if the key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("key", idempotencyKey),
		zap.String("item_id", result.ItemID),
	)

	return &result, nil
}

// Store records the item a key produced, replacing the processing marker.
func (s *IdempotencyService) Store(ctx context.Context, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, idempotencyKey string) (bool, error) {
	key := s.buildKey(idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation so a failed enqueue can be retried.
func (s *IdempotencyService) Release(ctx context.Context, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns the recorded result if found, nil if reserved successfully, or error.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// Deduper adapts IdempotencyService to the broker's enqueue dedup contract.
type Deduper struct {
	svc *IdempotencyService
}

func NewDeduper(svc *IdempotencyService) *Deduper {
	return &Deduper{svc: svc}
}

// Begin reserves key. A key that is reserved but not yet committed reports
// fresh == false with an empty ID.
func (d *Deduper) Begin(ctx context.Context, key string) (string, bool, error) {
	result, err := d.svc.CheckOrReserve(ctx, key)
	if errors.Is(err, ErrDuplicateRequest) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if result != nil {
		return result.ItemID, false, nil
	}
	return "", true, nil
}

func (d *Deduper) Commit(ctx context.Context, key, itemID string) error {
	return d.svc.Store(ctx, key, &IdempotencyResult{ItemID: itemID})
}

func (d *Deduper) Abort(ctx context.Context, key string) error {
	return d.svc.Release(ctx, key)
}
