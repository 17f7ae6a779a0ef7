package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the outbox. Implementations shared between processes must make
// Claim exclusive: an item claimed by one process is invisible to the others
// until its lease ends.
type Store interface {
	// Insert adds item unless one with the same idempotency key exists, in
	// which case the existing item is returned with inserted == false.
	Insert(ctx context.Context, item *Item) (stored *Item, inserted bool, err error)
	// Claim returns up to limit pending items due at now and pushes their
	// NextAttemptAt to now+lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Item, error)
	Update(ctx context.Context, item *Item) error
	Get(ctx context.Context, id uuid.UUID) (*Item, error)
	GetByKey(ctx context.Context, key string) (*Item, error)
	Counts(ctx context.Context) (map[Status]int, error)
}

// MemoryStore is a process-local outbox.
type MemoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Item
	byKey map[string]uuid.UUID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[uuid.UUID]*Item),
		byKey: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) Insert(_ context.Context, item *Item) (*Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[item.IdempotencyKey]; ok {
		return s.items[id].clone(), false, nil
	}
	s.items[item.ID] = item.clone()
	s.byKey[item.IdempotencyKey] = item.ID
	return item.clone(), true, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Item
	for _, it := range s.items {
		if it.Status == StatusPending && !it.NextAttemptAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Item, 0, len(due))
	for _, it := range due {
		it.NextAttemptAt = now.Add(lease)
		out = append(out, it.clone())
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; !ok {
		return ErrNotFound
	}
	s.items[item.ID] = item.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.items[id].clone(), nil
}

func (s *MemoryStore) Counts(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Status]int, 4)
	for _, it := range s.items {
		out[it.Status]++
	}
	return out, nil
}
