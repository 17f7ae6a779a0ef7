// Package state keeps per-recipient conversational state and the reminder ledger
// on top of a pluggable key/value store.
package state

import (
	"context"
	"sync"
)

// Store is the storage capability the manager is built on.
// Get returns (nil, nil) when the key does not exist.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// UpdateFunc receives the current value (nil if absent) and returns the value to
// persist. Returning nil deletes the key. It may be called more than once when the
// backend retries an optimistic transaction, so it must not have side effects
// beyond its own closure.
type UpdateFunc func(old []byte) ([]byte, error)

// AtomicStore is implemented by backends that can run a read-modify-write as a
// single atomic step across processes (Redis WATCH/MULTI, Postgres row locks).
type AtomicStore interface {
	Store
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Pinger is implemented by remote backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process Store for single-process deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return clone(v), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = clone(value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Update runs fn while holding the store lock.
func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(clone(s.data[key]))
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.data, key)
		return nil
	}
	s.data[key] = clone(next)
	return nil
}

// Len reports the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
