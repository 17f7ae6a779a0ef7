package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/state"
)

func TestKVStore_GetSetDelete(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, 0, zap.NewNop())
	ctx := context.Background()

	v, err := store.Get(ctx, "missing")
	if err != nil || v != nil {
		t.Fatalf("expected (nil, nil) for missing key, got (%q, %v)", v, err)
	}

	if err := store.Set(ctx, "k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, _ = store.Get(ctx, "k")
	if string(v) != `{"a":1}` {
		t.Fatalf("unexpected value %q", v)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	v, _ = store.Get(ctx, "k")
	if v != nil {
		t.Fatalf("expected key deleted, got %q", v)
	}
}

func TestKVStore_TTL(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, time.Hour, zap.NewNop())
	if err := store.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if ttl := mr.TTL("k"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}
}

func TestKVStore_UpdateDeletesOnNil(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, 0, zap.NewNop())
	mr.Set("k", "v")

	err := store.Update(context.Background(), "k", func(old []byte) ([]byte, error) {
		if string(old) != "v" {
			t.Errorf("expected old value v, got %q", old)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if mr.Exists("k") {
		t.Fatal("expected key removed")
	}
}

func TestKVStore_ManagersShareLedger(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, 0, zap.NewNop())

	// two managers model two processes sharing one Redis
	a := state.NewManager(store, zap.NewNop())
	a.Bind("bot")
	b := state.NewManager(store, zap.NewNop())
	b.Bind("bot")
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := a
			if i%2 == 1 {
				m = b
			}
			if _, err := m.ScheduleReminder(ctx, int64(i), 42, past, "remind_30m", nil); err != nil {
				t.Errorf("schedule %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for _, m := range []*state.Manager{a, b, a, b} {
		wg.Add(1)
		go func(m *state.Manager) {
			defer wg.Done()
			due, err := m.PopDueReminders(ctx, time.Now())
			if err != nil {
				t.Errorf("pop failed: %v", err)
				return
			}
			mu.Lock()
			for _, r := range due {
				seen[r.Key()]++
			}
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d reminders popped, got %d", n, len(seen))
	}
	for k, c := range seen {
		if c != 1 {
			t.Errorf("%s popped %d times", k, c)
		}
	}
}

func TestKVStore_ConcurrentStateUpdatesAcrossManagers(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, 0, zap.NewNop())
	managers := make([]*state.Manager, 4)
	for i := range managers {
		managers[i] = state.NewManager(store, zap.NewNop())
		managers[i].Bind("bot")
	}
	ctx := context.Background()

	const n = 60
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := managers[i%len(managers)]
			if _, err := m.UpdateState(ctx, 1, state.State{fmt.Sprintf("k%d", i): true}); err != nil {
				t.Errorf("update %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	st, err := managers[0].LoadState(ctx, 1)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(st) != n {
		t.Fatalf("expected %d keys, got %d", n, len(st))
	}
}

func TestKVStore_UpdateStopsRetryingWhenContextEnds(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, 0, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// every attempt races a competing write, so the watch never succeeds
	calls := 0
	err := store.Update(ctx, "contended", func(old []byte) ([]byte, error) {
		calls++
		if err := client.rdb.Set(context.Background(), "contended", fmt.Sprintf("other-%d", calls), 0).Err(); err != nil {
			return nil, err
		}
		return []byte("mine"), nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Update() error = %v, want deadline exceeded", err)
	}
	if calls < 2 {
		t.Errorf("expected the conflict to be retried, fn ran %d times", calls)
	}

	v, _ := store.Get(context.Background(), "contended")
	if string(v) == "mine" {
		t.Error("a conflicted write must not be applied")
	}
}

func TestKVStore_Ping(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKVStore(client, 0, zap.NewNop())
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	mr.Close()
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error after server shutdown")
	}
}
