package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/state"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager() *state.Manager {
	m := state.NewManager(state.NewMemoryStore(), zap.NewNop())
	m.Bind("test-bot")
	return m
}

func reminderKinds(rs []state.ReminderMeta) map[string]state.ReminderMeta {
	out := make(map[string]state.ReminderMeta, len(rs))
	for _, r := range rs {
		out[r.Kind] = r
	}
	return out
}

func mustReminders(t *testing.T, m *state.Manager) []state.ReminderMeta {
	t.Helper()
	rs, err := m.Reminders(context.Background())
	if err != nil {
		t.Fatalf("Reminders() error = %v", err)
	}
	return rs
}
