package notify

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
)

func TestPolicy_Defaults(t *testing.T) {
	p := NewPolicy(newManager(), zap.NewNop())
	ctx := context.Background()

	for kind, want := range DefaultOffsets {
		got, ok := p.Offset(ctx, kind)
		if !ok || got != want {
			t.Errorf("Offset(%s) = %v, %v; want %v", kind, got, ok, want)
		}
	}
	if _, ok := p.Offset(ctx, "unknown"); ok {
		t.Error("unknown kind should have no offset")
	}
}

func TestPolicy_OverridesFromStore(t *testing.T) {
	m := newManager()
	p := NewPolicy(m, zap.NewNop())
	ctx := context.Background()

	key, _ := m.Key("policy")
	if err := m.Store().Set(ctx, key, []byte(`{"confirm_2h":"3h","remind_30m":900}`)); err != nil {
		t.Fatal(err)
	}

	if got, _ := p.Offset(ctx, reminder.KindConfirm2h); got != 3*time.Hour {
		t.Errorf("confirm_2h = %v, want 3h", got)
	}
	if got, _ := p.Offset(ctx, reminder.KindRemind30m); got != 15*time.Minute {
		t.Errorf("remind_30m = %v, want 15m", got)
	}
	if got, _ := p.Offset(ctx, reminder.KindRemind24h); got != 24*time.Hour {
		t.Errorf("remind_24h = %v, want default 24h", got)
	}
}

func TestPolicy_CachedUntilInvalidated(t *testing.T) {
	m := newManager()
	p := NewPolicy(m, zap.NewNop())
	ctx := context.Background()

	if got, _ := p.Offset(ctx, reminder.KindConfirm2h); got != 2*time.Hour {
		t.Fatalf("confirm_2h = %v, want 2h", got)
	}

	key, _ := m.Key("policy")
	_ = m.Store().Set(ctx, key, []byte(`{"confirm_2h":"1h"}`))

	if got, _ := p.Offset(ctx, reminder.KindConfirm2h); got != 2*time.Hour {
		t.Errorf("before invalidate: confirm_2h = %v, want cached 2h", got)
	}

	p.Invalidate()
	if got, _ := p.Offset(ctx, reminder.KindConfirm2h); got != time.Hour {
		t.Errorf("after invalidate: confirm_2h = %v, want 1h", got)
	}
}

func TestPolicy_SaveRoundTrip(t *testing.T) {
	m := newManager()
	p := NewPolicy(m, zap.NewNop())
	ctx := context.Background()

	if err := p.Save(ctx, map[reminder.Kind]time.Duration{reminder.KindIntroDayRemind: 18 * time.Hour}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	other := NewPolicy(m, zap.NewNop())
	if got, _ := other.Offset(ctx, reminder.KindIntroDayRemind); got != 18*time.Hour {
		t.Errorf("intro_day_remind = %v, want 18h", got)
	}

	if err := p.Save(ctx, map[reminder.Kind]time.Duration{reminder.KindConfirm2h: -time.Hour}); err == nil {
		t.Error("negative offset should be rejected")
	}
}

func TestPolicy_BadOverridesKeepPrevious(t *testing.T) {
	m := newManager()
	p := NewPolicy(m, zap.NewNop())
	ctx := context.Background()

	key, _ := m.Key("policy")
	_ = m.Store().Set(ctx, key, []byte(`{"remind_24h":"12h"}`))
	if got, _ := p.Offset(ctx, reminder.KindRemind24h); got != 12*time.Hour {
		t.Fatalf("remind_24h = %v, want 12h", got)
	}

	tests := []string{`not json`, `{"remind_24h":"soon"}`, `{"remind_24h":true}`, `{"remind_24h":"-1h"}`}
	for _, raw := range tests {
		_ = m.Store().Set(ctx, key, []byte(raw))
		p.Invalidate()
		if got, _ := p.Offset(ctx, reminder.KindRemind24h); got != 12*time.Hour {
			t.Errorf("%s: remind_24h = %v, want previous 12h", raw, got)
		}
	}
}

func TestPolicy_UnboundManager(t *testing.T) {
	m := state.NewManager(state.NewMemoryStore(), zap.NewNop())
	p := NewPolicy(m, zap.NewNop())

	if err := p.Load(context.Background()); err == nil {
		t.Error("Load() on unbound manager should fail")
	}
	if got, _ := p.Offset(context.Background(), reminder.KindRemind30m); got != 30*time.Minute {
		t.Errorf("remind_30m = %v, want default", got)
	}
}
