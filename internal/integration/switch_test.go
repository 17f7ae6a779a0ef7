package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/state"
)

func strPtr(s string) *string { return &s }

func TestSwitch_RuntimeTripExposesSourceAndReason(t *testing.T) {
	sw := New(true, zap.NewNop())

	sw.Set(false, SourceRuntime, strPtr("x"))

	if sw.IsEnabled() {
		t.Fatal("expected disabled")
	}
	snap := sw.Snapshot()
	if snap.Source != SourceRuntime {
		t.Errorf("expected source runtime, got %s", snap.Source)
	}
	if snap.Reason == nil || *snap.Reason != "x" {
		t.Errorf("expected reason x, got %v", snap.Reason)
	}
}

func TestSwitch_OperatorEnableClearsReason(t *testing.T) {
	sw := New(true, zap.NewNop())
	sw.Trip("telegram_unauthorized")

	before := sw.Snapshot().UpdatedAt
	time.Sleep(time.Millisecond)
	sw.Set(true, SourceOperator, nil)

	snap := sw.Snapshot()
	if !snap.Enabled || snap.Source != SourceOperator {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Reason != nil {
		t.Errorf("expected reason cleared, got %q", *snap.Reason)
	}
	if !snap.UpdatedAt.After(before) {
		t.Error("expected updated_at to advance")
	}
}

func TestSwitch_EmptySourceDefaultsToOperator(t *testing.T) {
	sw := New(false, zap.NewNop())
	sw.Set(true, "", nil)
	if got := sw.Snapshot().Source; got != SourceOperator {
		t.Fatalf("expected operator, got %s", got)
	}
}

func TestSwitch_SnapshotIsACopy(t *testing.T) {
	sw := New(true, zap.NewNop())
	sw.Trip("a")

	snap := sw.Snapshot()
	*snap.Reason = "mutated"

	if got := *sw.Snapshot().Reason; got != "a" {
		t.Fatalf("snapshot mutation leaked into switch: %q", got)
	}
}

func TestSwitch_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	sw := New(true, zap.NewNop())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := sw.Snapshot()
				// runtime writes always carry a reason, operator writes never do
				if snap.Source == SourceRuntime && (snap.Enabled || snap.Reason == nil) {
					t.Errorf("torn snapshot: %+v", snap)
					return
				}
				if snap.Source == SourceOperator && snap.Reason != nil {
					t.Errorf("torn snapshot: %+v", snap)
					return
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		if i%2 == 0 {
			sw.Trip("flap")
		} else {
			sw.Set(true, SourceOperator, nil)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSwitch_OnChange(t *testing.T) {
	sw := New(true, zap.NewNop())

	var got []Snapshot
	sw.OnChange(func(s Snapshot) { got = append(got, s) })
	sw.OnChange(func(Snapshot) { panic("listener bug") })

	sw.Trip("telegram_unauthorized")
	sw.Restore(Snapshot{Enabled: true, Source: SourceOperator})

	if len(got) != 1 {
		t.Fatalf("expected 1 notification (Restore is silent), got %d", len(got))
	}
	if got[0].Enabled || *got[0].Reason != "telegram_unauthorized" {
		t.Fatalf("unexpected notification %+v", got[0])
	}
	if !sw.IsEnabled() {
		t.Fatal("expected Restore to apply")
	}
}

func TestSwitch_PersistAndLoad(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	sw := New(true, zap.NewNop())
	sw.Trip("ses_unauthorized")
	if err := sw.Persist(ctx, store, "nudge:bot:integration"); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	restarted := New(true, zap.NewNop())
	ok, err := restarted.LoadFrom(ctx, store, "nudge:bot:integration")
	if err != nil || !ok {
		t.Fatalf("load failed: %v, %v", ok, err)
	}
	snap := restarted.Snapshot()
	if snap.Enabled || snap.Source != SourceRuntime || *snap.Reason != "ses_unauthorized" {
		t.Fatalf("unexpected restored snapshot %+v", snap)
	}

	ok, err = New(true, zap.NewNop()).LoadFrom(ctx, store, "missing")
	if err != nil || ok {
		t.Fatalf("expected nothing loaded for missing key, got %v, %v", ok, err)
	}
}

func TestSnapshotPayloadRoundTrip(t *testing.T) {
	snap := Snapshot{
		Enabled:   false,
		Source:    SourceRuntime,
		Reason:    strPtr("telegram_unauthorized"),
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	got, ok := SnapshotFromPayload(snap.Payload())
	if !ok {
		t.Fatal("expected payload to decode")
	}
	if got.Enabled || got.Source != SourceRuntime || *got.Reason != "telegram_unauthorized" || !got.UpdatedAt.Equal(snap.UpdatedAt) {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	if _, ok := SnapshotFromPayload(map[string]any{"source": "operator"}); ok {
		t.Fatal("expected payload without enabled to be rejected")
	}
}
