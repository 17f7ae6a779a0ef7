package contentupdate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type brokenTransport struct {
	panicOnPublish bool
}

func (b brokenTransport) Publish(context.Context, string, string) error {
	if b.panicOnPublish {
		panic("boom")
	}
	return errors.New("connection refused")
}

func (b brokenTransport) Subscribe(context.Context, string) (Subscription, error) {
	return nil, errors.New("connection refused")
}

func testBus(tr Transport) *Bus {
	return NewBus(tr, Config{ReceiveTimeout: 20 * time.Millisecond, ResubscribeBackoff: 10 * time.Millisecond}, zap.NewNop())
}

// startSubscriber runs SubscribeAndRun in the background and waits for it to be live.
func startSubscriber(t *testing.T, bus *Bus, h Handler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.SubscribeAndRun(ctx, h)
	}()

	waitFor(t, time.Second, bus.Running)

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not stop within one second")
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBus_SubscriberBeforePublishReceivesOnce(t *testing.T) {
	tr := NewMemoryTransport(8)
	sub := testBus(tr)
	rec := &recorder{}
	stop := startSubscriber(t, sub, rec.handle)
	defer stop()

	pub := testBus(tr)
	if !pub.Publish(context.Background(), KindTemplates, map[string]any{"id": "confirm_2h"}) {
		t.Fatal("publish should succeed")
	}

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].Kind != KindTemplates || events[0].Payload["id"] != "confirm_2h" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestBus_SubscriberAfterPublishReceivesNothing(t *testing.T) {
	tr := NewMemoryTransport(8)
	pub := testBus(tr)
	pub.Publish(context.Background(), KindTemplates, nil)

	sub := testBus(tr)
	rec := &recorder{}
	stop := startSubscriber(t, sub, rec.handle)
	time.Sleep(60 * time.Millisecond)
	stop()

	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("late subscriber received %d events", n)
	}
}

func TestBus_MalformedMessagesDropped(t *testing.T) {
	tr := NewMemoryTransport(8)
	bus := testBus(tr)
	rec := &recorder{}
	stop := startSubscriber(t, bus, rec.handle)
	defer stop()

	ctx := context.Background()
	tr.Publish(ctx, ChannelName, `not json`)
	tr.Publish(ctx, ChannelName, `{"kind":""}`)
	tr.Publish(ctx, ChannelName, `[1,2,3]`)
	tr.Publish(ctx, ChannelName, `{"kind":"reminder_policy"}`)

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	waitFor(t, time.Second, func() bool { return bus.Stats().Dropped == 3 })

	if got := rec.snapshot()[0].Kind; got != KindReminderPolicy {
		t.Errorf("expected reminder_policy, got %s", got)
	}
}

func TestBus_HandlerFailuresDoNotStopLoop(t *testing.T) {
	tr := NewMemoryTransport(8)
	bus := testBus(tr)

	var mu sync.Mutex
	calls := 0
	handler := func(_ context.Context, ev Event) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			panic("handler bug")
		case 2:
			return errors.New("cache reload failed")
		}
		return nil
	}

	stop := startSubscriber(t, bus, handler)
	defer stop()

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), KindTemplates, nil)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	})
	if !bus.Running() {
		t.Fatal("subscriber should still be running")
	}
}

func TestBus_PublishNeverFails(t *testing.T) {
	ctx := context.Background()

	if testBus(brokenTransport{}).Publish(ctx, KindTemplates, nil) {
		t.Error("publish over broken transport should report false")
	}
	if testBus(brokenTransport{panicOnPublish: true}).Publish(ctx, KindTemplates, nil) {
		t.Error("publish over panicking transport should report false")
	}
	if testBus(NewMemoryTransport(1)).Publish(ctx, "", nil) {
		t.Error("publish with empty kind should report false")
	}
}

func TestBus_UnserializablePayload(t *testing.T) {
	bus := testBus(NewMemoryTransport(1))
	if bus.Publish(context.Background(), KindTemplates, map[string]any{"fn": func() {}}) {
		t.Error("publish with unserializable payload should report false")
	}
}

func TestBus_SubscribeRetriesUntilCancelled(t *testing.T) {
	bus := testBus(brokenTransport{})
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := bus.SubscribeAndRun(ctx, func(context.Context, Event) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("subscriber did not honour cancellation")
	}
	if bus.Running() {
		t.Fatal("subscriber should not report running")
	}
}

func TestBus_StopsWithinReceiveTimeout(t *testing.T) {
	tr := NewMemoryTransport(8)
	bus := testBus(tr)
	stop := startSubscriber(t, bus, func(context.Context, Event) error { return nil })

	start := time.Now()
	stop()
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("stop took %v", time.Since(start))
	}
	if tr.Subscribers(ChannelName) != 0 {
		t.Fatal("subscription not closed on stop")
	}
}
