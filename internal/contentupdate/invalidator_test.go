package contentupdate

import (
	"context"
	"errors"
	"testing"
)

func TestInvalidator_RoutesByKind(t *testing.T) {
	inv := NewInvalidator()
	templates, policy := 0, 0
	inv.On(KindTemplates, func(context.Context, Event) error { templates++; return nil })
	inv.On(KindTemplates, func(context.Context, Event) error { templates++; return nil })
	inv.On(KindReminderPolicy, func(context.Context, Event) error { policy++; return nil })

	ctx := context.Background()
	if err := inv.Handle(ctx, Event{Kind: KindTemplates}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := inv.Handle(ctx, Event{Kind: "unknown"}); err != nil {
		t.Fatalf("unknown kinds should be ignored, got %v", err)
	}

	if templates != 2 || policy != 0 {
		t.Errorf("templates=%d policy=%d", templates, policy)
	}
}

func TestInvalidator_JoinsErrors(t *testing.T) {
	inv := NewInvalidator()
	errA := errors.New("a failed")
	called := false
	inv.On(KindQuestionSets, func(context.Context, Event) error { return errA })
	inv.On(KindQuestionSets, func(context.Context, Event) error { called = true; return nil })

	err := inv.Handle(context.Background(), Event{Kind: KindQuestionSets})
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !called {
		t.Fatal("second handler should still run")
	}
}

func TestInvalidator_OnPanicsOnBadRegistration(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewInvalidator().On("", nil)
}
