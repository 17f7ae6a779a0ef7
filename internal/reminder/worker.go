package reminder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/metrics"
	"github.com/lalithlochan/nudge/internal/state"
)

// Kind selects the handler for a reminder.
type Kind string

const (
	KindConfirm2h      Kind = "confirm_2h"
	KindRemind30m      Kind = "remind_30m"
	KindRemind24h      Kind = "remind_24h"
	KindIntroDayRemind Kind = "intro_day_remind"
)

// Kinds lists the kinds this service schedules.
var Kinds = []Kind{KindConfirm2h, KindRemind30m, KindRemind24h, KindIntroDayRemind}

// Known reports whether k is one of Kinds.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Handler processes one due reminder. The reminder has already been removed
// from the ledger; a handler that wants a retry must schedule it again.
type Handler func(ctx context.Context, r state.ReminderMeta) error

// DuePopper is the part of state.Manager the worker needs.
type DuePopper interface {
	PopDueReminders(ctx context.Context, now time.Time) ([]state.ReminderMeta, error)
}

type Config struct {
	PollInterval time.Duration
	Clock        func() time.Time
}

// Worker polls the reminder ledger and dispatches due reminders to handlers.
type Worker struct {
	popper DuePopper
	config Config
	logger *zap.Logger

	hmu      sync.RWMutex
	handlers map[Kind]Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastPoll atomic.Int64
}

func New(popper DuePopper, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Worker{
		popper:   popper,
		config:   cfg,
		logger:   logger,
		handlers: make(map[Kind]Handler),
	}
}

// Register sets the handler for kind, replacing any earlier one.
// It panics on an empty kind or a nil handler.
func (w *Worker) Register(kind Kind, h Handler) {
	if kind == "" {
		panic("reminder: Register called with empty kind")
	}
	if h == nil {
		panic(fmt.Sprintf("reminder: Register called with nil handler for %q", kind))
	}

	w.hmu.Lock()
	defer w.hmu.Unlock()
	if _, ok := w.handlers[kind]; ok {
		w.logger.Debug("replacing reminder handler", zap.String("kind", string(kind)))
	}
	w.handlers[kind] = h
}

func (w *Worker) handler(kind Kind) (Handler, bool) {
	w.hmu.RLock()
	defer w.hmu.RUnlock()
	h, ok := w.handlers[kind]
	return h, ok
}

// Start launches the poll loop. Calling Start on a running worker is a no-op.
// The loop also ends when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil && !isClosed(w.done) {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go func() {
		defer close(done)
		w.run(runCtx)
	}()

	w.logger.Info("reminder worker started", zap.Duration("poll_interval", w.config.PollInterval))
}

// Stop signals the loop and waits for it to exit, or for ctx to expire.
// A batch already popped is finished before the loop exits.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		// the loop is still draining; it stays registered so Start cannot
		// launch a second one
		return ctx.Err()
	}

	w.mu.Lock()
	if w.done == done {
		w.cancel, w.done = nil, nil
	}
	w.mu.Unlock()

	w.logger.Info("reminder worker stopped")
	return nil
}

// Running reports whether the poll loop is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil && !isClosed(w.done)
}

// LastPoll returns when the ledger was last polled successfully.
func (w *Worker) LastPoll() time.Time {
	ns := w.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (w *Worker) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		w.RunOnce(ctx)
		timer.Reset(w.config.PollInterval)
	}
}

// RunOnce pops every due reminder and dispatches it. It returns the number
// of reminders handed to a handler.
func (w *Worker) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.ObservePoll(time.Since(start)) }()

	due, err := w.popper.PopDueReminders(ctx, w.config.Clock())
	if err != nil {
		w.logger.Error("failed to pop due reminders", zap.Error(err))
		return 0
	}
	w.lastPoll.Store(time.Now().UnixNano())

	if len(due) == 0 {
		return 0
	}
	w.logger.Debug("dispatching due reminders", zap.Int("count", len(due)))

	// popped reminders are gone from the ledger, so finish them even if
	// the loop is being stopped
	hctx := context.WithoutCancel(ctx)

	dispatched := 0
	for _, r := range due {
		if w.dispatch(hctx, r) {
			dispatched++
		}
	}
	return dispatched
}

func (w *Worker) dispatch(ctx context.Context, r state.ReminderMeta) (handled bool) {
	kind := Kind(r.Kind)
	h, ok := w.handler(kind)
	if !ok {
		w.logger.Debug("no handler for reminder kind, skipping",
			zap.String("kind", r.Kind),
			zap.Int64("subject_id", r.SubjectID),
			zap.Int64("recipient_id", r.RecipientID),
		)
		metrics.RecordDispatch(r.Kind, "unhandled")
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("reminder handler panicked",
				zap.String("kind", r.Kind),
				zap.Int64("subject_id", r.SubjectID),
				zap.Int64("recipient_id", r.RecipientID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			metrics.RecordDispatch(r.Kind, "panic")
			handled = true
		}
	}()

	if err := h(ctx, r); err != nil {
		w.logger.Error("reminder handler failed",
			zap.String("kind", r.Kind),
			zap.Int64("subject_id", r.SubjectID),
			zap.Int64("recipient_id", r.RecipientID),
			zap.Error(err),
		)
		metrics.RecordDispatch(r.Kind, "error")
		return true
	}

	metrics.RecordDispatch(r.Kind, "ok")
	return true
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
