package contentupdate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/metrics"
)

// Handler reacts to one event.
type Handler func(ctx context.Context, ev Event) error

// Config tunes a Bus.
type Config struct {
	// Channel defaults to ChannelName.
	Channel string
	// ReceiveTimeout bounds how long a stopped subscriber can keep running.
	ReceiveTimeout time.Duration
	// ResubscribeBackoff is the initial wait after a transport failure.
	ResubscribeBackoff time.Duration
	// PublishTimeout bounds a single publish attempt.
	PublishTimeout time.Duration
}

// Bus publishes and consumes content-update events over a Transport.
type Bus struct {
	transport Transport
	config    Config
	logger    *zap.Logger

	running  atomic.Bool
	received atomic.Int64
	dropped  atomic.Int64
}

// NewBus creates a bus over transport.
func NewBus(transport Transport, cfg Config, logger *zap.Logger) *Bus {
	if cfg.Channel == "" {
		cfg.Channel = ChannelName
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Second
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = 500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Bus{
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// Publish sends a best-effort event. It reports whether the transport accepted
// it and never panics, so request paths can call it without guarding.
func (b *Bus) Publish(ctx context.Context, kind string, payload map[string]any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("content update publish panicked",
				zap.String("kind", kind),
				zap.Any("panic", r),
			)
			metrics.RecordContentEvent("publish", "error")
			ok = false
		}
	}()

	if kind == "" {
		metrics.RecordContentEvent("publish", "invalid")
		return false
	}

	msg, err := NewEvent(kind, payload).Encode()
	if err != nil {
		b.logger.Warn("content update encode failed", zap.String("kind", kind), zap.Error(err))
		metrics.RecordContentEvent("publish", "error")
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()

	if err := b.transport.Publish(pctx, b.config.Channel, msg); err != nil {
		b.logger.Warn("content update publish failed", zap.String("kind", kind), zap.Error(err))
		metrics.RecordContentEvent("publish", "error")
		return false
	}

	metrics.RecordContentEvent("publish", "ok")
	b.logger.Debug("content update published", zap.String("kind", kind))
	return true
}

// SubscribeAndRun consumes events until ctx is cancelled. Malformed messages
// are dropped; handler errors and panics are logged and the loop continues.
// Transport failures trigger a resubscribe with exponential backoff.
func (b *Bus) SubscribeAndRun(ctx context.Context, onEvent Handler) error {
	if onEvent == nil {
		panic("contentupdate: SubscribeAndRun requires a handler")
	}

	backoff := b.config.ResubscribeBackoff
	maxBackoff := 30 * time.Second

	for ctx.Err() == nil {
		sub, err := b.transport.Subscribe(ctx, b.config.Channel)
		if err != nil {
			b.logger.Warn("content update subscribe failed",
				zap.String("channel", b.config.Channel),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoff) {
				break
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = b.config.ResubscribeBackoff
		b.running.Store(true)
		b.logger.Info("content update subscriber started", zap.String("channel", b.config.Channel))

		err = b.consume(ctx, sub, onEvent)
		b.running.Store(false)
		_ = sub.Close()

		if err != nil && ctx.Err() == nil {
			b.logger.Warn("content update subscription lost",
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoff) {
				break
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}

	b.logger.Info("content update subscriber stopped")
	return nil
}

func (b *Bus) consume(ctx context.Context, sub Subscription, onEvent Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, ok, err := sub.Receive(ctx, b.config.ReceiveTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		ev, valid := ParseEvent(raw)
		if !valid {
			b.dropped.Add(1)
			metrics.RecordContentEvent("receive", "dropped")
			b.logger.Debug("dropping malformed content update", zap.Int("size", len(raw)))
			continue
		}

		b.received.Add(1)
		metrics.RecordContentEvent("receive", "ok")
		b.dispatch(ctx, ev, onEvent)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event, onEvent Handler) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordContentEvent("receive", "handler_panic")
			b.logger.Error("content update handler panicked",
				zap.String("kind", ev.Kind),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := onEvent(ctx, ev); err != nil {
		metrics.RecordContentEvent("receive", "handler_error")
		b.logger.Error("content update handler failed",
			zap.String("kind", ev.Kind),
			zap.Error(err),
		)
	}
}

// Running reports whether a subscription is currently live.
func (b *Bus) Running() bool {
	return b.running.Load()
}

// Stats returns counters for the health surface.
type Stats struct {
	Running  bool  `json:"running"`
	Received int64 `json:"received"`
	Dropped  int64 `json:"dropped"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Running:  b.running.Load(),
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
	}
}

func (b *Bus) String() string {
	return fmt.Sprintf("Bus[%s] running=%t", b.config.Channel, b.running.Load())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
