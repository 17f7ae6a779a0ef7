package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/integration"
	"github.com/lalithlochan/nudge/internal/messenger"
	"github.com/lalithlochan/nudge/internal/metrics"
)

// Gate tells the broker whether delivery is currently allowed.
type Gate interface {
	IsEnabled() bool
}

// Limiter bounds the delivery rate. *rate.Limiter and the Redis key limiter
// both satisfy it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Deduper remembers idempotency keys outside the store, for deployments whose
// outbox is not shared between processes.
type Deduper interface {
	// Begin reserves key. fresh is false when the key was seen before;
	// existingID is then the item ID recorded by Commit, if any.
	Begin(ctx context.Context, key string) (existingID string, fresh bool, err error)
	Commit(ctx context.Context, key, itemID string) error
	Abort(ctx context.Context, key string) error
}

type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	Workers          int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	// BackoffJitter adds up to this fraction of the delay at random, e.g. 0.2.
	BackoffJitter    float64
	TTL              time.Duration
	DisabledDeferral time.Duration
	ClaimLease       time.Duration
	Clock            func() time.Time
}

// Broker owns the outbox and delivers items through a messenger with
// retry, backoff and expiry.
type Broker struct {
	store     Store
	messenger messenger.Messenger
	gate      Gate
	limiter   Limiter
	deduper   Deduper
	reporter  Reporter
	config    Config
	logger    *zap.Logger

	attempts atomic.Int64
	deferred atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customises a Broker.
type Option func(*Broker)

func WithLimiter(l Limiter) Option   { return func(b *Broker) { b.limiter = l } }
func WithDeduper(d Deduper) Option   { return func(b *Broker) { b.deduper = d } }
func WithReporter(r Reporter) Option { return func(b *Broker) { b.reporter = r } }

// New creates a broker. m should already be guarded by the integration
// switch; gate is consulted before claiming work so disabled periods do not
// burn attempts.
func New(store Store, m messenger.Messenger, gate Gate, cfg Config, logger *zap.Logger, opts ...Option) *Broker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.DisabledDeferral <= 0 {
		cfg.DisabledDeferral = 30 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	b := &Broker{
		store:     store,
		messenger: m,
		gate:      gate,
		config:    cfg,
		logger:    logger,
		reporter:  NewLogReporter(logger),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue stores a request for delivery. A repeated idempotency key returns
// the item created by the first call and inserted == false.
func (b *Broker) Enqueue(ctx context.Context, req Request) (*Item, bool, error) {
	return b.enqueue(ctx, req, 0)
}

func (b *Broker) enqueue(ctx context.Context, req Request, hold time.Duration) (*Item, bool, error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	if b.deduper != nil {
		existingID, fresh, err := b.deduper.Begin(ctx, req.IdempotencyKey)
		switch {
		case err != nil:
			// the store still dedups; the deduper only covers unshared stores
			b.logger.Warn("idempotency check failed, relying on store",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err),
			)
		case !fresh:
			metrics.RecordIdempotencyHit()
			return b.existing(ctx, req.IdempotencyKey, existingID), false, nil
		}
	}

	now := b.config.Clock().UTC()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.config.TTL
	}
	item := &Item{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		RecipientID:    req.RecipientID,
		Kind:           req.Kind,
		Content:        req.Content,
		Status:         StatusPending,
		NextAttemptAt:  now.Add(hold),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	stored, inserted, err := b.store.Insert(ctx, item)
	if err != nil {
		if b.deduper != nil {
			_ = b.deduper.Abort(ctx, req.IdempotencyKey)
		}
		return nil, false, fmt.Errorf("enqueue notification: %w", err)
	}
	if b.deduper != nil {
		if err := b.deduper.Commit(ctx, req.IdempotencyKey, stored.ID.String()); err != nil {
			b.logger.Warn("failed to record idempotency key", zap.Error(err))
		}
	}

	if !inserted {
		metrics.RecordIdempotencyHit()
		return stored, false, nil
	}

	metrics.RecordEnqueued(req.Kind)
	b.logger.Debug("notification enqueued",
		zap.String("id", stored.ID.String()),
		zap.String("kind", stored.Kind),
		zap.Int64("recipient_id", stored.RecipientID),
	)
	return stored, true, nil
}

// existing resolves an item another process or an earlier call created.
func (b *Broker) existing(ctx context.Context, key, id string) *Item {
	if it, err := b.store.GetByKey(ctx, key); err == nil {
		return it
	}
	it := &Item{IdempotencyKey: key, Status: StatusPending}
	if parsed, err := uuid.Parse(id); err == nil {
		it.ID = parsed
	}
	return it
}

// DeliverNow enqueues req and attempts delivery immediately. The item stays
// in the outbox, so a retryable failure is retried by the delivery loop.
func (b *Broker) DeliverNow(ctx context.Context, req Request) (Outcome, *Item, error) {
	item, inserted, err := b.enqueue(ctx, req, b.config.ClaimLease)
	if err != nil {
		return OutcomeFailed, nil, err
	}
	if !inserted {
		return outcomeOf(item), item, nil
	}

	outcome := b.deliver(ctx, item)
	return outcome, item, nil
}

func outcomeOf(it *Item) Outcome {
	switch it.Status {
	case StatusSent:
		return OutcomeSent
	case StatusFailed:
		return OutcomeFailed
	case StatusExpired:
		return OutcomeExpired
	default:
		return OutcomeRetryScheduled
	}
}

// RunOnce claims one batch of due items and processes it with up to
// Config.Workers concurrent deliveries. It returns the batch size.
func (b *Broker) RunOnce(ctx context.Context) int {
	now := b.config.Clock().UTC()
	items, err := b.store.Claim(ctx, now, b.config.ClaimLease, b.config.BatchSize)
	if err != nil {
		b.logger.Error("failed to claim due notifications", zap.Error(err))
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	// claimed items must be settled even during shutdown
	wctx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, b.config.Workers)
	var wg sync.WaitGroup
	for _, it := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(it *Item) {
			defer func() {
				<-sem
				wg.Done()
			}()
			b.deliver(wctx, it)
		}(it)
	}
	wg.Wait()
	return len(items)
}

// deliver attempts item once and persists the result.
func (b *Broker) deliver(ctx context.Context, item *Item) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("delivery panicked",
				zap.String("id", item.ID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			outcome = b.retry(ctx, item, fmt.Errorf("panic: %v", r))
		}
	}()

	now := b.config.Clock().UTC()
	if item.Expired(now) {
		b.finish(ctx, item, StatusExpired, "ttl expired")
		return OutcomeExpired
	}
	if b.gate != nil && !b.gate.IsEnabled() {
		b.postpone(ctx, item, integration.ErrDisabled)
		return OutcomeSkippedDisabled
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.postpone(ctx, item, fmt.Errorf("rate limiter: %w", err))
			return OutcomeRetryScheduled
		}
	}

	res, err := b.messenger.Send(ctx, item.RecipientID, item.Content)
	switch {
	case err == nil:
		item.Attempt++
		b.attempts.Add(1)
		metrics.RecordDeliveryAttempt()
		if res.ProviderMessageID != "" {
			id := res.ProviderMessageID
			item.ProviderMessageID = &id
		}
		item.LastError = nil
		b.save(ctx, item, StatusSent)
		metrics.RecordDelivery(string(StatusSent))
		b.logger.Info("notification sent",
			zap.String("id", item.ID.String()),
			zap.String("kind", item.Kind),
			zap.Int64("recipient_id", item.RecipientID),
		)
		return OutcomeSent

	case errors.Is(err, integration.ErrDisabled), errors.Is(err, integration.ErrFatal):
		// the channel is down for everyone; keep the attempt budget
		b.postpone(ctx, item, err)
		return OutcomeSkippedDisabled
	}

	item.Attempt++
	b.attempts.Add(1)
	metrics.RecordDeliveryAttempt()

	if class, _ := messenger.Classify(err); class == messenger.Permanent || errors.Is(err, integration.ErrPermanent) {
		b.finish(ctx, item, StatusFailed, err.Error())
		return OutcomeFailed
	}
	return b.retry(ctx, item, err)
}

func (b *Broker) retry(ctx context.Context, item *Item, cause error) Outcome {
	if item.Attempt >= b.config.MaxAttempts {
		b.finish(ctx, item, StatusFailed, cause.Error())
		return OutcomeFailed
	}

	msg := cause.Error()
	item.LastError = &msg
	delay := b.jitter(b.Backoff(item.Attempt))
	item.NextAttemptAt = b.config.Clock().UTC().Add(delay)
	b.save(ctx, item, StatusPending)
	metrics.RecordDelivery("retry")

	b.logger.Warn("notification delivery failed, retrying",
		zap.String("id", item.ID.String()),
		zap.Int("attempt", item.Attempt),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	return OutcomeRetryScheduled
}

func (b *Broker) postpone(ctx context.Context, item *Item, cause error) {
	msg := cause.Error()
	item.LastError = &msg
	item.NextAttemptAt = b.config.Clock().UTC().Add(b.config.DisabledDeferral)
	b.deferred.Add(1)
	b.save(ctx, item, StatusPending)
	metrics.RecordDelivery("deferred")
}

func (b *Broker) finish(ctx context.Context, item *Item, status Status, reason string) {
	item.LastError = &reason
	b.save(ctx, item, status)
	metrics.RecordDelivery(string(status))

	if err := b.reporter.ReportFailure(ctx, item); err != nil {
		b.logger.Error("failed to report undeliverable notification",
			zap.String("id", item.ID.String()),
			zap.Error(err),
		)
	}
}

func (b *Broker) save(ctx context.Context, item *Item, status Status) {
	item.Status = status
	item.UpdatedAt = b.config.Clock().UTC()
	if err := b.store.Update(ctx, item); err != nil {
		// the claim lease expires and the item is attempted again
		b.logger.Error("failed to update outbox item",
			zap.String("id", item.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Backoff returns the delay after the given attempt: BaseBackoff doubled per
// attempt, capped at MaxBackoff.
func (b *Broker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.config.MaxBackoff {
			return b.config.MaxBackoff
		}
	}
	if d > b.config.MaxBackoff {
		return b.config.MaxBackoff
	}
	return d
}

// jitter spreads items that failed together across retry ticks.
func (b *Broker) jitter(d time.Duration) time.Duration {
	if b.config.BackoffJitter <= 0 || d <= 0 {
		return d
	}
	spread := int64(float64(d) * b.config.BackoffJitter)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(spread+1))
}

// Item looks up one outbox row.
func (b *Broker) Item(ctx context.Context, id uuid.UUID) (*Item, error) {
	return b.store.Get(ctx, id)
}

// Stats combines outbox counts with this process's attempt counters.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	counts, err := b.store.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox counts: %w", err)
	}
	metrics.SetQueueDepth(counts[StatusPending])

	return Stats{
		Pending:  counts[StatusPending],
		Sent:     counts[StatusSent],
		Failed:   counts[StatusFailed],
		Expired:  counts[StatusExpired],
		Attempts: b.attempts.Load(),
		Deferred: b.deferred.Load(),
	}, nil
}

// Start launches the delivery loop; a running broker ignores the call.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		select {
		case <-b.done:
		default:
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.cancel, b.done = cancel, done

	go func() {
		defer close(done)
		b.run(runCtx)
	}()

	b.logger.Info("delivery broker started",
		zap.Int("workers", b.config.Workers),
		zap.Int("max_attempts", b.config.MaxAttempts),
	)
}

// Stop ends the loop and waits for in-flight deliveries, or for ctx.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		// in-flight deliveries keep the loop registered until they settle
		return ctx.Err()
	}

	b.mu.Lock()
	if b.done == done {
		b.cancel, b.done = nil, nil
	}
	b.mu.Unlock()

	b.logger.Info("delivery broker stopped")
	return nil
}

// Running reports whether the delivery loop is alive.
func (b *Broker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *Broker) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// drain full batches before sleeping
		for b.RunOnce(ctx) == b.config.BatchSize && ctx.Err() == nil {
		}
		if _, err := b.Stats(ctx); err != nil {
			b.logger.Debug("failed to refresh queue depth", zap.Error(err))
		}
		timer.Reset(b.config.PollInterval)
	}
}
