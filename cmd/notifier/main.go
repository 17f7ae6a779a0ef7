package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/api"
	"github.com/lalithlochan/nudge/internal/broker"
	"github.com/lalithlochan/nudge/internal/config"
	"github.com/lalithlochan/nudge/internal/contentupdate"
	"github.com/lalithlochan/nudge/internal/health"
	"github.com/lalithlochan/nudge/internal/integration"
	"github.com/lalithlochan/nudge/internal/notify"
	"github.com/lalithlochan/nudge/internal/observ"
	"github.com/lalithlochan/nudge/internal/reminder"
	"github.com/lalithlochan/nudge/internal/state"
	"github.com/lalithlochan/nudge/internal/templates"
)

const version = "v0.4.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting nudge notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
		zap.String("identity", cfg.BotIdentity),
		zap.String("state_backend", cfg.StateBackend),
		zap.String("channel", cfg.Channel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	// State manager
	manager := state.NewManager(infra.stateStore(), observ.Component(logger, "state"))
	manager.Bind(cfg.BotIdentity)

	// Content-update bus
	bus := contentupdate.NewBus(infra.transport(), contentupdate.Config{}, observ.Component(logger, "contentupdate"))

	// Integration switch
	sw, err := setupSwitch(ctx, cfg, manager, bus, logger)
	if err != nil {
		return err
	}

	// Messenger and broker
	active, err := buildMessenger(ctx, cfg, manager, logger)
	if err != nil {
		return err
	}
	guarded := integration.NewGuardedMessenger(active, sw, observ.Component(logger, "integration"))

	b := broker.New(infra.outbox(), guarded, sw, broker.Config{
		PollInterval:  cfg.BrokerPollInterval,
		Workers:       cfg.BrokerWorkers,
		MaxAttempts:   cfg.BrokerMaxAttempts,
		BaseBackoff:   cfg.BrokerBaseBackoff,
		MaxBackoff:    cfg.BrokerMaxBackoff,
		BackoffJitter: cfg.BrokerJitter,
		TTL:           cfg.BrokerTTL,
	}, observ.Component(logger, "broker"), brokerOptions(ctx, cfg, infra, logger)...)

	// Templates, policy and planner
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	tmplSource, err := infra.templateSource(manager)
	if err != nil {
		return err
	}
	tmpl := templates.NewCache(cfg.TemplatesFile, tmplSource, observ.Component(logger, "templates"))
	if err := tmpl.Load(ctx); err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	policy := notify.NewPolicy(manager, observ.Component(logger, "policy"))
	planner := notify.NewPlanner(manager, policy, time.Now, observ.Component(logger, "planner"))

	// Reminder worker
	worker := reminder.New(manager, reminder.Config{PollInterval: cfg.ReminderPollInterval}, observ.Component(logger, "reminder"))
	notify.NewHandlers(tmpl, b, loc, observ.Component(logger, "notify")).Register(worker)

	// Cache invalidation on content updates
	inv := contentupdate.NewInvalidator()
	inv.On(contentupdate.KindTemplates, func(context.Context, contentupdate.Event) error {
		tmpl.Invalidate()
		return nil
	})
	inv.On(contentupdate.KindReminderPolicy, func(context.Context, contentupdate.Event) error {
		policy.Invalidate()
		return nil
	})
	inv.On(contentupdate.KindQuestionSets, func(_ context.Context, ev contentupdate.Event) error {
		logger.Debug("question sets changed, nothing cached here", zap.Any("payload", ev.Payload))
		return nil
	})
	inv.On(contentupdate.KindIntegrationSwitch, func(_ context.Context, ev contentupdate.Event) error {
		snap, ok := integration.SnapshotFromPayload(ev.Payload)
		if !ok {
			return errors.New("malformed integration_switch payload")
		}
		sw.Restore(snap)
		return nil
	})

	// Background loops
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	subscriberDone := make(chan struct{})
	go func() {
		defer close(subscriberDone)
		if err := bus.SubscribeAndRun(bgCtx, inv.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("content-update subscriber stopped", zap.Error(err))
		}
	}()

	if cfg.TemplatesFile != "" {
		watcher := contentupdate.NewFileWatcher(cfg.TemplatesFile, contentupdate.KindTemplates, bus, observ.Component(logger, "watcher"))
		go func() {
			if err := watcher.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("template file watcher stopped", zap.Error(err))
			}
		}()
	}

	// catch up on reminders that fell due while we were down
	if n := worker.RunOnce(ctx); n > 0 {
		logger.Info("dispatched overdue reminders", zap.Int("count", n))
	}
	worker.Start(bgCtx)
	b.Start(bgCtx)

	// HTTP surface
	handler := api.NewHandler(observ.Component(logger, "api"), api.Deps{
		Switch:     sw,
		Bus:        bus,
		Ledger:     manager,
		Planner:    planner,
		Deliveries: b,
		Policy:     policy,
		Templates:  tmplSource,
		Health: &health.Reporter{
			Switch:     sw,
			Worker:     worker,
			Subscriber: bus,
			Broker:     b,
			Store:      manager,
			Logger:     logger,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, infra.apiLimiter(cfg, logger), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Give outstanding requests and in-flight deliveries time to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Warn("graceful http shutdown failed", zap.Error(err))
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.Warn("reminder worker did not stop in time", zap.Error(err))
	}
	if err := b.Stop(shutdownCtx); err != nil {
		logger.Warn("broker did not stop in time", zap.Error(err))
	}

	bgCancel()
	select {
	case <-subscriberDone:
	case <-shutdownCtx.Done():
		logger.Warn("content-update subscriber did not stop in time")
	}

	logger.Info("notifier stopped")
	return runErr
}
