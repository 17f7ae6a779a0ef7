package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/nudge/internal/api"
	"github.com/lalithlochan/nudge/internal/broker"
	"github.com/lalithlochan/nudge/internal/config"
	"github.com/lalithlochan/nudge/internal/contentupdate"
	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/integration"
	"github.com/lalithlochan/nudge/internal/messenger"
	"github.com/lalithlochan/nudge/internal/observ"
	"github.com/lalithlochan/nudge/internal/redis"
	"github.com/lalithlochan/nudge/internal/sns"
	"github.com/lalithlochan/nudge/internal/sqs"
	"github.com/lalithlochan/nudge/internal/state"
	"github.com/lalithlochan/nudge/internal/templates"
)

// infra holds the optional shared backends. A nil member means the
// in-process fallback is used for that concern.
type infra struct {
	cfg    *config.Config
	logger *zap.Logger

	redis    *redis.Client
	postgres *db.DB
	memory   *state.MemoryStore
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*infra, error) {
	in := &infra{cfg: cfg, logger: logger}

	if cfg.UsesPostgres() {
		database, err := db.New(ctx, cfg.Database(), observ.Component(logger, "db"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		in.postgres = database
	}

	if cfg.UsesRedis() {
		client, err := redis.New(ctx, cfg.Redis(), observ.Component(logger, "redis"))
		switch {
		case err != nil && cfg.RequiresRedis():
			in.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		case err != nil:
			logger.Warn("redis unavailable, using in-process pub/sub and rate limits",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		default:
			in.redis = client
		}
	}

	return in, nil
}

func (in *infra) Close() {
	if in.redis != nil {
		_ = in.redis.Close()
	}
	if in.postgres != nil {
		in.postgres.Close()
	}
}

func (in *infra) stateStore() state.Store {
	switch {
	case in.cfg.StateBackend == config.BackendRedis && in.redis != nil:
		return redis.NewKVStore(in.redis, in.cfg.StateTTL, observ.Component(in.logger, "kvstore"))
	case in.postgres != nil:
		return db.NewKVStore(in.postgres, observ.Component(in.logger, "kvstore"))
	}
	if in.memory == nil {
		in.logger.Warn("using in-memory state store; reminders do not survive restarts")
		in.memory = state.NewMemoryStore()
	}
	return in.memory
}

func (in *infra) transport() contentupdate.Transport {
	if in.redis != nil {
		return redis.NewPubSub(in.redis)
	}
	return contentupdate.NewMemoryTransport(0)
}

func (in *infra) outbox() broker.Store {
	if in.postgres != nil {
		return db.NewOutboxRepository(in.postgres, observ.Component(in.logger, "outbox"))
	}
	return broker.NewMemoryStore()
}

// templateSource keeps overrides in Postgres when available, otherwise next
// to the rest of the state under nudge:{identity}:templates.
func (in *infra) templateSource(manager *state.Manager) (templates.Repository, error) {
	if in.postgres != nil {
		return db.NewTemplateRepository(in.postgres, observ.Component(in.logger, "templates")), nil
	}
	key, err := manager.Key("templates")
	if err != nil {
		return nil, err
	}
	return templates.NewStateSource(manager.Store(), key), nil
}

// apiLimiter is nil without Redis.
func (in *infra) apiLimiter(cfg *config.Config, logger *zap.Logger) api.Allower {
	if in.redis == nil || cfg.APIRateLimit <= 0 {
		return nil
	}
	return redis.NewRateLimiter(in.redis, logger, redis.RateLimitConfig{
		Limit:  cfg.APIRateLimit,
		Window: time.Minute,
	})
}

// brokerOptions picks a shared rate limit and enqueue dedup when Redis is
// available and the outbox is not already shared.
func brokerOptions(ctx context.Context, cfg *config.Config, in *infra, logger *zap.Logger) []broker.Option {
	var opts []broker.Option

	if cfg.BrokerRatePerSec > 0 {
		if in.redis != nil {
			limiter := redis.NewRateLimiter(in.redis, logger, sharedRateWindow(cfg.BrokerRatePerSec))
			opts = append(opts, broker.WithLimiter(limiter.For("deliveries:"+cfg.Channel)))
		} else {
			burst := int(math.Max(1, cfg.BrokerRatePerSec))
			opts = append(opts, broker.WithLimiter(rate.NewLimiter(rate.Limit(cfg.BrokerRatePerSec), burst)))
		}
	}

	if in.redis != nil && in.postgres == nil {
		opts = append(opts, broker.WithDeduper(redis.NewDeduper(redis.NewIdempotencyService(in.redis, logger))))
	}

	reporters := broker.MultiReporter{broker.NewLogReporter(observ.Component(logger, "broker"))}
	if cfg.SQSFailureQueueURL != "" {
		reporter, err := sqs.NewReporterFromConfig(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSFailureQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, observ.Component(logger, "sqs"))
		if err != nil {
			logger.Warn("sqs failure reporter unavailable", zap.Error(err))
		} else {
			reporters = append(reporters, reporter)
		}
	}
	opts = append(opts, broker.WithReporter(reporters))

	return opts
}

// sharedRateWindow expresses a per-second rate as a Redis window holding
// a whole number of hits. Fractional rates stretch the window instead of
// rounding the limit up.
func sharedRateWindow(perSecond float64) redis.RateLimitConfig {
	limit := max(1, int(math.Floor(perSecond)))
	return redis.RateLimitConfig{
		Limit:  limit,
		Window: time.Duration(float64(limit) / perSecond * float64(time.Second)),
	}
}

// setupSwitch restores a persisted trip, then keeps storage, peers and
// ops alerts in sync with every local change.
func setupSwitch(ctx context.Context, cfg *config.Config, manager *state.Manager, bus *contentupdate.Bus, logger *zap.Logger) (*integration.Switch, error) {
	swLogger := observ.Component(logger, "integration")
	sw := integration.New(cfg.IntegrationEnabled, swLogger)

	key, err := manager.Key("integration")
	if err != nil {
		return nil, err
	}

	restored, err := sw.LoadFrom(ctx, manager.Store(), key)
	if err != nil {
		logger.Warn("could not restore integration switch, using INTEGRATION_ENABLED", zap.Error(err))
	} else if restored {
		logger.Info("integration switch restored from store", zap.Bool("enabled", sw.IsEnabled()))
	}

	sw.OnChange(func(snap integration.Snapshot) {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := sw.Persist(pctx, manager.Store(), key); err != nil {
			swLogger.Error("failed to persist integration switch", zap.Error(err))
		}
		bus.Publish(pctx, contentupdate.KindIntegrationSwitch, snap.Payload())
	})

	if cfg.SNSAlertTopicARN != "" {
		alerter, err := sns.NewAlerterFromRegion(ctx, cfg.SNSRegion, cfg.SNSAlertTopicARN, cfg.BotIdentity, observ.Component(logger, "sns"))
		if err != nil {
			logger.Warn("sns alerter unavailable", zap.Error(err))
		} else {
			sw.OnChange(alerter.Listener())
		}
	}

	return sw, nil
}

// buildMessenger registers every channel that can be configured and
// returns the active one.
func buildMessenger(ctx context.Context, cfg *config.Config, manager *state.Manager, logger *zap.Logger) (messenger.Messenger, error) {
	mlogger := observ.Component(logger, "messenger")
	router := messenger.NewRouter(cfg.Channel, mlogger)
	book := messenger.NewStateAddressBook(manager)

	router.Register(messenger.ChannelLog, messenger.NewLog(mlogger))

	if cfg.TelegramToken != "" {
		tg, err := messenger.NewTelegram(messenger.TelegramConfig{
			Token:  cfg.TelegramToken,
			APIURL: cfg.TelegramAPIURL,
		}, mlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram messenger: %w", err)
		}
		router.Register(messenger.ChannelTelegram, tg)
	}

	if cfg.WebhookURL != "" {
		router.Register(messenger.ChannelWebhook, messenger.NewWebhook(messenger.WebhookConfig{
			URL:     cfg.WebhookURL,
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		}, mlogger))
	}

	if cfg.Channel == messenger.ChannelSMS {
		sms, err := messenger.NewSMSFromRegion(ctx, cfg.SNSRegion, book, mlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS sender: %w", err)
		}
		router.Register(messenger.ChannelSMS, sms)
	}

	if cfg.Channel == messenger.ChannelEmail {
		email, err := messenger.NewEmailFromRegion(ctx, cfg.AWSRegion, book, messenger.EmailConfig{
			FromEmail: cfg.SESFromEmail,
		}, mlogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		router.Register(messenger.ChannelEmail, email)
	}

	logger.Info("initialized messenger",
		zap.String("active", cfg.Channel),
		zap.Strings("registered", router.Channels()),
	)
	return router, nil
}
