package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/nudge/internal/db"
	"github.com/lalithlochan/nudge/internal/messenger"
	"github.com/lalithlochan/nudge/internal/redis"
)

// State backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// BotIdentity namespaces every state key.
	BotIdentity  string
	StateBackend string

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	StateTTL      time.Duration // zero keeps state forever
	redisExplicit bool

	// Delivery channel
	Channel        string
	TelegramToken  string
	TelegramAPIURL string

	// AWS Services
	AWSRegion          string
	SESFromEmail       string
	SNSRegion          string // AWS region for SNS (SMS)
	SNSAlertTopicARN   string // ops alerts when the integration trips
	SQSRegion          string
	SQSFailureQueueURL string
	AWSEndpoint        string // localstack and friends

	// Webhook config
	WebhookURL     string
	WebhookTimeout int // Timeout for webhook requests in seconds

	// Reminder worker
	ReminderPollInterval time.Duration

	// Delivery broker
	BrokerPollInterval time.Duration
	BrokerRatePerSec   float64
	BrokerWorkers      int
	BrokerMaxAttempts  int
	BrokerBaseBackoff  time.Duration
	BrokerMaxBackoff   time.Duration
	BrokerJitter       float64 // fraction of each retry delay added at random
	BrokerTTL          time.Duration

	TemplatesFile      string
	IntegrationEnabled bool
	// Timezone renders event times in messages, e.g. "Europe/Berlin".
	Timezone string

	// API rate limit per client IP per minute, Redis only.
	APIRateLimit int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		BotIdentity:  "nudge",
		StateBackend: BackendMemory,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "nudge",
		DBPassword: "",
		DBName:     "nudge",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		Channel: messenger.ChannelLog,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@nudge.local",

		WebhookTimeout: 30,

		ReminderPollInterval: 5 * time.Second,

		BrokerPollInterval: time.Second,
		BrokerRatePerSec:   25,
		BrokerWorkers:      4,
		BrokerMaxAttempts:  5,
		BrokerBaseBackoff:  2 * time.Second,
		BrokerMaxBackoff:   5 * time.Minute,
		BrokerJitter:       0.2,
		BrokerTTL:          24 * time.Hour,

		IntegrationEnabled: true,
		APIRateLimit:       100,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if id := os.Getenv("BOT_IDENTITY"); id != "" {
		cfg.BotIdentity = id
	}
	if backend := os.Getenv("STATE_BACKEND"); backend != "" {
		cfg.StateBackend = strings.ToLower(backend)
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}
	if cfg.DBMaxConns, err = envInt("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
		cfg.redisExplicit = true
	}
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.StateTTL, err = envDuration("STATE_TTL", cfg.StateTTL); err != nil {
		return nil, err
	}

	// Channel config
	if ch := os.Getenv("CHANNEL"); ch != "" {
		cfg.Channel = strings.ToLower(ch)
	}
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.TelegramAPIURL = os.Getenv("TELEGRAM_API_URL")

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")

	// SNS config for SMS and alerts
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSAlertTopicARN = os.Getenv("SNS_ALERT_TOPIC_ARN")

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.SQSFailureQueueURL = os.Getenv("SQS_FAILURE_QUEUE_URL")

	// Webhook config
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	if cfg.WebhookTimeout, err = envInt("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}

	if cfg.ReminderPollInterval, err = envDuration("REMINDER_POLL_INTERVAL", cfg.ReminderPollInterval); err != nil {
		return nil, err
	}

	// Broker config
	if cfg.BrokerPollInterval, err = envDuration("BROKER_POLL_INTERVAL", cfg.BrokerPollInterval); err != nil {
		return nil, err
	}
	if rate := os.Getenv("BROKER_RATE_PER_SEC"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BROKER_RATE_PER_SEC: %w", err)
		}
		cfg.BrokerRatePerSec = r
	}
	if cfg.BrokerWorkers, err = envInt("BROKER_WORKERS", cfg.BrokerWorkers); err != nil {
		return nil, err
	}
	if cfg.BrokerMaxAttempts, err = envInt("BROKER_MAX_ATTEMPTS", cfg.BrokerMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.BrokerBaseBackoff, err = envDuration("BROKER_BASE_BACKOFF", cfg.BrokerBaseBackoff); err != nil {
		return nil, err
	}
	if cfg.BrokerMaxBackoff, err = envDuration("BROKER_MAX_BACKOFF", cfg.BrokerMaxBackoff); err != nil {
		return nil, err
	}
	if jitter := os.Getenv("BROKER_BACKOFF_JITTER"); jitter != "" {
		j, err := strconv.ParseFloat(jitter, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BROKER_BACKOFF_JITTER: %w", err)
		}
		cfg.BrokerJitter = j
	}
	if cfg.BrokerTTL, err = envDuration("BROKER_TTL", cfg.BrokerTTL); err != nil {
		return nil, err
	}

	cfg.TemplatesFile = os.Getenv("TEMPLATES_FILE")
	cfg.Timezone = os.Getenv("TIMEZONE")
	if enabled := os.Getenv("INTEGRATION_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid INTEGRATION_ENABLED: %w", err)
		}
		cfg.IntegrationEnabled = b
	}
	if cfg.APIRateLimit, err = envInt("API_RATE_LIMIT", cfg.APIRateLimit); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StateBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("invalid STATE_BACKEND %q: want memory, redis or postgres", c.StateBackend)
	}

	switch c.Channel {
	case messenger.ChannelTelegram:
		if c.TelegramToken == "" {
			return fmt.Errorf("TELEGRAM_TOKEN is required for channel %q", c.Channel)
		}
	case messenger.ChannelWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required for channel %q", c.Channel)
		}
	case messenger.ChannelSMS, messenger.ChannelEmail, messenger.ChannelLog:
	default:
		return fmt.Errorf("invalid CHANNEL %q", c.Channel)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.BrokerWorkers <= 0 {
		return fmt.Errorf("BROKER_WORKERS must be positive, got %d", c.BrokerWorkers)
	}
	if c.BrokerMaxAttempts <= 0 {
		return fmt.Errorf("BROKER_MAX_ATTEMPTS must be positive, got %d", c.BrokerMaxAttempts)
	}
	if c.BrokerJitter < 0 || c.BrokerJitter > 1 {
		return fmt.Errorf("BROKER_BACKOFF_JITTER must be between 0 and 1, got %v", c.BrokerJitter)
	}
	return nil
}

// Database returns connection parameters for the db package.
func (c *Config) Database() db.Config {
	return db.Config{
		URL:      c.DatabaseURL,
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
		MaxConns: int32(c.DBMaxConns),
	}
}

// Redis returns connection parameters for the redis package.
func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// UsesRedis reports whether Redis should be connected. It is required for
// the redis backend and optional (pub/sub, dedup, rate limits) when
// REDIS_HOST is set explicitly.
func (c *Config) UsesRedis() bool {
	return c.StateBackend == BackendRedis || c.redisExplicit
}

// RequiresRedis reports whether startup must fail without Redis.
func (c *Config) RequiresRedis() bool {
	return c.StateBackend == BackendRedis
}

// UsesPostgres reports whether a database pool is needed.
func (c *Config) UsesPostgres() bool {
	return c.StateBackend == BackendPostgres
}

// Location resolves Timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return loc, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
