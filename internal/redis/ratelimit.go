package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
// The broker uses it to cap delivery rate across every process sharing Redis;
// the HTTP surface uses it per client IP.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding window rate limiting using Redis.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow records one hit for key if the sliding window has room.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// allowScript trims the window, counts it and records the hits only when
// they all fit, as one server-side step.
// KEYS[1] window set. ARGV: cutoff, limit, ttl ms, then score/member pairs.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local used = redis.call('ZCARD', KEYS[1])
local n = (#ARGV - 3) / 2
if used + n > tonumber(ARGV[2]) then
	return {0, used}
end
for i = 4, #ARGV, 2 do
	redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, used}
`)

// AllowN records n hits for key only when all n fit in the window.
// Window entries live in a sorted set scored by unix nanoseconds.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	setKey := "nudge:ratelimit:" + key

	args := make([]any, 0, 3+2*n)
	args = append(args,
		strconv.FormatInt(now.Add(-r.config.Window).UnixNano(), 10),
		r.config.Limit,
		(r.config.Window + time.Second).Milliseconds(),
	)
	for i := 0; i < n; i++ {
		args = append(args, strconv.FormatInt(now.UnixNano()+int64(i), 10), uuid.NewString())
	}

	reply, err := allowScript.Run(ctx, r.client.rdb, []string{setKey}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", key, reply)
	}

	allowed, used := reply[0] == 1, int(reply[1])
	result := &RateLimitResult{
		Allowed: allowed,
		Limit:   r.config.Limit,
		ResetAt: now.Add(r.config.Window),
	}
	if !allowed {
		result.Remaining = max(0, r.config.Limit-used)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	result.Remaining = r.config.Limit - used - n
	return result, nil
}

// KeyLimiter blocks callers until the shared window for one key has room.
type KeyLimiter struct {
	limiter *RateLimiter
	key     string
	poll    time.Duration
}

// For returns a limiter bound to key.
func (r *RateLimiter) For(key string) *KeyLimiter {
	poll := r.config.Window / time.Duration(max(r.config.Limit, 1))
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	return &KeyLimiter{limiter: r, key: key, poll: poll}
}

// Wait blocks until a slot is available or ctx is done. A Redis failure is
// returned so the caller can decide whether to proceed unthrottled.
func (k *KeyLimiter) Wait(ctx context.Context) error {
	for {
		result, err := k.limiter.Allow(ctx, k.key)
		if err != nil {
			return err
		}
		if result.Allowed {
			return nil
		}

		wait := min(time.Until(result.ResetAt), k.poll)
		if wait <= 0 {
			wait = k.poll
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
