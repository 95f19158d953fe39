package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes every limiter key.
const DefaultKeyPrefix = "ratelimit:"

// fixedWindowScript increments the window counter and starts its expiry on
// the first hit. Returns 1 when the event fits in the window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// RedisLimiter is a fixed-window limiter shared through Redis. At most
// limit events are allowed per window. The counter resets when the window
// key expires, so up to twice the limit can pass around a window edge.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a fixed-window limiter named key.
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		key:    DefaultKeyPrefix + key,
		limit:  limit,
		window: window,
		logger: slog.Default().With("component", "ratelimit>redis"),
	}
}

// Allow counts the event against the current window.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		r.logger.Warn("rate limit check failed, allowing", "key", r.key, "error", err)
		return record(ctx, "redis_fixed", true)
	}
	return record(ctx, "redis_fixed", res == 1)
}

// Wait polls Allow until it succeeds or ctx ends.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	return waitFor(ctx, r.Allow, pollInterval(r.limit, r.window))
}

// Remaining returns how many events are left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	used, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return max(r.limit-used, 0), nil
}

// Reset clears the current window.
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func waitFor(ctx context.Context, allow func(context.Context) bool, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if allow(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Limiter = (*RedisLimiter)(nil)
