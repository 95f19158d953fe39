package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript drops events older than the window, then records the
// new event if the window still has room. Returns 1 when recorded.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// SlidingWindowLimiter allows at most limit events in any window-long
// span. Each event is a sorted set member scored by its time.
type SlidingWindowLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewSlidingWindowLimiter creates a sliding-window limiter named key.
func NewSlidingWindowLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		key:    DefaultKeyPrefix + "sliding:" + key,
		limit:  limit,
		window: window,
		logger: slog.Default().With("component", "ratelimit>sliding"),
	}
}

// Allow records the event if fewer than limit events happened in the last
// window.
func (s *SlidingWindowLimiter) Allow(ctx context.Context) bool {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.key},
		now.Add(-s.window).UnixMicro(),
		s.limit,
		now.UnixMicro(),
		strconv.FormatInt(now.UnixMicro(), 10)+"-"+uuid.NewString(),
		s.window.Milliseconds(),
	).Int()
	if err != nil {
		s.logger.Warn("rate limit check failed, allowing", "key", s.key, "error", err)
		return record(ctx, "redis_sliding", true)
	}
	return record(ctx, "redis_sliding", res == 1)
}

// Wait polls Allow until it succeeds or ctx ends.
func (s *SlidingWindowLimiter) Wait(ctx context.Context) error {
	return waitFor(ctx, s.Allow, pollInterval(s.limit, s.window))
}

// Count returns the number of events in the current window.
func (s *SlidingWindowLimiter) Count(ctx context.Context) (int64, error) {
	floor := strconv.FormatInt(time.Now().Add(-s.window).UnixMicro(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", floor).Err(); err != nil {
		return 0, err
	}
	return s.client.ZCard(ctx, s.key).Result()
}

// Reset clears the window.
func (s *SlidingWindowLimiter) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

var _ Limiter = (*SlidingWindowLimiter)(nil)
