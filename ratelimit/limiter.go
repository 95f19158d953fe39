// Package ratelimit throttles registration intake.
//
// The orchestrator asks a Limiter before it queues a registration saga, so
// a burst of sign-ups cannot flood the task queue and the collaborator
// services behind it. Three implementations cover the deployment shapes:
//   - TokenBucket: in-process token bucket (golang.org/x/time/rate), one
//     budget per orchestrator instance
//   - RedisLimiter: fixed-window counter shared by every instance
//   - SlidingWindowLimiter: sorted-set sliding window shared by every
//     instance, without the double burst at window edges
//
// The Redis limiters fail open: when Redis is unreachable the request is
// allowed and the error is logged.
//
//	limiter := ratelimit.NewTokenBucket(50, 10)
//	if !limiter.Allow(ctx) {
//	    // answer 429
//	}
package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more event may happen. Implementations are
// safe for concurrent use.
type Limiter interface {
	// Allow reports whether an event may happen now. It never blocks.
	Allow(ctx context.Context) bool

	// Wait blocks until an event may happen or ctx ends.
	Wait(ctx context.Context) error
}

var decisions metric.Int64Counter

func init() {
	decisions, _ = otel.Meter("orchestrator.ratelimit").Int64Counter("ratelimit.decisions",
		metric.WithDescription("Rate limit decisions, by limiter and result"),
		metric.WithUnit("{decision}"),
	)
}

func record(ctx context.Context, limiter string, allowed bool) bool {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiter),
		attribute.String("result", result),
	))
	return allowed
}

// TokenBucket is an in-process token bucket. Tokens refill at rps per
// second up to burst.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket with the given refill rate and
// burst size.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow consumes a token if one is available.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return record(ctx, "token_bucket", t.limiter.Allow())
}

// Wait blocks until a token is available.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Delay reports how long the next event would wait, without consuming a
// token.
func (t *TokenBucket) Delay() time.Duration {
	r := t.limiter.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Limit returns the refill rate in events per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// pollInterval is how often the Redis limiters retry inside Wait.
func pollInterval(limit int, window time.Duration) time.Duration {
	if limit <= 0 {
		return window
	}
	return max(window/time.Duration(limit), time.Millisecond)
}

var _ Limiter = (*TokenBucket)(nil)
