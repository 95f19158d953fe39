package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("reports configuration", func(t *testing.T) {
		limiter := NewTokenBucket(100, 10)
		if limiter.Limit() != 100 {
			t.Errorf("expected limit 100, got %f", limiter.Limit())
		}
		if limiter.Burst() != 10 {
			t.Errorf("expected burst 10, got %d", limiter.Burst())
		}
	})

	t.Run("allows the burst then rejects", func(t *testing.T) {
		limiter := NewTokenBucket(0.001, 3)
		for i := 0; i < 3; i++ {
			if !limiter.Allow(ctx) {
				t.Fatalf("expected Allow at iteration %d", i)
			}
		}
		if limiter.Allow(ctx) {
			t.Error("expected Allow to fail once the burst is spent")
		}
		if limiter.Delay() <= 0 {
			t.Error("expected a positive delay on an empty bucket")
		}
	})

	t.Run("Delay does not consume", func(t *testing.T) {
		limiter := NewTokenBucket(0.001, 1)
		if d := limiter.Delay(); d != 0 {
			t.Errorf("expected no delay, got %s", d)
		}
		if !limiter.Allow(ctx) {
			t.Error("Delay consumed the only token")
		}
	})

	t.Run("Wait returns once a token refills", func(t *testing.T) {
		limiter := NewTokenBucket(100, 1)
		limiter.Allow(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(waitCtx); err != nil {
			t.Errorf("Wait failed: %v", err)
		}
	})

	t.Run("Wait honours context", func(t *testing.T) {
		limiter := NewTokenBucket(0.001, 1)
		limiter.Allow(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if err := limiter.Wait(waitCtx); err == nil {
			t.Error("expected Wait to fail")
		}
	})
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	limiter := NewRedisLimiter(client, "register", 2, time.Minute)

	t.Run("allows up to the limit per window", func(t *testing.T) {
		if !limiter.Allow(ctx) || !limiter.Allow(ctx) {
			t.Fatal("expected the first two events to pass")
		}
		if limiter.Allow(ctx) {
			t.Error("expected the third event to be rejected")
		}
		if n, _ := limiter.Remaining(ctx); n != 0 {
			t.Errorf("expected 0 remaining, got %d", n)
		}
	})

	t.Run("window expiry resets the counter", func(t *testing.T) {
		mr.FastForward(time.Minute + time.Second)
		if n, _ := limiter.Remaining(ctx); n != 2 {
			t.Errorf("expected 2 remaining, got %d", n)
		}
		if !limiter.Allow(ctx) {
			t.Error("expected a new window to allow")
		}
	})

	t.Run("Reset clears the window", func(t *testing.T) {
		limiter.Allow(ctx)
		if err := limiter.Reset(ctx); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		if mr.Exists("ratelimit:register") {
			t.Error("window key still present")
		}
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer down.Close()
		l := NewRedisLimiter(down, "register", 1, time.Minute)
		if !l.Allow(ctx) || !l.Allow(ctx) {
			t.Error("expected limiter to allow while redis is unreachable")
		}
	})
}

func TestSlidingWindowLimiter(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	limiter := NewSlidingWindowLimiter(client, "register", 2, 100*time.Millisecond)

	if !limiter.Allow(ctx) || !limiter.Allow(ctx) {
		t.Fatal("expected the first two events to pass")
	}
	if limiter.Allow(ctx) {
		t.Error("expected the third event to be rejected")
	}
	if n, _ := limiter.Count(ctx); n != 2 {
		t.Errorf("expected 2 events in window, got %d", n)
	}

	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow(ctx) {
		t.Error("expected events to slide out of the window")
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		t.Errorf("Wait failed: %v", err)
	}

	if err := limiter.Reset(ctx); err != nil {
		t.Errorf("Reset failed: %v", err)
	}
}

func BenchmarkTokenBucketAllow(b *testing.B) {
	limiter := NewTokenBucket(1000000, 1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ctx)
	}
}
