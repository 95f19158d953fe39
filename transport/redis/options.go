package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/quizapp/orchestrator/transport/codec"
)

// Option configures the Redis transport
type Option func(*Transport)

func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup prefixes the consumer group derived from each worker
// group.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithConsumerName pins the consumer name, so a restarted worker replays
// the entries it left pending. Subscriptions get random names otherwise.
func WithConsumerName(name string) Option {
	return func(t *Transport) {
		t.consumerName = name
	}
}

// WithMaxLen caps each queue stream with approximate MAXLEN trimming.
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithMaxAge trims entries older than d by MINID on every publish. Zero
// keeps every entry.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithBlockTime sets how long one XREADGROUP call waits for entries.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.blockTime = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler receives publish, read and decode failures.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// WithSendTimeout bounds the wait for an idle worker. An entry that times
// out stays pending and is offered again with backoff. Zero waits
// indefinitely.
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.sendTimeout = d
	}
}

// WithClaimInterval turns on recovery of abandoned tasks. Every interval a
// subscription XCLAIMs entries that another consumer left pending for at
// least minIdle, plus entries it nacked itself, and delivers them again.
// A zero interval (the default) disables claiming.
func WithClaimInterval(interval, minIdle time.Duration) Option {
	return func(t *Transport) {
		t.claimInterval = interval
		t.claimMinIdle = minIdle
	}
}

// IdempotencyStore records which message ids were fully processed.
// Redis Streams does not deduplicate entries, so a task id published twice
// appears as two entries.
type IdempotencyStore interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// WithIdempotencyStore skips entries whose message id the store already
// marked. An id is marked once its Ack is called with a nil error.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(t *Transport) {
		t.idempotencyStore = store
	}
}
