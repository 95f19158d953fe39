package kafka

import (
	"log/slog"
	"time"

	"github.com/quizapp/orchestrator/transport/codec"
)

// Option configures the Kafka transport
type Option func(*Transport)

func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup prefixes the consumer group ids derived from worker
// groups.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithPartitions sets the partition count of declared topics. Each
// partition feeds one worker at a time.
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets retention.ms on declared topics. Zero keeps the
// broker default.
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
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

// WithErrorHandler receives produce and decode failures.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// WithSendTimeout sets how often a stalled hand-off to workers is logged.
// The record is never skipped since its offset cannot be committed past.
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.sendTimeout = d
	}
}

// WithDeadLetterTopic parks records that exhausted WithMaxRetries on
// topic. Parked records carry X-Original-Topic, X-Error and X-Failed-At
// headers.
func WithDeadLetterTopic(topic string) Option {
	return func(t *Transport) {
		t.deadLetterTopic = topic
	}
}

// WithMaxRetries sets how often a nacked record is produced again before
// it is parked. Zero retries forever.
func WithMaxRetries(n int) Option {
	return func(t *Transport) {
		t.maxRetries = n
	}
}
