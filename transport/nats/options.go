package nats

import (
	"log/slog"
	"time"

	"github.com/quizapp/orchestrator/transport/codec"
)

func WithCodec(c codec.Codec) JSOption {
	return func(t *JetStreamTransport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithReplicas sets the replica count of declared queue streams.
func WithReplicas(n int) JSOption {
	return func(t *JetStreamTransport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge bounds how long an unconsumed task stays in its stream.
func WithMaxAge(d time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

func WithLogger(l *slog.Logger) JSOption {
	return func(t *JetStreamTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler receives publish and decode failures.
func WithErrorHandler(fn func(error)) JSOption {
	return func(t *JetStreamTransport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// WithSendTimeout bounds the wait for an idle worker. A message that times
// out is Nak'd back to JetStream. Zero waits indefinitely.
func WithSendTimeout(d time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		t.sendTimeout = d
	}
}

// WithDeduplication publishes the task id as Nats-Msg-Id, so JetStream
// stores a task submitted twice within window only once.
func WithDeduplication(window time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		t.dedupEnabled = true
		if window > 0 {
			t.dedupWindow = window
		}
	}
}

// WithMaxDeliver caps deliveries per message. Zero leaves it unlimited.
func WithMaxDeliver(n int) JSOption {
	return func(t *JetStreamTransport) {
		t.maxDeliver = n
	}
}

// WithAckWait sets the consumer AckWait (default 30s). A held message is
// kept alive every AckWait/2, so only an abandoned task is redelivered.
func WithAckWait(d time.Duration) JSOption {
	return func(t *JetStreamTransport) {
		if d > 0 {
			t.ackWait = d
		}
	}
}
