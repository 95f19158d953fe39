package channel

import (
	"log/slog"
	"time"

	"github.com/quizapp/orchestrator/transport"
)

var (
	// DefaultGroupCapacity is how many queued tasks a worker group holds
	// before Publish blocks.
	DefaultGroupCapacity = 1024

	// DefaultRedeliveryDelay is the pause before a nacked task is queued
	// again.
	DefaultRedeliveryDelay = 100 * time.Millisecond
)

type options struct {
	bufferSize      int
	groupCapacity   int
	timeout         time.Duration
	redeliveryDelay time.Duration
	onError         func(error)
	logger          *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithBufferSize sets the per-subscription channel buffer. Zero keeps a
// single in-flight message per reader.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size >= 0 {
			o.bufferSize = size
		}
	}
}

// WithGroupCapacity sets the queue depth held for each worker group.
func WithGroupCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.groupCapacity = n
		}
	}
}

// WithTimeout bounds how long Publish waits for room in a full group.
// Set to 0 to block until the context is done.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRedeliveryDelay sets the pause before a nacked message is redelivered.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.redeliveryDelay = d
		}
	}
}

// WithErrorHandler receives publish timeouts.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		groupCapacity:   DefaultGroupCapacity,
		redeliveryDelay: DefaultRedeliveryDelay,
		onError:         func(error) {},
		logger:          transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
