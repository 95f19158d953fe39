// Package transport provides the queue abstraction the task runtime is built on.
//
// Implementations (channel, redis, nats, kafka) live in subpackages and
// import this package for the shared types. Every implementation delivers
// each message to exactly one subscriber of a worker group and redelivers
// messages that were not acknowledged (at-least-once).
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quizapp/orchestrator/transport/codec"
	"github.com/quizapp/orchestrator/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrQueueNotDeclared   = errors.New("queue not declared")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrPublishTimeout     = errors.New("publish timeout")
)

// HealthStatus is reported per component on the readiness endpoint.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded" // serving, with a backlog or a slow dependency
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is one component's readiness report. Components nests
// the reports of aggregated checks.
type HealthCheckResult struct {
	Status     HealthStatus                  `json:"status"`
	Message    string                        `json:"message,omitempty"`
	Latency    time.Duration                 `json:"latency,omitempty"`
	Details    map[string]any                `json:"details,omitempty"`
	Components map[string]*HealthCheckResult `json:"components,omitempty"`
	CheckedAt  time.Time                     `json:"checked_at"`
}

func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// HealthChecker is implemented by transports, task backends and saga
// stores that can report their own health.
type HealthChecker interface {
	// Health reports within ctx's deadline. It never returns nil.
	Health(ctx context.Context) *HealthCheckResult
}

type SubscribeOptions struct {
	// WorkerGroup names the competing consumer group. Subscribers of the
	// same group share the queue; each message goes to one of them.
	// Empty means the transport's default group.
	WorkerGroup string

	// BufferSize overrides the delivery channel buffer. Zero keeps the
	// transport default.
	BufferSize int
}

type SubscribeOption func(*SubscribeOptions)

// WithWorkerGroup joins the subscription to group.
func WithWorkerGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.WorkerGroup = group
	}
}

func WithBufferSize(size int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BufferSize = size
	}
}

// DefaultWorkerGroup is used when a subscription names no group.
const DefaultWorkerGroup = "workers"

// ApplySubscribeOptions resolves opts, defaulting the worker group.
func ApplySubscribeOptions(opts ...SubscribeOption) *SubscribeOptions {
	o := &SubscribeOptions{WorkerGroup: DefaultWorkerGroup}
	for _, opt := range opts {
		opt(o)
	}
	if o.WorkerGroup == "" {
		o.WorkerGroup = DefaultWorkerGroup
	}
	return o
}

// Transport moves task messages from producers to competing workers.
type Transport interface {
	// Declare creates the resources backing a queue (stream, topic, ...).
	// It is idempotent and must be called before Publish or Subscribe.
	Declare(ctx context.Context, queue string) error

	// Publish enqueues a message. It returns ErrQueueNotDeclared if the
	// queue was not declared on this transport.
	Publish(ctx context.Context, queue string, msg Message) error

	// Subscribe joins a worker group on the queue. Each message is
	// delivered to one subscriber of the group. A message whose Ack is
	// called with a non-nil error, or never called, is redelivered.
	Subscribe(ctx context.Context, queue string, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the transport and all subscriptions
	Close(ctx context.Context) error
}

// Subscription represents a worker's membership in a queue's group
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Messages returns the channel to receive messages
	Messages() <-chan Message

	// Close unsubscribes and closes the message channel
	Close(ctx context.Context) error
}

// Message is the message interface from the message package
type Message = message.Message

// Codec is the codec interface from the codec package
type Codec = codec.Codec

// NewMessage creates a new message
func NewMessage(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext) Message {
	return message.New(id, source, payload, metadata, spanCtx)
}

// WithAck wraps msg with a transport-specific acknowledgement.
func WithAck(msg Message, retryCount int, ackFn func(error) error) Message {
	return message.WithAck(msg, retryCount, ackFn)
}

var counter uint64

// NewID returns a random UUID, or a process-local counter if the random
// source fails.
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger is the fallback logger of a transport built without WithLogger.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter spreads d uniformly over d*(1-factor) to d*(1+factor). Factors
// outside (0, 1] return d unchanged.
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
