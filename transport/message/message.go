// Package message provides the Message type carried by queue transports.
//
// It is imported by both the codec and transport packages so neither
// depends on the other.
package message

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Message is a unit of work travelling through a queue transport.
type Message interface {
	// ID returns the message identifier. Task messages use the task id.
	ID() string
	// Source returns the producer that published this message.
	Source() string
	// Payload returns the encoded task body.
	Payload() []byte
	// Metadata returns optional key-value metadata
	Metadata() map[string]string
	// RetryCount returns how many times this message was delivered before.
	RetryCount() int
	// Timestamp returns when the message was created
	Timestamp() time.Time
	// Context returns a context carrying the producer's span, if any.
	Context() context.Context
	// Ack acknowledges the message. Pass nil for success, or an error to
	// request redelivery.
	Ack(error) error
}

type message struct {
	id         string
	source     string
	payload    []byte
	metadata   map[string]string
	span       trace.SpanContext
	retryCount int
	timestamp  time.Time
	ackFn      func(error) error
}

func (m *message) ID() string                  { return m.id }
func (m *message) Source() string              { return m.source }
func (m *message) Payload() []byte             { return m.payload }
func (m *message) Metadata() map[string]string { return m.metadata }
func (m *message) RetryCount() int             { return m.retryCount }
func (m *message) Timestamp() time.Time        { return m.timestamp }

func (m *message) Context() context.Context {
	if !m.span.IsValid() {
		return context.Background()
	}
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}

func (m *message) Ack(err error) error {
	if m.ackFn != nil {
		return m.ackFn(err)
	}
	return nil
}

// New creates a new message stamped with the current time.
func New(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext) Message {
	return &message{
		id:        id,
		source:    source,
		payload:   payload,
		metadata:  metadata,
		span:      spanCtx,
		timestamp: time.Now(),
	}
}

// NewWithRetry creates a new message with a retry count.
func NewWithRetry(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext, retryCount int) Message {
	m := New(id, source, payload, metadata, spanCtx).(*message)
	m.retryCount = retryCount
	return m
}

// NewWithTimestamp creates a new message with an explicit creation time.
func NewWithTimestamp(id, source string, payload []byte, metadata map[string]string, spanCtx trace.SpanContext, ts time.Time) Message {
	m := New(id, source, payload, metadata, spanCtx).(*message)
	m.timestamp = ts
	return m
}

// WithAck returns a copy of msg whose Ack calls ackFn. Transports use it to
// attach broker-specific acknowledgement to a decoded message.
func WithAck(msg Message, retryCount int, ackFn func(error) error) Message {
	m := &message{
		id:         msg.ID(),
		source:     msg.Source(),
		payload:    msg.Payload(),
		metadata:   msg.Metadata(),
		retryCount: retryCount,
		timestamp:  msg.Timestamp(),
		ackFn:      ackFn,
	}
	if sc := trace.SpanContextFromContext(msg.Context()); sc.IsValid() {
		m.span = sc
	}
	return m
}

// Compile-time interface check
var _ Message = (*message)(nil)
