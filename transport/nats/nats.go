// Package nats provides a NATS JetStream queue transport.
//
// Each queue is a JetStream stream with one subject. Each worker group is
// a durable pull consumer with explicit acks, so every message goes to one
// worker and is redelivered after AckWait if it is not acknowledged.
//
//	tr, err := nats.NewJetStream(conn,
//	    nats.WithDeduplication(2 * time.Minute),  // Native dedup on task id
//	    nats.WithAckWait(time.Minute),
//	)
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quizapp/orchestrator/transport"
	"github.com/quizapp/orchestrator/transport/codec"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
)

// JetStreamTransport implements transport.Transport using NATS JetStream.
type JetStreamTransport struct {
	status  int32
	conn    *nats.Conn
	js      jetstream.JetStream
	codec   codec.Codec
	streams *xsync.MapOf[string, jetstream.Stream]
	logger  *slog.Logger
	onError func(error)

	streamPrefix string
	replicas     int
	maxAge       time.Duration
	sendTimeout  time.Duration

	dedupEnabled bool
	dedupWindow  time.Duration
	maxDeliver   int
	ackWait      time.Duration
}

// Default configuration
var (
	DefaultReplicas = 1
	DefaultMaxAge   = 24 * time.Hour
)

// streamPrefix is the fixed prefix for NATS streams to avoid clashing with other streams
const streamPrefix = "QUEUE"

// JSOption configures the JetStream transport
type JSOption func(*JetStreamTransport)

// NewJetStream creates a new NATS JetStream transport.
// The caller owns conn and closes it.
func NewJetStream(conn *nats.Conn, opts ...JSOption) (*JetStreamTransport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &JetStreamTransport{
		status:       1,
		conn:         conn,
		codec:        codec.Default(),
		streams:      xsync.NewMapOf[string, jetstream.Stream](),
		streamPrefix: streamPrefix,
		replicas:     DefaultReplicas,
		maxAge:       DefaultMaxAge,
		logger:       transport.Logger("transport>nats-jetstream"),
		onError:      func(error) {},
		dedupWindow:  2 * time.Minute,
		ackWait:      30 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	t.js = js

	return t, nil
}

func (t *JetStreamTransport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *JetStreamTransport) streamName(queue string) string {
	return t.streamPrefix + "_" + queue
}

func subject(queue string) string {
	return "queue." + queue
}

// Declare creates or updates the stream for a queue.
func (t *JetStreamTransport) Declare(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	cfg := jetstream.StreamConfig{
		Name:     t.streamName(name),
		Subjects: []string{subject(name)},
		Replicas: t.replicas,
		MaxAge:   t.maxAge,
	}
	if t.dedupEnabled && t.dedupWindow > 0 {
		cfg.Duplicates = t.dedupWindow
	}

	stream, err := t.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	t.streams.Store(name, stream)

	t.logger.Debug("declared queue", "queue", name, "stream", cfg.Name)
	return nil
}

// Publish stores msg on the queue's stream.
func (t *JetStreamTransport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.streams.Load(name); !ok {
		return transport.ErrQueueNotDeclared
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	var pubOpts []jetstream.PublishOpt
	if t.dedupEnabled {
		pubOpts = append(pubOpts, jetstream.WithMsgID(msg.ID()))
	}

	ack, err := t.js.Publish(ctx, subject(name), data, pubOpts...)
	if err != nil {
		t.onError(err)
		return fmt.Errorf("publish: %w", err)
	}

	t.logger.Debug("published message", "queue", name, "msg_id", msg.ID(), "seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}

// Subscribe binds to the durable consumer of the worker group.
func (t *JetStreamTransport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	stream, ok := t.streams.Load(name)
	if !ok {
		return nil, transport.ErrQueueNotDeclared
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	cfg := jetstream.ConsumerConfig{
		Durable:       subOpts.WorkerGroup + "-" + name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       t.ackWait,
	}
	if t.maxDeliver > 0 {
		cfg.MaxDeliver = t.maxDeliver
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Durable, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())

	bufSize := 0
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &jsSubscription{
		id:       transport.NewID(),
		t:        t,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		consumer: consumer,
		cancel:   cancel,
		logger:   t.logger.With("queue", name, "consumer", cfg.Durable),
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	t.logger.Debug("added subscriber", "queue", name, "subscriber", sub.id, "consumer", cfg.Durable)
	return sub, nil
}

// Close shuts down the transport. The connection is owned by the caller.
func (t *JetStreamTransport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the NATS transport
func (t *JetStreamTransport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "nats"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	connStatus := t.conn.Status()
	result.Details["connection_status"] = connStatus.String()
	if connStatus != nats.CONNECTED {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "nats connection not healthy"
		result.Latency = time.Since(start)
		return result
	}

	rtt, err := t.conn.RTT()
	if err != nil {
		result.Status = transport.HealthStatusDegraded
		result.Message = "nats RTT check failed"
		result.Latency = time.Since(start)
		result.Details["rtt_error"] = err.Error()
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "nats transport is healthy"
	result.Latency = time.Since(start)
	result.Details["rtt_ms"] = rtt.Milliseconds()
	result.Details["queues"] = t.streams.Size()
	result.Details["server_url"] = t.conn.ConnectedUrl()
	return result
}

// jsSubscription implements transport.Subscription for JetStream
type jsSubscription struct {
	id       string
	t        *JetStreamTransport
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	consumer jetstream.Consumer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func (s *jsSubscription) ID() string {
	return s.id
}

func (s *jsSubscription) Messages() <-chan transport.Message {
	return s.ch
}

// Close stops consuming. Messages handed out but not acked are
// redelivered by JetStream after AckWait.
func (s *jsSubscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		s.cancel()
		s.wg.Wait()
		close(s.ch)
	}
	return nil
}

func (s *jsSubscription) handle(msg jetstream.Msg) {
	select {
	case <-s.closedCh:
		return
	default:
	}

	decoded, err := s.t.codec.Decode(msg.Data())
	if err != nil {
		s.logger.Error("failed to decode message", "error", err)
		s.t.onError(err)
		msg.Term()
		return
	}

	retryCount := 0
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		retryCount = int(meta.NumDelivered) - 1
	}

	done := make(chan struct{})
	var once sync.Once
	wrapped := transport.WithAck(decoded, retryCount, func(ackErr error) error {
		var err error
		once.Do(func() {
			close(done)
			if ackErr == nil {
				err = msg.Ack()
			} else {
				err = msg.Nak()
			}
		})
		return err
	})

	if !s.send(wrapped) {
		once.Do(func() { close(done) })
		return
	}
	go s.keepAlive(msg, done)
}

// keepAlive extends AckWait while a worker holds the message.
func (s *jsSubscription) keepAlive(msg jetstream.Msg, done <-chan struct{}) {
	ticker := time.NewTicker(max(s.t.ackWait/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.closedCh:
			return
		case <-ticker.C:
			if err := msg.InProgress(); err != nil {
				s.logger.Warn("failed to extend ack deadline", "error", err)
			}
		}
	}
}

// send hands msg to the channel. On timeout the message is Nak'd for
// redelivery. It returns false when the message was not handed out.
func (s *jsSubscription) send(msg transport.Message) bool {
	if s.t.sendTimeout <= 0 {
		select {
		case <-s.closedCh:
			return false
		case s.ch <- msg:
			return true
		}
	}

	timer := time.NewTimer(s.t.sendTimeout)
	defer timer.Stop()
	select {
	case <-s.closedCh:
		return false
	case s.ch <- msg:
		return true
	case <-timer.C:
		msg.Ack(errors.New("send timeout"))
		s.logger.Warn("message send timeout, nak'd for redelivery", "msg_id", msg.ID())
		return false
	}
}

func (s *jsSubscription) consumeLoop(ctx context.Context) {
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		consumerErrCh := make(chan error, 1)
		errHandler := jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			s.logger.Error("consumer error detected", "error", err)
			select {
			case consumerErrCh <- err:
			default:
			}
		})

		cons, err := s.consumer.Consume(s.handle, errHandler, jetstream.PullMaxMessages(1))
		if err != nil {
			jittered := transport.Jitter(backoff, 0.3)
			s.logger.Error("consume error, retrying", "error", err, "backoff", jittered)
			select {
			case <-s.closedCh:
				return
			case <-time.After(jittered):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond

		select {
		case <-s.closedCh:
			cons.Stop()
			return
		case err := <-consumerErrCh:
			jittered := transport.Jitter(backoff, 0.3)
			s.logger.Warn("consumer error, reconnecting", "error", err, "backoff", jittered)
			cons.Stop()
			select {
			case <-s.closedCh:
				return
			case <-time.After(jittered):
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// Compile-time checks
var _ transport.Transport = (*JetStreamTransport)(nil)
var _ transport.HealthChecker = (*JetStreamTransport)(nil)
var _ transport.Subscription = (*jsSubscription)(nil)
