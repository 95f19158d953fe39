// Package channel provides an in-process queue transport built on Go channels.
//
// Each declared queue fans out to its worker groups; inside a group every
// message is handed to one subscriber. Delivery is at-least-once within the
// lifetime of the process:
//
//   - a message acked with an error is re-enqueued after the redelivery delay
//   - messages still unacked when a subscription closes are re-enqueued
//   - messages published before any group exists are held as a backlog and
//     handed to the first group that subscribes
//
// Nothing survives a process restart. Use the redis, nats or kafka
// transports when tasks must outlive the process.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quizapp/orchestrator/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels
type Transport struct {
	status int32
	queues *xsync.MapOf[string, *queue]
	opts   *options
	logger *slog.Logger
	done   chan struct{}

	droppedCounter     metric.Int64Counter
	redeliveredCounter metric.Int64Counter
}

// queue holds the worker groups of one declared queue
type queue struct {
	name    string
	mu      sync.Mutex
	groups  map[string]*group
	backlog []transport.Message
	closed  bool
}

// group is a set of competing subscribers sharing one buffered channel
type group struct {
	name     string
	ch       chan transport.Message
	subCount int64
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("orchestrator.transport.channel")
	droppedCounter, _ := meter.Int64Counter("transport.channel.dropped",
		metric.WithDescription("Number of messages the channel transport could not enqueue"),
		metric.WithUnit("{message}"),
	)
	redeliveredCounter, _ := meter.Int64Counter("transport.channel.redelivered",
		metric.WithDescription("Number of messages re-enqueued after a nack or abandoned delivery"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:             1,
		queues:             xsync.NewMapOf[string, *queue](),
		opts:               o,
		logger:             o.logger,
		done:               make(chan struct{}),
		droppedCounter:     droppedCounter,
		redeliveredCounter: redeliveredCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Declare creates the queue if it does not exist yet.
func (t *Transport) Declare(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, loaded := t.queues.LoadOrStore(name, &queue{name: name, groups: make(map[string]*group)}); !loaded {
		t.logger.Debug("declared queue", "queue", name)
	}
	return nil
}

// Publish enqueues msg on every worker group of the queue.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	q, ok := t.queues.Load(name)
	if !ok {
		return transport.ErrQueueNotDeclared
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return transport.ErrQueueNotDeclared
	}
	if len(q.groups) == 0 {
		q.backlog = append(q.backlog, msg)
		q.mu.Unlock()
		t.logger.Debug("no worker group yet, message held in backlog", "queue", name, "msg_id", msg.ID())
		return nil
	}
	groups := make([]*group, 0, len(q.groups))
	for _, g := range q.groups {
		groups = append(groups, g)
	}
	q.mu.Unlock()

	for _, g := range groups {
		if err := t.send(ctx, g, msg); err != nil {
			t.droppedCounter.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("queue", name),
					attribute.String("group", g.name),
				))
			t.logger.Warn("failed to enqueue message", "queue", name, "group", g.name, "msg_id", msg.ID(), "error", err)
			t.opts.onError(err)
			return err
		}
	}
	return nil
}

func (t *Transport) send(ctx context.Context, g *group, msg transport.Message) error {
	if t.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.timeout)
		defer cancel()
	}

	select {
	case g.ch <- msg:
		return nil
	case <-t.done:
		return transport.ErrTransportClosed
	case <-ctx.Done():
		return transport.ErrPublishTimeout
	}
}

// redeliver offers msg to the group again after the redelivery delay.
func (t *Transport) redeliver(q string, g *group, msg transport.Message) {
	next := transport.WithAck(msg, msg.RetryCount()+1, nil)
	t.redeliveredCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("queue", q),
			attribute.String("group", g.name),
		))

	time.AfterFunc(t.opts.redeliveryDelay, func() {
		select {
		case g.ch <- next:
		case <-t.done:
		}
	})
}

// Subscribe joins the worker group named by the options.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	subOpts := transport.ApplySubscribeOptions(opts...)

	q, ok := t.queues.Load(name)
	if !ok {
		return nil, transport.ErrQueueNotDeclared
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, transport.ErrQueueNotDeclared
	}
	g, ok := q.groups[subOpts.WorkerGroup]
	if !ok {
		capacity := max(t.opts.groupCapacity, len(q.backlog))
		g = &group{name: subOpts.WorkerGroup, ch: make(chan transport.Message, capacity)}
		for _, msg := range q.backlog {
			g.ch <- msg
		}
		q.backlog = nil
		q.groups[g.name] = g
	}
	atomic.AddInt64(&g.subCount, 1)
	q.mu.Unlock()

	bufSize := t.opts.bufferSize
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	sub := &subscription{
		id:       transport.NewID(),
		t:        t,
		queue:    name,
		g:        g,
		ch:       make(chan transport.Message, bufSize),
		inflight: xsync.NewMapOf[uint64, transport.Message](),
		closedCh: make(chan struct{}),
	}
	go sub.run()

	t.logger.Debug("added subscriber", "queue", name, "group", g.name, "subscriber", sub.id)
	return sub, nil
}

// Close shuts down the transport and all subscriptions
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	close(t.done)

	t.queues.Range(func(_ string, q *queue) bool {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		return true
	})

	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the channel transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   make(map[string]any),
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	var queued, backlog int
	var subscribers int64
	t.queues.Range(func(_ string, q *queue) bool {
		q.mu.Lock()
		backlog += len(q.backlog)
		for _, g := range q.groups {
			queued += len(g.ch)
			subscribers += atomic.LoadInt64(&g.subCount)
		}
		q.mu.Unlock()
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "channel transport is healthy"
	result.Latency = time.Since(start)
	result.Details["type"] = "channel"
	result.Details["queues"] = t.queues.Size()
	result.Details["queued"] = queued
	result.Details["backlog"] = backlog
	result.Details["subscribers"] = subscribers
	return result
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	t        *Transport
	queue    string
	g        *group
	ch       chan transport.Message
	inflight *xsync.MapOf[uint64, transport.Message]
	seq      uint64
	closed   int32
	closedCh chan struct{}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

func (s *subscription) run() {
	defer close(s.ch)
	for {
		select {
		case <-s.closedCh:
			// Close may have run while a delivery was being buffered.
			s.abandon()
			return
		case <-s.t.done:
			return
		case msg := <-s.g.ch:
			delivery := s.track(msg)
			select {
			case s.ch <- delivery:
			case <-s.closedCh:
				s.abandon()
				return
			case <-s.t.done:
				return
			}
		}
	}
}

// track records msg as in flight and binds its ack to this subscription.
func (s *subscription) track(msg transport.Message) transport.Message {
	seq := atomic.AddUint64(&s.seq, 1)
	s.inflight.Store(seq, msg)
	return transport.WithAck(msg, msg.RetryCount(), func(err error) error {
		orig, ok := s.inflight.LoadAndDelete(seq)
		if !ok {
			return nil
		}
		if err != nil {
			s.t.logger.Debug("message nacked, scheduling redelivery", "queue", s.queue, "msg_id", orig.ID(), "error", err)
			s.t.redeliver(s.queue, s.g, orig)
		}
		return nil
	})
}

// abandon re-enqueues every message this subscription received but never acked.
func (s *subscription) abandon() {
	s.inflight.Range(func(seq uint64, msg transport.Message) bool {
		if _, ok := s.inflight.LoadAndDelete(seq); ok {
			s.t.redeliver(s.queue, s.g, msg)
		}
		return true
	})
}

func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		atomic.AddInt64(&s.g.subCount, -1)
		s.abandon()
	}
	return nil
}

// Compile-time interface checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
