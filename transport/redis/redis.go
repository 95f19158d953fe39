// Package redis provides a Redis Streams queue transport.
//
// Entries are persisted in a stream per queue and consumed through one
// consumer group per worker group, so each entry goes to one worker.
// Entries that are not acknowledged stay in the group's Pending Entries
// List (PEL) and are redelivered:
//
//   - on subscription start, the consumer replays its own PEL
//   - with WithClaimInterval, idle entries of other consumers and entries
//     nacked by this consumer are claimed with XCLAIM
//
// Stream layout:
//
//	<prefix>:<queue>                    stream, field "data" = codec-encoded message
//	                                    field "msg_id" = message id
//	group <consumer-group>-<queue>-<worker-group>
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quizapp/orchestrator/transport"
	"github.com/quizapp/orchestrator/transport/codec"
	"github.com/redis/go-redis/v9"
)

// Client defines the Redis operations used by the transport.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// DefaultGroupID prefixes consumer group names.
var DefaultGroupID = "orchestrator"

// Default configuration
var (
	DefaultMaxLen    = int64(0) // unlimited
	DefaultBlockTime = 5 * time.Second
)

// streamPrefix is the fixed prefix for Redis streams to avoid clashing with other keys
const streamPrefix = "queue"

// Transport implements transport.Transport using Redis Streams
type Transport struct {
	status  int32
	client  Client
	groupID string
	codec   codec.Codec
	queues  *xsync.MapOf[string, struct{}]
	logger  *slog.Logger
	onError func(error)

	streamPrefix  string
	maxLen        int64
	maxAge        time.Duration
	blockTime     time.Duration
	sendTimeout   time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
	consumerName  string

	idempotencyStore IdempotencyStore
}

// New creates a new Redis transport with a pre-initialized client.
// The caller owns the client and closes it.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:       1,
		client:       client,
		groupID:      DefaultGroupID,
		codec:        codec.Default(),
		queues:       xsync.NewMapOf[string, struct{}](),
		streamPrefix: streamPrefix,
		maxLen:       DefaultMaxLen,
		blockTime:    DefaultBlockTime,
		logger:       transport.Logger("transport>redis"),
		onError:      func(error) {},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) streamName(queue string) string {
	return t.streamPrefix + ":" + queue
}

func (t *Transport) groupName(queue, workerGroup string) string {
	return t.groupID + "-" + queue + "-" + workerGroup
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Declare creates the stream for a queue if it does not exist.
func (t *Transport) Declare(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.queues.Load(name); ok {
		return nil
	}

	stream := t.streamName(name)
	group := t.groupName(name, transport.DefaultWorkerGroup)
	// Creating the default group from "0" keeps entries published before
	// the first worker starts.
	if err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create stream %s: %w", stream, err)
	}

	t.queues.Store(name, struct{}{})
	t.logger.Debug("declared queue", "queue", name, "stream", stream)
	return nil
}

// Publish appends msg to the queue's stream.
func (t *Transport) Publish(ctx context.Context, name string, msg transport.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.queues.Load(name); !ok {
		return transport.ErrQueueNotDeclared
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: t.streamName(name),
		Values: map[string]any{
			"data":   data,
			"msg_id": msg.ID(),
		},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if t.maxAge > 0 {
		args.MinID = fmt.Sprintf("%d-0", time.Now().Add(-t.maxAge).UnixMilli())
		args.Approx = true
	}

	entryID, err := t.client.XAdd(ctx, args).Result()
	if err != nil {
		t.onError(err)
		return fmt.Errorf("xadd: %w", err)
	}

	t.logger.Debug("published message", "queue", name, "msg_id", msg.ID(), "entry_id", entryID)
	return nil
}

// Subscribe joins the consumer group for the worker group.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.queues.Load(name); !ok {
		return nil, transport.ErrQueueNotDeclared
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	stream := t.streamName(name)
	group := t.groupName(name, subOpts.WorkerGroup)

	if err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create group %s: %w", group, err)
	}

	bufSize := 0
	if subOpts.BufferSize > 0 {
		bufSize = subOpts.BufferSize
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       transport.NewID(),
		t:        t,
		ch:       make(chan transport.Message, bufSize),
		closedCh: make(chan struct{}),
		stream:   stream,
		group:    group,
		cancel:   cancel,
		nacked:   xsync.NewMapOf[string, struct{}](),
		logger:   t.logger.With("queue", name, "group", group),
	}
	sub.consumer = sub.id
	if t.consumerName != "" {
		sub.consumer = t.consumerName
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	if t.claimInterval > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.claimLoop(subCtx)
		}()
	}

	t.logger.Debug("added subscriber", "queue", name, "subscriber", sub.id, "group", group)
	return sub, nil
}

// Close shuts down the transport. The client is owned by the caller.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// Health performs a health check on the Redis transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if err := t.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}

	var pending int64
	t.queues.Range(func(name string, _ struct{}) bool {
		stream := t.streamName(name)
		if n, err := t.client.XLen(ctx, stream).Result(); err == nil {
			result.Details["stream_length:"+name] = n
		}
		if p, err := t.client.XPending(ctx, stream, t.groupName(name, transport.DefaultWorkerGroup)).Result(); err == nil {
			pending += p.Count
		}
		return true
	})

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis transport is healthy"
	result.Latency = time.Since(start)
	result.Details["queues"] = t.queues.Size()
	result.Details["pending"] = pending
	return result
}

// subscription implements transport.Subscription for Redis
type subscription struct {
	id       string
	t        *Transport
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	stream   string
	group    string
	consumer string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	nacked   *xsync.MapOf[string, struct{}]
	logger   *slog.Logger
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

// Close stops reading. Entries handed out but not acked stay in the PEL.
func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		s.cancel()
		s.wg.Wait()
		close(s.ch)
	}
	return nil
}

func (s *subscription) consumeLoop(ctx context.Context) {
	s.replayPending(ctx)

	readBackoff := 100 * time.Millisecond
	maxReadBackoff := 30 * time.Second

	for {
		select {
		case <-s.closedCh:
			return
		default:
		}

		streams, err := s.t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    10,
			Block:    s.t.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				readBackoff = 100 * time.Millisecond
				continue
			}
			if ctx.Err() != nil {
				return
			}
			jittered := transport.Jitter(readBackoff, 0.3)
			s.logger.Error("read error, retrying with backoff", "error", err, "backoff", jittered)
			select {
			case <-s.closedCh:
				return
			case <-time.After(jittered):
			}
			readBackoff = min(readBackoff*2, maxReadBackoff)
			continue
		}
		readBackoff = 100 * time.Millisecond

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				if !s.deliver(ctx, xmsg, 0) {
					return
				}
			}
		}
	}
}

// replayPending re-reads this consumer's own PEL from the start.
func (s *subscription) replayPending(ctx context.Context) {
	lastID := "0"
	for {
		select {
		case <-s.closedCh:
			return
		default:
		}

		counts := s.deliveryCounts(ctx, 0)
		streams, err := s.t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, lastID},
			Count:    10,
			Block:    -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				s.logger.Error("error reading pending messages", "error", err)
			}
			return
		}

		delivered := 0
		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				if !s.deliver(ctx, xmsg, int(counts[xmsg.ID])) {
					return
				}
				lastID = xmsg.ID
				delivered++
			}
		}
		if delivered == 0 {
			return
		}
	}
}

func (s *subscription) deliveryCounts(ctx context.Context, idle time.Duration) map[string]int64 {
	pending, err := s.t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   idle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
		s.logger.Error("error getting pending info", "error", err)
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

func (s *subscription) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.t.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closedCh:
			return
		case <-ticker.C:
			s.claimOnce(ctx)
		}
	}
}

// claimOnce moves idle entries of other consumers, and entries this
// consumer nacked, to this consumer and redelivers them.
func (s *subscription) claimOnce(ctx context.Context) {
	pending, err := s.t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   s.t.claimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			s.logger.Error("failed to get pending messages for claim", "error", err)
		}
		return
	}

	counts := make(map[string]int64)
	var claimIDs []string
	for _, p := range pending {
		_, nacked := s.nacked.LoadAndDelete(p.ID)
		if p.Consumer != s.consumer || nacked {
			claimIDs = append(claimIDs, p.ID)
			counts[p.ID] = p.RetryCount
		}
	}
	if len(claimIDs) == 0 {
		return
	}

	s.logger.Info("claiming pending messages", "count", len(claimIDs))

	messages, err := s.t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.t.claimMinIdle,
		Messages: claimIDs,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to claim messages", "error", err)
		}
		return
	}

	for _, xmsg := range messages {
		if !s.deliver(ctx, xmsg, int(counts[xmsg.ID])) {
			return
		}
	}
}

// deliver decodes one stream entry and hands it to the subscriber.
// It returns false when the subscription is closing.
func (s *subscription) deliver(ctx context.Context, xmsg redis.XMessage, retryCount int) bool {
	entryID := xmsg.ID

	data, ok := xmsg.Values["data"].(string)
	if !ok {
		s.drop(entryID, "invalid message format", nil)
		return true
	}

	decoded, err := s.t.codec.Decode([]byte(data))
	if err != nil {
		s.drop(entryID, "failed to decode message", err)
		return true
	}

	if store := s.t.idempotencyStore; store != nil {
		dup, err := store.IsDuplicate(ctx, decoded.ID())
		if err != nil {
			s.logger.Warn("idempotency check failed, delivering anyway", "msg_id", decoded.ID(), "error", err)
		} else if dup {
			s.logger.Debug("skipping already processed message", "msg_id", decoded.ID(), "entry_id", entryID)
			s.ack(entryID)
			return true
		}
	}

	msg := transport.WithAck(decoded, retryCount, func(ackErr error) error {
		if ackErr != nil {
			s.nacked.Store(entryID, struct{}{})
			return nil
		}
		if store := s.t.idempotencyStore; store != nil {
			if err := store.MarkProcessed(context.Background(), decoded.ID()); err != nil {
				s.logger.Warn("failed to mark message processed", "msg_id", decoded.ID(), "error", err)
			}
		}
		return s.ack(entryID)
	})

	return s.sendWithRetry(msg, entryID)
}

// drop acknowledges an entry that can never be delivered.
func (s *subscription) drop(entryID, reason string, err error) {
	s.logger.Error(reason, "entry_id", entryID, "error", err)
	if err != nil {
		s.t.onError(err)
	}
	s.ack(entryID)
}

func (s *subscription) ack(entryID string) error {
	return s.t.client.XAck(context.Background(), s.stream, s.group, entryID).Err()
}

// sendWithRetry hands msg to the channel, backing off while the
// subscriber is busy. It returns false once the subscription closes.
func (s *subscription) sendWithRetry(msg transport.Message, entryID string) bool {
	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		if s.t.sendTimeout <= 0 {
			select {
			case <-s.closedCh:
				return false
			case s.ch <- msg:
				return true
			}
		}

		timer := time.NewTimer(s.t.sendTimeout)
		select {
		case <-s.closedCh:
			timer.Stop()
			return false
		case s.ch <- msg:
			timer.Stop()
			return true
		case <-timer.C:
		}

		jittered := transport.Jitter(backoff, 0.3)
		s.logger.Warn("message send timeout, retrying with backoff", "entry_id", entryID, "backoff", jittered)
		select {
		case <-s.closedCh:
			return false
		case <-time.After(jittered):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Compile-time checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
