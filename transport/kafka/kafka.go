// Package kafka provides a Kafka queue transport.
//
// Each queue is a topic; each worker group is a consumer group. Offsets are
// committed only after a record is acked, and each partition hands out one
// record at a time, so a crash before ack replays the record on the next
// session.
//
// Kafka cannot redeliver a single record, so a nack re-produces the record
// at the tail of the topic with an incremented retry count and then commits
// the original. After WithMaxRetries nacks the record goes to the dead
// letter topic instead, when one is configured.
//
// Auto-commit must be disabled in the sarama config. See New.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quizapp/orchestrator/transport"
	"github.com/quizapp/orchestrator/transport/codec"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// DefaultGroupID prefixes consumer group ids.
var DefaultGroupID = "orchestrator"

// Default configuration
var (
	DefaultPartitions  = int32(1)
	DefaultReplication = int16(1)
)

// topicPrefix is the fixed prefix for Kafka topics to avoid clashing with other topics
const topicPrefix = "queue."

// retryHeader carries the retry count of a re-produced record.
const retryHeader = "X-Retry-Count"

// Transport implements transport.Transport using Kafka
type Transport struct {
	status      int32
	client      sarama.Client
	producer    sarama.SyncProducer
	admin       sarama.ClusterAdmin
	groupID     string
	topicPrefix string
	codec       codec.Codec
	queues      *xsync.MapOf[string, struct{}]
	logger      *slog.Logger
	onError     func(error)

	partitions  int32
	replication int16
	retention   time.Duration
	sendTimeout time.Duration

	deadLetterTopic string
	maxRetries      int
}

// New creates a new Kafka transport with a pre-initialized client.
//
// Recommended sarama.Config settings:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false  // REQUIRED
//	config.Producer.Return.Successes = true            // required by SyncProducer
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	t := newTransport(opts...)
	t.client = client

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	t.producer = producer

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		return nil, err
	}
	t.admin = admin

	return t, nil
}

func newTransport(opts ...Option) *Transport {
	t := &Transport{
		status:      1,
		groupID:     DefaultGroupID,
		topicPrefix: topicPrefix,
		codec:       codec.Default(),
		queues:      xsync.NewMapOf[string, struct{}](),
		partitions:  DefaultPartitions,
		replication: DefaultReplication,
		logger:      transport.Logger("transport>kafka"),
		onError:     func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func (t *Transport) topicName(queue string) string {
	return t.topicPrefix + queue
}

// Declare creates the queue's topic if it does not exist.
func (t *Transport) Declare(ctx context.Context, name string) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if _, ok := t.queues.Load(name); ok {
		return nil
	}

	topic := t.topicName(name)
	detail := &sarama.TopicDetail{
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replication,
	}
	if t.retention > 0 {
		retentionMs := strconv.FormatInt(t.retention.Milliseconds(), 10)
		detail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	if err := t.admin.CreateTopic(topic, detail, false); err != nil {
		var topicErr *sarama.TopicError
		if !errors.As(err, &topicErr) || topicErr.Err != sarama.ErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
	}

	t.queues.Store(name, struct{}{})
	t.logger.Debug("declared queue", "queue", name, "topic", topic)
	return nil
}

// Publish produces msg to the queue's topic, keyed by message id.
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

	partition, offset, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topicName(name),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		t.onError(err)
		return fmt.Errorf("produce: %w", err)
	}

	t.logger.Debug("published message", "queue", name, "msg_id", msg.ID(), "partition", partition, "offset", offset)
	return nil
}

// Subscribe joins the consumer group of the worker group.
func (t *Transport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	if _, ok := t.queues.Load(name); !ok {
		return nil, transport.ErrQueueNotDeclared
	}

	subOpts := transport.ApplySubscribeOptions(opts...)
	groupID := t.groupID + "-" + name + "-" + subOpts.WorkerGroup

	consumer, err := sarama.NewConsumerGroupFromClient(groupID, t.client)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}

	sub := newSubscription(t, t.topicName(name), consumer, subOpts.BufferSize)

	subCtx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx)
	}()

	t.logger.Debug("added subscriber", "queue", name, "subscriber", sub.id, "group", groupID)
	return sub, nil
}

// Close shuts down the transport. The client is owned by the caller.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	var errs []error
	if t.admin != nil {
		if err := t.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health performs a health check on the Kafka transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "kafka"},
	}

	if !t.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "transport is closed"
		result.Latency = time.Since(start)
		return result
	}

	if t.client.Closed() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "kafka client is closed"
		result.Latency = time.Since(start)
		return result
	}

	brokers := t.client.Brokers()
	connected := 0
	for _, broker := range brokers {
		if ok, _ := broker.Connected(); ok {
			connected++
		}
	}
	result.Details["total_brokers"] = len(brokers)
	result.Details["connected_brokers"] = connected
	result.Details["queues"] = t.queues.Size()

	switch {
	case connected == 0:
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "no connected kafka brokers"
	case connected < len(brokers):
		result.Status = transport.HealthStatusDegraded
		result.Message = fmt.Sprintf("kafka transport degraded: %d/%d brokers connected", connected, len(brokers))
	default:
		result.Status = transport.HealthStatusHealthy
		result.Message = "kafka transport is healthy"
	}
	result.Latency = time.Since(start)
	return result
}

// subscription implements transport.Subscription for Kafka
type subscription struct {
	id       string
	t        *Transport
	ch       chan transport.Message
	closedCh chan struct{}
	closed   int32
	consumer sarama.ConsumerGroup
	topic    string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func newSubscription(t *Transport, topic string, consumer sarama.ConsumerGroup, bufSize int) *subscription {
	return &subscription{
		id:       transport.NewID(),
		t:        t,
		ch:       make(chan transport.Message, max(bufSize, 0)),
		closedCh: make(chan struct{}),
		consumer: consumer,
		topic:    topic,
		cancel:   func() {},
		logger:   t.logger.With("topic", topic),
	}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Messages() <-chan transport.Message {
	return s.ch
}

// Close leaves the consumer group. Uncommitted records are replayed by
// the next member that takes over the partition.
func (s *subscription) Close(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.closedCh)
		s.cancel()
		if s.consumer != nil {
			s.consumer.Close()
		}
		s.wg.Wait()
		close(s.ch)
	}
	return nil
}

func (s *subscription) consumeLoop(ctx context.Context) {
	handler := &consumerHandler{sub: s}

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

		if err := s.consumer.Consume(ctx, []string{s.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			jittered := transport.Jitter(backoff, 0.3)
			s.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", jittered)
			select {
			case <-s.closedCh:
				return
			case <-time.After(jittered):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond
	}
}

// send hands msg to the channel, logging while the subscriber is slow.
func (s *subscription) send(msg transport.Message, done <-chan struct{}) bool {
	for {
		if s.t.sendTimeout <= 0 {
			select {
			case <-s.closedCh:
				return false
			case <-done:
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
		case <-done:
			timer.Stop()
			return false
		case s.ch <- msg:
			timer.Stop()
			return true
		case <-timer.C:
			s.logger.Warn("subscriber slow, still waiting to deliver", "msg_id", msg.ID())
		}
	}
}

// retry re-produces a nacked record, or routes it to the dead letter topic
// once the retry budget is spent.
func (s *subscription) retry(rec *sarama.ConsumerMessage, retryCount int, cause error) error {
	next := retryCount + 1
	if s.t.maxRetries > 0 && next > s.t.maxRetries {
		if s.t.deadLetterTopic == "" {
			s.logger.Warn("retries exhausted, dropping record", "offset", rec.Offset, "error", cause)
			return nil
		}
		_, _, err := s.t.producer.SendMessage(&sarama.ProducerMessage{
			Topic: s.t.deadLetterTopic,
			Key:   sarama.ByteEncoder(rec.Key),
			Value: sarama.ByteEncoder(rec.Value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("X-Original-Topic"), Value: []byte(rec.Topic)},
				{Key: []byte("X-Error"), Value: []byte(cause.Error())},
				{Key: []byte("X-Failed-At"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
			},
		})
		return err
	}

	_, _, err := s.t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: rec.Topic,
		Key:   sarama.ByteEncoder(rec.Key),
		Value: sarama.ByteEncoder(rec.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(retryHeader), Value: []byte(strconv.Itoa(next))},
		},
	})
	return err
}

func retryCountOf(rec *sarama.ConsumerMessage) int {
	for _, h := range rec.Headers {
		if h != nil && string(h.Key) == retryHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}

// consumerHandler implements sarama.ConsumerGroupHandler
type consumerHandler struct {
	sub *subscription
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim delivers one record of the partition at a time and waits
// for its ack before fetching the next, so committed offsets never pass an
// unacked record.
func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	s := h.sub
	for {
		select {
		case <-s.closedCh:
			return nil
		case <-session.Context().Done():
			return nil
		case rec, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			decoded, err := s.t.codec.Decode(rec.Value)
			if err != nil {
				s.logger.Error("failed to decode message", "error", err, "partition", rec.Partition, "offset", rec.Offset)
				s.t.onError(err)
				session.MarkMessage(rec, "")
				session.Commit()
				continue
			}

			retryCount := retryCountOf(rec)
			acked := make(chan struct{})
			var once sync.Once
			var retryErr error
			msg := transport.WithAck(decoded, retryCount, func(ackErr error) error {
				once.Do(func() {
					defer close(acked)
					if ackErr != nil {
						if retryErr = s.retry(rec, retryCount, ackErr); retryErr != nil {
							s.logger.Error("failed to re-produce nacked record", "offset", rec.Offset, "error", retryErr)
							return
						}
					}
					session.MarkMessage(rec, "")
					session.Commit()
				})
				return nil
			})

			if !s.send(msg, session.Context().Done()) {
				return nil
			}

			select {
			case <-acked:
				// The record stays uncommitted; ending the session replays it.
				if retryErr != nil {
					return retryErr
				}
			case <-s.closedCh:
				return nil
			case <-session.Context().Done():
				return nil
			}
		}
	}
}

// Compile-time checks
var _ transport.Transport = (*Transport)(nil)
var _ transport.HealthChecker = (*Transport)(nil)
var _ transport.Subscription = (*subscription)(nil)
var _ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)
