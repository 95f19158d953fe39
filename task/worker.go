package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quizapp/orchestrator/poison"
	"github.com/quizapp/orchestrator/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/quizapp/orchestrator/task"

// Worker defaults
var (
	DefaultConcurrency = 1
	DefaultTimeLimit   = 30 * time.Minute
)

// Worker consumes the task queue and runs registered handlers.
type Worker struct {
	rt          *Runtime
	concurrency int
	timeLimit   time.Duration
	group       string
	logger      *slog.Logger
	guard       *poison.Guard

	processed metric.Int64Counter
	duration  metric.Float64Histogram

	started atomic.Bool
	sub     transport.Subscription
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithConcurrency sets how many tasks run at once. Each goroutine handles
// one message at a time.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithTimeLimit bounds the context handed to each handler.
func WithTimeLimit(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeLimit = d
		}
	}
}

// WithWorkerGroup sets the competing consumer group.
func WithWorkerGroup(group string) WorkerOption {
	return func(w *Worker) {
		w.group = group
	}
}

// WithWorkerLogger sets the worker logger
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPoisonGuard quarantines tasks whose deliveries keep failing instead
// of redelivering them indefinitely.
func WithPoisonGuard(g *poison.Guard) WorkerOption {
	return func(w *Worker) {
		w.guard = g
	}
}

// NewWorker creates a worker for the runtime's queue.
func (r *Runtime) NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{
		rt:          r,
		concurrency: DefaultConcurrency,
		timeLimit:   DefaultTimeLimit,
		group:       transport.DefaultWorkerGroup,
		logger:      r.logger.With("role", "worker"),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	meter := otel.Meter("orchestrator.task")
	w.processed, _ = meter.Int64Counter("task.processed",
		metric.WithDescription("Number of tasks that reached a terminal state"),
		metric.WithUnit("{task}"),
	)
	w.duration, _ = meter.Float64Histogram("task.duration",
		metric.WithDescription("Task handler duration in seconds"),
		metric.WithUnit("s"),
	)
	return w
}

// Start declares the queue, subscribes and launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWorkerStarted
	}
	if err := w.rt.declare(ctx); err != nil {
		w.started.Store(false)
		return err
	}
	// Buffer no more than one delivery per goroutine so idle workers on
	// other processes can take the rest.
	sub, err := w.rt.transport.Subscribe(ctx, w.rt.queue,
		transport.WithWorkerGroup(w.group),
		transport.WithBufferSize(w.concurrency),
	)
	if err != nil {
		w.started.Store(false)
		return fmt.Errorf("subscribe %s: %w", w.rt.queue, err)
	}
	w.sub = sub

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}

	w.logger.Info("worker started", "queue", w.rt.queue, "group", w.group, "concurrency", w.concurrency)
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case msg, ok := <-w.sub.Messages():
			if !ok {
				return
			}
			w.handle(msg)
		}
	}
}

// Stop stops taking new messages, waits for running tasks and closes the
// subscription. Messages received but not started are redelivered by the
// transport. If ctx ends first the subscription is still closed and
// ctx.Err() is returned.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	w.stopped.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker stop timed out, abandoning running tasks", "queue", w.rt.queue)
		return errors.Join(ctx.Err(), w.sub.Close(ctx))
	}

	w.logger.Info("worker stopped", "queue", w.rt.queue)
	return w.sub.Close(ctx)
}

// handle processes one delivery and acks it.
func (w *Worker) handle(msg transport.Message) {
	ctx := msg.Context()
	id := msg.ID()
	name := msg.Metadata()[metadataTaskName]
	logger := w.logger.With("task_id", id, "task", name)

	if w.guard != nil {
		var perr *poison.Error
		if err := w.guard.Admit(ctx, id); errors.As(err, &perr) {
			logger.Warn("dropping delivery of quarantined task", "reason", perr.Reason)
			msg.Ack(nil)
			return
		} else if err != nil {
			logger.Warn("poison guard unavailable", "error", err)
		}
	}

	if rec, err := w.rt.backend.Get(ctx, id); err == nil && rec.State.Terminal() {
		logger.Debug("task already terminal, skipping redelivery", "state", rec.State)
		msg.Ack(nil)
		return
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error("backend read failed, requesting redelivery", "error", err)
		w.retry(ctx, logger, msg, err)
		return
	}

	if err := w.rt.backend.MarkRunning(ctx, id); err != nil {
		logger.Warn("failed to mark task running", "error", err)
	}

	start := time.Now()
	rec := w.execute(ctx, logger, &Task{
		ID:         id,
		Name:       name,
		Payload:    msg.Payload(),
		RetryCount: msg.RetryCount(),
	})
	w.duration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("task", name)))

	err := w.rt.backend.Complete(ctx, rec)
	switch {
	case errors.Is(err, ErrAlreadyTerminal):
		logger.Info("terminal record already written by another delivery")
		msg.Ack(nil)
	case err != nil:
		logger.Error("failed to store task result, requesting redelivery", "error", err)
		w.retry(ctx, logger, msg, err)
	default:
		w.processed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", name),
			attribute.String("state", string(rec.State)),
		))
		logger.Info("task finished", "state", rec.State, "duration", time.Since(start))
		if w.guard != nil {
			if err := w.guard.Succeeded(ctx, id); err != nil {
				logger.Warn("failed to reset delivery failures", "error", err)
			}
		}
		msg.Ack(nil)
	}
}

// retry hands msg back for redelivery. Once the poison guard quarantines
// the task it is recorded as FAILURE where the backend allows and dropped.
func (w *Worker) retry(ctx context.Context, logger *slog.Logger, msg transport.Message, cause error) {
	if w.guard == nil {
		msg.Ack(cause)
		return
	}

	quarantined, err := w.guard.Failed(ctx, msg.ID(), cause)
	if err != nil {
		logger.Warn("failed to record delivery failure", "error", err)
	}
	if !quarantined {
		msg.Ack(cause)
		return
	}

	logger.Error("task quarantined after repeated delivery failures",
		"max_failures", w.guard.MaxFailures(), "error", cause)
	rec := failure(msg.ID(), fmt.Errorf("task quarantined after %d failed deliveries: %w", w.guard.MaxFailures(), cause), nil)
	if err := w.rt.backend.Complete(ctx, rec); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
		logger.Warn("failed to record quarantined task", "error", err)
	}
	msg.Ack(nil)
}

// execute runs the handler and turns its return values into a terminal
// record. Unknown names, bad payloads and panics become FAILURE.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, t *Task) (rec *Record) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.name", t.Name),
			attribute.Int("task.retry_count", t.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer func() {
		if rec.State == StateFailure {
			span.SetStatus(codes.Error, rec.Error)
		}
		span.End()
	}()

	h, ok := w.rt.handler(t.Name)
	if !ok {
		logger.Error("no handler registered")
		return failure(t.ID, fmt.Errorf("%w: %q", ErrUnknownTask, t.Name), nil)
	}
	if !json.Valid(t.Payload) {
		logger.Error("undecodable task payload")
		return failure(t.ID, errors.New("undecodable task payload"), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeLimit)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task handler panic recovered", "panic", r, "stack", string(debug.Stack()))
			rec = failure(t.ID, fmt.Errorf("task panicked: %v", r), nil)
		}
	}()

	result, err := h(ctx, t)
	if err != nil {
		return failure(t.ID, err, result)
	}

	data, encErr := encodeResult(result)
	if encErr != nil {
		return failure(t.ID, encErr, nil)
	}
	return &Record{TaskID: t.ID, State: StateSuccess, Result: data}
}

func failure(id string, err error, result any) *Record {
	rec := &Record{TaskID: id, State: StateFailure, Error: err.Error()}
	if data, encErr := encodeResult(result); encErr == nil {
		rec.Result = data
	}
	return rec
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
