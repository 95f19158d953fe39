package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quizapp/orchestrator/transport"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQueue is the queue tasks are published to.
const DefaultQueue = "tasks"

// metadataTaskName carries the task name on the message.
const metadataTaskName = "task"

// Runtime submits tasks, dispatches them to handlers and answers status
// queries. The same Runtime value is used on the producer and worker side.
type Runtime struct {
	transport transport.Transport
	backend   Backend
	handlers  *xsync.MapOf[string, Handler]
	queue     string
	source    string
	logger    *slog.Logger
	declared  atomic.Bool
}

// Option configures a Runtime
type Option func(*Runtime)

// WithQueue sets the queue name.
func WithQueue(name string) Option {
	return func(r *Runtime) {
		if name != "" {
			r.queue = name
		}
	}
}

// WithSource sets the producer name stamped on published messages.
func WithSource(source string) Option {
	return func(r *Runtime) {
		r.source = source
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRuntime creates a task runtime over tr, storing state in backend.
func NewRuntime(tr transport.Transport, backend Backend, opts ...Option) *Runtime {
	r := &Runtime{
		transport: tr,
		backend:   backend,
		handlers:  xsync.NewMapOf[string, Handler](),
		queue:     DefaultQueue,
		source:    "orchestrator",
		logger:    transport.Logger("task"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Queue returns the queue name.
func (r *Runtime) Queue() string {
	return r.queue
}

// Backend returns the state backend.
func (r *Runtime) Backend() Backend {
	return r.backend
}

// Register binds name to h, replacing any previous handler.
func (r *Runtime) Register(name string, h Handler) {
	r.handlers.Store(name, h)
}

func (r *Runtime) handler(name string) (Handler, bool) {
	return r.handlers.Load(name)
}

func (r *Runtime) declare(ctx context.Context) error {
	if r.declared.Load() {
		return nil
	}
	if err := r.transport.Declare(ctx, r.queue); err != nil {
		return fmt.Errorf("declare %s: %w", r.queue, err)
	}
	r.declared.Store(true)
	return nil
}

// Submit publishes a task and returns without waiting for it to run.
// The message id is taskID, so redeliveries and status queries share it.
func (r *Runtime) Submit(ctx context.Context, taskID, name string, payload any) error {
	if taskID == "" || name == "" {
		return errors.New("task id and name are required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := r.declare(ctx); err != nil {
		return err
	}

	msg := transport.NewMessage(taskID, r.source, data,
		map[string]string{metadataTaskName: name},
		trace.SpanContextFromContext(ctx))
	if err := r.transport.Publish(ctx, r.queue, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	r.logger.Debug("task submitted", "task_id", taskID, "task", name)
	return nil
}

// Status returns the polled view of a task. Unknown and RUNNING tasks are
// reported as PENDING.
func (r *Runtime) Status(ctx context.Context, taskID string) (*Status, error) {
	rec, err := r.backend.Get(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return &Status{TaskID: taskID, State: StatePending}, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.State.Terminal() {
		return &Status{TaskID: taskID, State: StatePending}, nil
	}
	return &Status{
		TaskID: taskID,
		State:  rec.State,
		Result: rec.Result,
		Error:  rec.Error,
	}, nil
}
