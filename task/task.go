// Package task runs named units of work asynchronously over a queue
// transport and keeps their terminal state in a Backend for polling.
//
// Submit publishes a message whose id is the task id. A Worker consumes the
// queue, marks the task RUNNING, runs the registered Handler and writes a
// terminal SUCCESS or FAILURE record exactly once. Delivery is at least
// once: a worker that dies before acking leaves the message to be
// redelivered, and a redelivered message whose task already has a terminal
// record is acked without running again.
//
//	rt := task.NewRuntime(tr, task.NewRedisBackend(rdb, 24*time.Hour))
//	rt.Register("send_welcome", func(ctx context.Context, t *task.Task) (any, error) {
//	    var in Welcome
//	    if err := t.Decode(&in); err != nil {
//	        return nil, err
//	    }
//	    return nil, send(ctx, in)
//	})
//	w := rt.NewWorker(task.WithConcurrency(4))
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Stop(context.Background())
package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	// ErrNotFound is returned by Backend.Get when no record exists.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyTerminal is returned by Backend.Complete when the task
	// already has a terminal record.
	ErrAlreadyTerminal = errors.New("task already has a terminal state")

	// ErrUnknownTask is recorded when no handler is registered for a name.
	ErrUnknownTask = errors.New("unknown task")

	// ErrWorkerStarted is returned by Start on a running worker.
	ErrWorkerStarted = errors.New("worker already started")
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Terminal reports whether s is SUCCESS or FAILURE.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Record is the stored state of a task.
type Record struct {
	TaskID    string          `json:"task_id" bson:"_id"`
	State     State           `json:"state" bson:"state"`
	Result    json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	Error     string          `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" bson:"updated_at"`
}

// Backend stores task records.
//
// A terminal record is written once and never replaced. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// MarkRunning records that a worker picked the task up. It does not
	// replace a terminal record.
	MarkRunning(ctx context.Context, id string) error

	// Complete writes a terminal record. Returns ErrAlreadyTerminal if one
	// exists.
	Complete(ctx context.Context, rec *Record) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Task is a unit of work handed to a Handler.
type Task struct {
	ID         string
	Name       string
	Payload    json.RawMessage
	RetryCount int
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	return json.Unmarshal(t.Payload, v)
}

// Handler runs a task. The returned value is JSON-encoded into the record.
// A non-nil error yields a FAILURE record that still carries the result,
// if any.
type Handler func(ctx context.Context, t *Task) (any, error)

// Status is the polled view of a task.
type Status struct {
	TaskID string          `json:"task_id"`
	State  State           `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
