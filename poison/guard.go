package poison

import (
	"context"
	"fmt"
	"time"
)

// Defaults for NewGuard
const (
	DefaultMaxFailures = 5
	DefaultQuarantine  = 24 * time.Hour
)

// Error reports a task whose deliveries are quarantined.
type Error struct {
	TaskID string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s quarantined: %s", e.TaskID, e.Reason)
}

// Is matches any *Error, so errors.Is(err, &poison.Error{}) works.
func (e *Error) Is(target error) bool {
	_, ok := target.(*Error)
	return ok
}

// Guard stops a task whose deliveries keep failing from cycling through
// the queue forever. A failed delivery is one the worker handed back for
// redelivery, such as a result that could not be stored. After
// maxFailures of them the task is quarantined and further deliveries are
// refused until the quarantine expires.
type Guard struct {
	store       Store
	maxFailures int
	quarantine  time.Duration
}

// Option configures a Guard
type Option func(*Guard)

// WithMaxFailures sets how many failed deliveries trigger quarantine.
func WithMaxFailures(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxFailures = n
		}
	}
}

// WithQuarantine sets how long a quarantined task stays blocked.
func WithQuarantine(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.quarantine = d
		}
	}
}

// NewGuard creates a guard backed by store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:       store,
		maxFailures: DefaultMaxFailures,
		quarantine:  DefaultQuarantine,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit returns an *Error when taskID is quarantined. Other errors come
// from the store; callers may choose to process the delivery anyway.
func (g *Guard) Admit(ctx context.Context, taskID string) error {
	reason, quarantined, err := g.store.Quarantined(ctx, taskID)
	if err != nil {
		return fmt.Errorf("check quarantine: %w", err)
	}
	if quarantined {
		return &Error{TaskID: taskID, Reason: reason}
	}
	return nil
}

// Failed records a failed delivery and reports whether it pushed the task
// into quarantine.
func (g *Guard) Failed(ctx context.Context, taskID string, cause error) (bool, error) {
	count, err := g.store.IncrementFailures(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("increment failures: %w", err)
	}
	if count < g.maxFailures {
		return false, nil
	}

	reason := fmt.Sprintf("%d failed deliveries", count)
	if cause != nil {
		reason += ", last error: " + cause.Error()
	}
	if err := g.store.Quarantine(ctx, taskID, reason, g.quarantine); err != nil {
		return true, fmt.Errorf("quarantine: %w", err)
	}
	return true, nil
}

// Succeeded forgets earlier failures of taskID.
func (g *Guard) Succeeded(ctx context.Context, taskID string) error {
	return g.store.ResetFailures(ctx, taskID)
}

// Release lifts a quarantine and resets the failure count.
func (g *Guard) Release(ctx context.Context, taskID string) error {
	if err := g.store.Release(ctx, taskID); err != nil {
		return err
	}
	return g.store.ResetFailures(ctx, taskID)
}

// MaxFailures returns the quarantine threshold.
func (g *Guard) MaxFailures() int {
	return g.maxFailures
}
