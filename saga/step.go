package saga

import (
	"context"
	"fmt"
)

// ErrorKind classifies why a step failed.
type ErrorKind string

const (
	// KindRejected means the remote service answered and refused the request.
	KindRejected ErrorKind = "rejected"

	// KindTransport means the remote service could not be reached or did not
	// answer in time. The remote state is unknown.
	KindTransport ErrorKind = "transport"

	// KindInternal means the step itself failed, including a recovered panic.
	KindInternal ErrorKind = "internal"
)

// Ambiguous reports whether a failure of this kind leaves the remote state
// unknown.
func (k ErrorKind) Ambiguous() bool {
	return k == KindTransport
}

// StepResult is the outcome of a step's forward action. Build it with
// Succeeded or Failed.
type StepResult struct {
	Success bool `json:"success"`

	// Payload is the step's output. It becomes the next step's input and is
	// merged into the saga result.
	Payload map[string]any `json:"payload,omitempty"`

	// CompensationData is what Undo needs to reverse the step.
	CompensationData map[string]any `json:"compensation_data,omitempty"`

	Error string    `json:"error,omitempty"`
	Kind  ErrorKind `json:"kind,omitempty"`
}

// Succeeded builds a successful StepResult.
func Succeeded(payload, compensationData map[string]any) StepResult {
	return StepResult{
		Success:          true,
		Payload:          payload,
		CompensationData: compensationData,
	}
}

// Failed builds a failed StepResult. A nil err yields a generic message.
func Failed(kind ErrorKind, err error) StepResult {
	msg := "step failed"
	if err != nil {
		msg = err.Error()
	}
	return StepResult{Kind: kind, Error: msg}
}

// UndoResult is the outcome of a compensating action.
type UndoResult struct {
	Success bool           `json:"success"`
	Skipped bool           `json:"skipped,omitempty"`
	Note    string         `json:"note,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// CompensationEntry is pushed after a step succeeds and popped LIFO when a
// later step fails.
type CompensationEntry struct {
	StepIndex        int            `json:"step_index"`
	Step             string         `json:"step"`
	CompensationData map[string]any `json:"compensation_data,omitempty"`
}

// Step is one unit of a saga.
//
// Exec receives the previous step's payload, or the saga input for the first
// step. Undo receives the CompensationData of a successful Exec and must be
// idempotent: undoing something that no longer exists succeeds.
//
// Steps are shared between concurrent runs and must hold no per-run state.
type Step interface {
	Name() string
	Exec(ctx context.Context, sagaID string, input map[string]any) StepResult
	Undo(ctx context.Context, sagaID string, data map[string]any) UndoResult
}

// StepFunc adapts a pair of functions to a Step.
//
// Example:
//
//	step := saga.StepFunc{
//	    StepName: "reserve",
//	    ExecFn: func(ctx context.Context, sagaID string, in map[string]any) saga.StepResult {
//	        return saga.Succeeded(map[string]any{"id": 1}, map[string]any{"id": 1})
//	    },
//	}
type StepFunc struct {
	StepName string
	ExecFn   func(ctx context.Context, sagaID string, input map[string]any) StepResult
	UndoFn   func(ctx context.Context, sagaID string, data map[string]any) UndoResult
}

func (f StepFunc) Name() string {
	return f.StepName
}

func (f StepFunc) Exec(ctx context.Context, sagaID string, input map[string]any) StepResult {
	if f.ExecFn == nil {
		return Failed(KindInternal, fmt.Errorf("step %s has no forward action", f.StepName))
	}
	return f.ExecFn(ctx, sagaID, input)
}

// Undo of a StepFunc without UndoFn is a skipped success.
func (f StepFunc) Undo(ctx context.Context, sagaID string, data map[string]any) UndoResult {
	if f.UndoFn == nil {
		return UndoResult{Success: true, Skipped: true}
	}
	return f.UndoFn(ctx, sagaID, data)
}

var _ Step = StepFunc{}
