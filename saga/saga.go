// Package saga runs a fixed sequence of steps against remote services and,
// when a step fails, undoes the steps that already succeeded.
//
// Each step's forward action returns a StepResult. A successful result
// pushes a CompensationEntry; a failed one stops the run and pops the stack
// in reverse order, calling each step's Undo. Undo failures are recorded in
// the Outcome and never stop the sweep. Panics inside steps are recovered
// and treated as KindInternal failures.
//
//	s, err := saga.New("user_registration", []saga.Step{createUser, createProfile},
//	    saga.WithStepTimeout(10*time.Second),
//	    saga.WithStore(saga.NewRedisStore(rdb).WithTTL(24*time.Hour)),
//	)
//	if err != nil {
//	    return err
//	}
//	outcome := s.Run(ctx, sagaID, input)
//
// A run never returns an error: a failed saga is a normal Outcome.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/quizapp/orchestrator/saga"

// Errors returned by New
var (
	ErrNameRequired = errors.New("saga name is required")
	ErrNoSteps      = errors.New("saga requires at least one step")
	ErrNilStep      = errors.New("saga step is nil")
)

// CompensationResult is the recorded outcome of one Undo call.
type CompensationResult struct {
	StepIndex int    `json:"step_index"`
	Step      string `json:"step"`
	UndoResult
}

// CompensationReport lists the undo calls of a failed run in the order
// they ran.
type CompensationReport struct {
	Executed bool                 `json:"executed"`
	Steps    []CompensationResult `json:"steps"`
}

// Outcome is the result of a saga run. Exactly one of Result or Error is
// set.
type Outcome struct {
	SagaID  string `json:"saga_id"`
	Success bool   `json:"success"`

	// FailedStep is the 1-based position of the failed step, 0 on success.
	FailedStep int `json:"failed_step,omitempty"`

	Error string `json:"error,omitempty"`

	// Ambiguous is set when the failed step could not tell whether the
	// remote side applied the request.
	Ambiguous bool `json:"ambiguous,omitempty"`

	// Compensation is nil when nothing had to be undone.
	Compensation *CompensationReport `json:"compensation,omitempty"`

	// Result merges every step's payload; later steps win on key collision.
	Result map[string]any `json:"result,omitempty"`
}

// Option configures a Saga.
type Option func(*Saga)

// WithStepTimeout bounds each forward and undo call.
func WithStepTimeout(d time.Duration) Option {
	return func(s *Saga) {
		if d > 0 {
			s.stepTimeout = d
		}
	}
}

// WithStore journals run progress to store. Journal writes are best effort:
// a failing store is logged and never fails the run.
func WithStore(store Store) Option {
	return func(s *Saga) {
		s.store = store
	}
}

// WithMetrics records OpenTelemetry metrics for runs, steps and
// compensations.
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(s *Saga) {
		s.metrics = recorder
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saga) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Saga is an immutable saga definition. Run is safe for concurrent use.
type Saga struct {
	name        string
	steps       []Step
	store       Store
	metrics     *MetricsRecorder
	logger      *slog.Logger
	stepTimeout time.Duration
}

// New creates a new saga definition. Steps run in the given order.
func New(name string, steps []Step, opts ...Option) (*Saga, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("%w: index %d", ErrNilStep, i)
		}
	}

	s := &Saga{
		name:   name,
		steps:  append([]Step(nil), steps...),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("saga", name)
	return s, nil
}

// Name returns the saga name.
func (s *Saga) Name() string {
	return s.name
}

// Steps returns a copy of the saga steps.
func (s *Saga) Steps() []Step {
	return append([]Step(nil), s.steps...)
}

// Run executes the steps in order with input as the first step's input.
func (s *Saga) Run(ctx context.Context, sagaID string, input map[string]any) *Outcome {
	start := time.Now()
	logger := s.logger.With("saga_id", sagaID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.run",
		trace.WithAttributes(
			attribute.String("saga.name", s.name),
			attribute.String("saga.id", sagaID)))
	defer span.End()

	if s.metrics != nil {
		s.metrics.RecordSagaStart(ctx, s.name)
	}

	state := &State{
		ID:            sagaID,
		Name:          s.name,
		Status:        StatusRunning,
		StartedAt:     start,
		LastUpdatedAt: start,
	}
	s.beginJournal(ctx, logger, state)

	logger.Info("saga started", "steps", len(s.steps))

	stack := make([]CompensationEntry, 0, len(s.steps))
	merged := make(map[string]any)
	current := input

	for i, step := range s.steps {
		state.CurrentStep = i
		stepLogger := logger.With("step", step.Name(), "step_index", i)
		stepLogger.Info("executing step")

		result := s.execStep(ctx, sagaID, i, step, current)

		if !result.Success {
			ambiguous := result.Kind.Ambiguous()
			stepLogger.Error("step failed",
				"error", result.Error,
				"kind", string(result.Kind),
				"ambiguous", ambiguous)

			state.Status = StatusCompensating
			state.Error = result.Error
			s.journal(ctx, logger, state)

			report := s.compensate(ctx, sagaID, stack, state, logger)

			now := time.Now()
			state.Status = StatusCompensated
			state.CompletedAt = &now
			s.journal(ctx, logger, state)

			outcome := &Outcome{
				SagaID:       sagaID,
				FailedStep:   i + 1,
				Error:        result.Error,
				Ambiguous:    ambiguous,
				Compensation: report,
			}
			if ambiguous {
				outcome.Error += "; remote state unknown"
			}

			span.SetStatus(codes.Error, result.Error)
			span.SetAttributes(attribute.Int("saga.failed_step", i+1))
			s.recordEnd(ctx, StatusCompensated, start)
			logger.Warn("saga failed", "failed_step", i+1, "compensated", len(stack))
			return outcome
		}

		stack = append(stack, CompensationEntry{
			StepIndex:        i,
			Step:             step.Name(),
			CompensationData: result.CompensationData,
		})
		maps.Copy(merged, result.Payload)
		current = result.Payload

		state.CompletedSteps = append(state.CompletedSteps, step.Name())
		s.journal(ctx, logger, state)

		stepLogger.Debug("step completed")
	}

	now := time.Now()
	state.Status = StatusCompleted
	state.CompletedAt = &now
	s.journal(ctx, logger, state)

	s.recordEnd(ctx, StatusCompleted, start)
	logger.Info("saga completed", "steps", len(s.steps), "duration", time.Since(start))

	return &Outcome{
		SagaID:  sagaID,
		Success: true,
		Result:  merged,
	}
}

// execStep runs one forward action, converting panics and malformed results
// into failures.
func (s *Saga) execStep(ctx context.Context, sagaID string, index int, step Step, input map[string]any) (result StepResult) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.step",
		trace.WithAttributes(
			attribute.String("saga.step", step.Name()),
			attribute.Int("saga.step_index", index)))

	defer func() {
		if r := recover(); r != nil {
			result = Failed(KindInternal, fmt.Errorf("step %s panicked: %v", step.Name(), r))
		}
		if !result.Success {
			if result.Error == "" {
				result.Error = fmt.Sprintf("step %s failed", step.Name())
			}
			if result.Kind == "" {
				result.Kind = KindInternal
			}
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
		if s.metrics != nil {
			s.metrics.RecordStepExecution(ctx, s.name, step.Name(), result, time.Since(start))
		}
	}()

	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()
	}

	return step.Exec(ctx, sagaID, input)
}

// compensate pops the stack in LIFO order. It returns nil when the stack is
// empty.
func (s *Saga) compensate(ctx context.Context, sagaID string, stack []CompensationEntry, state *State, logger *slog.Logger) *CompensationReport {
	if len(stack) == 0 {
		logger.Info("nothing to compensate")
		return nil
	}

	// Undo must run even when the run's context is done.
	ctx = context.WithoutCancel(ctx)

	logger.Info("starting compensation", "steps_to_compensate", len(stack))

	report := &CompensationReport{
		Executed: true,
		Steps:    make([]CompensationResult, 0, len(stack)),
	}

	for i := len(stack) - 1; i >= 0; i-- {
		entry := stack[i]
		step := s.steps[entry.StepIndex]

		result := s.undoStep(ctx, sagaID, step, entry)
		report.Steps = append(report.Steps, CompensationResult{
			StepIndex:  entry.StepIndex,
			Step:       entry.Step,
			UndoResult: result,
		})
		state.CompensatedSteps = append(state.CompensatedSteps, entry.Step)

		if s.metrics != nil {
			s.metrics.RecordCompensation(ctx, s.name, entry.Step, result)
		}

		if result.Success {
			logger.Info("compensated step", "step", entry.Step, "step_index", entry.StepIndex,
				"skipped", result.Skipped, "note", result.Note)
		} else {
			logger.Error("compensation failed", "step", entry.Step, "step_index", entry.StepIndex,
				"error", result.Error)
		}
	}

	logger.Info("compensation finished")
	return report
}

func (s *Saga) undoStep(ctx context.Context, sagaID string, step Step, entry CompensationEntry) (result UndoResult) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "saga.undo",
		trace.WithAttributes(
			attribute.String("saga.step", entry.Step),
			attribute.Int("saga.step_index", entry.StepIndex)))

	defer func() {
		if r := recover(); r != nil {
			result = UndoResult{Error: fmt.Sprintf("undo of %s panicked: %v", entry.Step, r)}
		}
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
	}()

	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()
	}

	return step.Undo(ctx, sagaID, entry.CompensationData)
}

func (s *Saga) recordEnd(ctx context.Context, status Status, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordSagaEnd(ctx, s.name, status, time.Since(start))
	}
}

// beginJournal records a new run, overwriting any entry of a previous run
// with the same id.
func (s *Saga) beginJournal(ctx context.Context, logger *slog.Logger, state *State) {
	if s.store == nil {
		return
	}
	err := s.store.Create(ctx, state)
	if errors.Is(err, ErrSagaExists) {
		logger.Warn("saga id already journaled, overwriting")
		err = s.store.Update(ctx, state)
	}
	if err != nil {
		logger.Error("failed to journal saga state", "error", err)
	}
}

// journal updates the journal entry if a store is configured
func (s *Saga) journal(ctx context.Context, logger *slog.Logger, state *State) {
	if s.store == nil {
		return
	}
	state.LastUpdatedAt = time.Now()
	if err := s.store.Update(ctx, state); err != nil {
		logger.Error("failed to update saga state", "status", state.Status, "error", err)
	}
}
