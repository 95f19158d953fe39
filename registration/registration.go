// Package registration wires the user registration saga: the two steps that
// create an account and its profile, the entry point that validates and
// submits a registration, and the task handler that runs the saga.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/quizapp/orchestrator/saga"
	"github.com/quizapp/orchestrator/task"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Names used on the queue and in the journal
const (
	TaskName = "orchestrate_registration"
	SagaName = "user_registration"

	// TaskIDPrefix prefixes the saga id to form the task id.
	TaskIDPrefix = "saga_"
)

// requiredFields in reporting order
var requiredFields = []string{"username", "email", "password"}

const requestSchema = `{
  "type": "object",
  "required": ["username", "email", "password"],
  "properties": {
    "username": {"type": "string", "minLength": 1},
    "email":    {"type": "string", "minLength": 1},
    "password": {"type": "string", "minLength": 1}
  }
}`

const schemaURL = "https://quizapp.local/schemas/registration.schema.json"

// Request is a registration request. It travels in the task payload.
type Request struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r Request) asMap() map[string]any {
	return map[string]any{
		"username": r.Username,
		"email":    r.Email,
		"password": r.Password,
	}
}

// ValidationError lists the required fields a request lacks.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "Missing required fields: " + strings.Join(e.Missing, ", ")
}

// Submission is returned once a registration is queued.
type Submission struct {
	SagaID string `json:"saga_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// taskPayload is the body of an orchestrate_registration task.
type taskPayload struct {
	SagaID   string  `json:"saga_id"`
	UserData Request `json:"user_data"`
}

// Submitter queues tasks. *task.Runtime implements it.
type Submitter interface {
	Submit(ctx context.Context, taskID, name string, payload any) error
}

var _ Submitter = (*task.Runtime)(nil)

// Orchestrator is the registration entry point.
type Orchestrator struct {
	submitter Submitter
	schema    *jsonschema.Schema
	logger    *slog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator compiles the request schema and returns an entry point
// that submits through s.
func NewOrchestrator(s Submitter, opts ...Option) (*Orchestrator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("registration schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("registration schema compile failed: %w", err)
	}

	o := &Orchestrator{
		submitter: s,
		schema:    schema,
		logger:    slog.Default().With("component", "registration"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Validate checks that every required field is a non-empty string.
func (o *Orchestrator) Validate(req Request) error {
	doc := req.asMap()
	err := o.schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	failed := make(map[string]bool)
	collectFailures(verr, doc, failed)

	missing := make([]string, 0, len(requiredFields))
	for _, field := range requiredFields {
		if failed[field] {
			missing = append(missing, field)
		}
	}
	return &ValidationError{Missing: missing}
}

// collectFailures walks the leaf causes of a schema error and marks the
// fields they point at.
func collectFailures(verr *jsonschema.ValidationError, doc map[string]any, failed map[string]bool) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectFailures(cause, doc, failed)
		}
		return
	}
	if strings.HasSuffix(verr.KeywordLocation, "/required") {
		for _, field := range requiredFields {
			if _, ok := doc[field]; !ok {
				failed[field] = true
			}
		}
		return
	}
	if field := strings.TrimPrefix(verr.InstanceLocation, "/"); field != "" {
		failed[field] = true
	}
}

// Register validates req and queues the registration saga. It returns as
// soon as the task is published; remote failures surface only through the
// task status.
func (o *Orchestrator) Register(ctx context.Context, req Request) (*Submission, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}

	sagaID := uuid.NewString()
	taskID := TaskIDPrefix + sagaID
	logger := o.logger.With("saga_id", sagaID, "task_id", taskID)

	if err := o.submitter.Submit(ctx, taskID, TaskName, taskPayload{SagaID: sagaID, UserData: req}); err != nil {
		logger.Error("failed to submit registration saga", "error", err)
		return nil, fmt.Errorf("submit registration: %w", err)
	}

	logger.Info("registration saga submitted", "username", req.Username)
	return &Submission{SagaID: sagaID, TaskID: taskID, Status: "pending"}, nil
}

// NewSaga builds the registration saga over the two collaborators.
func NewSaga(users UserService, profiles ProfileService, opts ...saga.Option) (*saga.Saga, error) {
	return saga.New(SagaName, []saga.Step{
		&CreateUserStep{Users: users},
		&CreateProfileStep{Profiles: profiles},
	}, opts...)
}

// NewHandler returns the task handler that runs s for each registration. A
// failed saga is a task failure that still carries the outcome.
func NewHandler(s *saga.Saga) task.Handler {
	return func(ctx context.Context, t *task.Task) (any, error) {
		var p taskPayload
		if err := t.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode registration payload: %w", err)
		}
		if p.SagaID == "" {
			p.SagaID = strings.TrimPrefix(t.ID, TaskIDPrefix)
		}

		outcome := s.Run(ctx, p.SagaID, p.UserData.asMap())
		if !outcome.Success {
			return outcome, errors.New(outcome.Error)
		}
		return outcome, nil
	}
}

// DecodeOutcome unmarshals a task result produced by the registration handler.
func DecodeOutcome(data json.RawMessage) (*saga.Outcome, error) {
	var outcome saga.Outcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}
