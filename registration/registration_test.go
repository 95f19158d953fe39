package registration

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"syreclabs.com/go/faker"
)

// submitRecorder is a Submitter that records calls
type submitRecorder struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

type submitCall struct {
	taskID  string
	name    string
	payload any
}

func (s *submitRecorder) Submit(ctx context.Context, taskID, name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submitCall{taskID: taskID, name: name, payload: payload})
	return s.err
}

func randomRequest() Request {
	return Request{
		Username: faker.Internet().UserName(),
		Email:    faker.Internet().Email(),
		Password: faker.Internet().Password(8, 16),
	}
}

func TestValidate(t *testing.T) {
	o, err := NewOrchestrator(&submitRecorder{})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	tests := []struct {
		name    string
		req     Request
		missing []string
	}{
		{name: "complete request", req: Request{Username: "ada", Email: "ada@example.com", Password: "pw"}},
		{name: "missing email", req: Request{Username: "ada", Password: "pw"}, missing: []string{"email"}},
		{name: "missing all", req: Request{}, missing: []string{"username", "email", "password"}},
		{name: "missing username and password", req: Request{Email: "ada@example.com"}, missing: []string{"username", "password"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Validate(tt.req)
			if tt.missing == nil {
				if err != nil {
					t.Errorf("expected valid request, got %v", err)
				}
				return
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if diff := cmp.Diff(tt.missing, verr.Missing); diff != "" {
				t.Errorf("missing fields mismatch (-want +got):\n%s", diff)
			}
			want := "Missing required fields: " + strings.Join(tt.missing, ", ")
			if verr.Error() != want {
				t.Errorf("expected message %q, got %q", want, verr.Error())
			}
		})
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("submits orchestration task", func(t *testing.T) {
		rec := &submitRecorder{}
		o, _ := NewOrchestrator(rec)
		req := randomRequest()

		sub, err := o.Register(ctx, req)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if _, err := uuid.Parse(sub.SagaID); err != nil {
			t.Errorf("saga id is not a uuid: %q", sub.SagaID)
		}
		if sub.TaskID != "saga_"+sub.SagaID || sub.Status != "pending" {
			t.Errorf("unexpected submission %+v", sub)
		}

		if len(rec.calls) != 1 {
			t.Fatalf("expected 1 submit, got %d", len(rec.calls))
		}
		call := rec.calls[0]
		if call.taskID != sub.TaskID || call.name != TaskName {
			t.Errorf("unexpected submit %+v", call)
		}

		data, _ := json.Marshal(call.payload)
		var payload map[string]any
		json.Unmarshal(data, &payload)
		want := map[string]any{
			"saga_id": sub.SagaID,
			"user_data": map[string]any{
				"username": req.Username,
				"email":    req.Email,
				"password": req.Password,
			},
		}
		if diff := cmp.Diff(want, payload); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("saga ids are unique", func(t *testing.T) {
		o, _ := NewOrchestrator(&submitRecorder{})
		first, _ := o.Register(ctx, randomRequest())
		second, _ := o.Register(ctx, randomRequest())
		if first.SagaID == second.SagaID {
			t.Error("saga id reused")
		}
	})

	t.Run("invalid request is not submitted", func(t *testing.T) {
		rec := &submitRecorder{}
		o, _ := NewOrchestrator(rec)

		_, err := o.Register(ctx, Request{Username: "ada"})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if len(rec.calls) != 0 {
			t.Error("invalid request was submitted")
		}
	})

	t.Run("submit failure is returned", func(t *testing.T) {
		o, _ := NewOrchestrator(&submitRecorder{err: errors.New("broker down")})
		_, err := o.Register(ctx, randomRequest())
		if err == nil || !strings.Contains(err.Error(), "broker down") {
			t.Errorf("expected submit error, got %v", err)
		}
	})
}
