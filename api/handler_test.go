package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quizapp/orchestrator/health"
	"github.com/quizapp/orchestrator/registration"
	"github.com/quizapp/orchestrator/saga"
	"github.com/quizapp/orchestrator/task"
	"github.com/quizapp/orchestrator/transport/channel"
	"syreclabs.com/go/faker"
)

// failingSubmitter always refuses to publish
type failingSubmitter struct{}

func (failingSubmitter) Submit(ctx context.Context, taskID, name string, payload any) error {
	return errors.New("broker unavailable")
}

// brokenStatus fails every lookup
type brokenStatus struct{}

func (brokenStatus) Status(ctx context.Context, taskID string) (*task.Status, error) {
	return nil, errors.New("redis: connection refused")
}

// countingLimiter allows the first n calls
type countingLimiter struct {
	mu    sync.Mutex
	left  int
	calls int
}

func (l *countingLimiter) Allow(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.left == 0 {
		return false
	}
	l.left--
	return true
}

type fixture struct {
	handler *Handler
	runtime *task.Runtime
	backend *task.MemoryBackend
	journal *saga.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	tr := channel.New()
	t.Cleanup(func() { tr.Close(context.Background()) })

	backend := task.NewMemoryBackend(time.Hour)
	runtime := task.NewRuntime(tr, backend)
	orch, err := registration.NewOrchestrator(runtime)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	journal := saga.NewMemoryStore()

	opts = append([]Option{WithJournal(journal)}, opts...)
	return &fixture{
		handler: New(orch, runtime, opts...),
		runtime: runtime,
		backend: backend,
		journal: journal,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %q", w.Body.String())
	}
	return w.Code, resp
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	t.Run("accepted", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"username": faker.Internet().UserName(),
			"email":    faker.Internet().Email(),
			"password": faker.Internet().Password(8, 16),
		})
		code, resp := do(t, f.handler, http.MethodPost, "/saga/register", string(body))
		if code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %v", code, resp)
		}
		sagaID, _ := resp["saga_id"].(string)
		if sagaID == "" || resp["task_id"] != registration.TaskIDPrefix+sagaID {
			t.Errorf("unexpected ids in %v", resp)
		}
		if resp["status"] != "pending" || resp["message"] != "Registration saga started" {
			t.Errorf("unexpected response %v", resp)
		}
	})

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "no body", body: "", want: "Request body is required"},
		{name: "invalid JSON", body: "{not json", want: "Request body is required"},
		{name: "null body", body: "null", want: "Request body is required"},
		{name: "missing fields", body: `{"username":"ada"}`, want: "Missing required fields: email, password"},
		{name: "empty strings count as missing", body: `{"username":"","email":"a@b.c","password":"pw"}`, want: "Missing required fields: username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := do(t, f.handler, http.MethodPost, "/saga/register", tt.body)
			if code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", code)
			}
			if resp["error"] != tt.want {
				t.Errorf("expected %q, got %v", tt.want, resp["error"])
			}
		})
	}

	t.Run("submission failure", func(t *testing.T) {
		orch, _ := registration.NewOrchestrator(failingSubmitter{})
		h := New(orch, f.runtime)
		code, resp := do(t, h, http.MethodPost, "/saga/register", `{"username":"ada","email":"a@b.c","password":"pw"}`)
		if code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", code)
		}
		msg, _ := resp["error"].(string)
		if !strings.HasPrefix(msg, "Failed to trigger saga: ") || !strings.Contains(msg, "broker unavailable") {
			t.Errorf("unexpected error %q", msg)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/saga/register", nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", w.Code)
		}
	})
}

func TestRegisterRateLimited(t *testing.T) {
	limiter := &countingLimiter{left: 1}
	f := newFixture(t, WithLimiter(limiter))
	body := `{"username":"ada","email":"a@b.c","password":"pw"}`

	if code, _ := do(t, f.handler, http.MethodPost, "/saga/register", body); code != http.StatusAccepted {
		t.Fatalf("expected first request accepted, got %d", code)
	}
	code, resp := do(t, f.handler, http.MethodPost, "/saga/register", body)
	if code != http.StatusTooManyRequests || resp["error"] != "rate limit exceeded" {
		t.Errorf("expected 429, got %d %v", code, resp)
	}
	if limiter.calls != 2 {
		t.Errorf("expected limiter consulted twice, got %d", limiter.calls)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.backend.MarkRunning(ctx, "saga_running")
	f.backend.Complete(ctx, &task.Record{
		TaskID: "saga_ok",
		State:  task.StateSuccess,
		Result: json.RawMessage(`{"success":true,"user_id":42}`),
	})
	f.backend.Complete(ctx, &task.Record{
		TaskID: "saga_failed",
		State:  task.StateFailure,
		Error:  "Quiz service communication error",
		Result: json.RawMessage(`{"success":false,"failed_step":2}`),
	})
	f.backend.Complete(ctx, &task.Record{
		TaskID: "saga_crashed",
		State:  task.StateFailure,
		Error:  "panic: boom",
	})

	tests := []struct {
		id   string
		want map[string]any
	}{
		{id: "saga_unknown", want: map[string]any{"task_id": "saga_unknown", "status": "PENDING", "message": "Task is still processing"}},
		{id: "saga_running", want: map[string]any{"task_id": "saga_running", "status": "PENDING", "message": "Task is still processing"}},
		{id: "saga_ok", want: map[string]any{"task_id": "saga_ok", "status": "SUCCESS", "result": map[string]any{"success": true, "user_id": float64(42)}}},
		{id: "saga_failed", want: map[string]any{
			"task_id": "saga_failed",
			"status":  "FAILURE",
			"error":   "Quiz service communication error",
			"result":  map[string]any{"success": false, "failed_step": float64(2)},
		}},
		{id: "saga_crashed", want: map[string]any{"task_id": "saga_crashed", "status": "FAILURE", "error": "panic: boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			code, resp := do(t, f.handler, http.MethodGet, "/saga/status/"+tt.id, "")
			if code != http.StatusOK {
				t.Fatalf("expected 200, got %d", code)
			}
			if diff := cmp.Diff(tt.want, resp); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("backend error", func(t *testing.T) {
		orch, _ := registration.NewOrchestrator(failingSubmitter{})
		h := New(orch, brokenStatus{})
		code, resp := do(t, h, http.MethodGet, "/saga/status/saga_x", "")
		if code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", code)
		}
		if resp["error"] != "Failed to get saga status: redis: connection refused" {
			t.Errorf("unexpected error %v", resp["error"])
		}
	})
}

func TestHealth(t *testing.T) {
	registry := health.New(ServiceName)
	var ready bool
	registry.Register("backend", health.PingCheck(pingFunc(func(ctx context.Context) error {
		if !ready {
			return errors.New("not ready")
		}
		return nil
	})))
	f := newFixture(t, WithReadiness(registry.Handler()))

	code, resp := do(t, f.handler, http.MethodGet, "/health", "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if diff := cmp.Diff(map[string]any{"status": "ok", "service": "saga_orchestrator"}, resp); diff != "" {
		t.Errorf("liveness mismatch (-want +got):\n%s", diff)
	}

	if code, _ := do(t, f.handler, http.MethodGet, "/health/ready", ""); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", code)
	}
	ready = true
	if code, resp := do(t, f.handler, http.MethodGet, "/health/ready", ""); code != http.StatusOK || resp["status"] != "healthy" {
		t.Errorf("expected 200 healthy, got %d %v", code, resp)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestJournal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Now().Add(-time.Minute)

	for i, status := range []saga.Status{saga.StatusCompleted, saga.StatusCompensated, saga.StatusCompleted} {
		f.journal.Create(ctx, &saga.State{
			ID:             "saga-" + string(rune('1'+i)),
			Name:           registration.SagaName,
			Status:         status,
			CompletedSteps: []string{"create_user"},
			StartedAt:      base.Add(time.Duration(i) * time.Second),
			LastUpdatedAt:  base,
		})
	}

	t.Run("list newest first", func(t *testing.T) {
		code, resp := do(t, f.handler, http.MethodGet, "/sagas", "")
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		sagas := resp["sagas"].([]any)
		if len(sagas) != 3 || sagas[0].(map[string]any)["saga_id"] != "saga-3" {
			t.Errorf("unexpected list %v", sagas)
		}
	})

	t.Run("list filtered by status", func(t *testing.T) {
		_, resp := do(t, f.handler, http.MethodGet, "/sagas?status=compensated", "")
		if resp["count"] != float64(1) {
			t.Errorf("expected 1 compensated saga, got %v", resp["count"])
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		if code, _ := do(t, f.handler, http.MethodGet, "/sagas?limit=-1", ""); code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", code)
		}
	})

	t.Run("get one", func(t *testing.T) {
		code, resp := do(t, f.handler, http.MethodGet, "/sagas/saga-2", "")
		if code != http.StatusOK || resp["status"] != "compensated" {
			t.Errorf("unexpected response %d %v", code, resp)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		code, resp := do(t, f.handler, http.MethodGet, "/sagas/nope", "")
		if code != http.StatusNotFound || resp["error"] != "saga not found" {
			t.Errorf("unexpected response %d %v", code, resp)
		}
	})

	t.Run("journal routes absent without a journal", func(t *testing.T) {
		h := New(nil, f.runtime)
		req := httptest.NewRequest(http.MethodGet, "/sagas", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}
