// Package api serves the orchestrator's HTTP surface: registration intake,
// task status polling, liveness and readiness, and a read-only view of the
// saga journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quizapp/orchestrator/registration"
	"github.com/quizapp/orchestrator/saga"
	"github.com/quizapp/orchestrator/task"
)

// ServiceName is reported by the liveness endpoint.
const ServiceName = "saga_orchestrator"

// DefaultListLimit caps GET /sagas when no limit is given.
const DefaultListLimit = 50

// Registrar queues registration sagas.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (*registration.Submission, error)
}

// StatusQuerier reads the polled view of a task.
type StatusQuerier interface {
	Status(ctx context.Context, taskID string) (*task.Status, error)
}

// Limiter gates intake. ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context) bool
}

// Handler implements http.Handler for the orchestrator.
type Handler struct {
	registrar Registrar
	status    StatusQuerier
	journal   saga.Store
	limiter   Limiter
	readiness http.Handler
	mux       *http.ServeMux
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithJournal exposes the saga journal under /sagas.
func WithJournal(store saga.Store) Option {
	return func(h *Handler) {
		h.journal = store
	}
}

// WithLimiter rejects registrations with 429 when l refuses them.
func WithLimiter(l Limiter) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

// WithReadiness serves h at /health/ready.
func WithReadiness(ready http.Handler) Option {
	return func(h *Handler) {
		h.readiness = ready
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates the orchestrator handler.
func New(registrar Registrar, status StatusQuerier, opts ...Option) *Handler {
	h := &Handler{
		registrar: registrar,
		status:    status,
		mux:       http.NewServeMux(),
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST /saga/register", h.handleRegister)
	h.mux.HandleFunc("GET /saga/status/{task_id}", h.handleStatus)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	if h.readiness != nil {
		h.mux.Handle("GET /health/ready", h.readiness)
	}
	if h.journal != nil {
		h.mux.HandleFunc("GET /sagas", h.handleListSagas)
		h.mux.HandleFunc("GET /sagas/{saga_id}", h.handleGetSaga)
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleRegister handles POST /saga/register
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(r.Context()) {
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// A JSON null decodes cleanly into a nil pointer.
	var req *registration.Request
	if r.Body == nil || json.NewDecoder(r.Body).Decode(&req) != nil || req == nil {
		h.writeError(w, http.StatusBadRequest, "Request body is required")
		return
	}

	sub, err := h.registrar.Register(r.Context(), *req)
	var verr *registration.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, verr.Error())
		return
	case err != nil:
		h.logger.Error("failed to trigger saga", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to trigger saga: "+err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"saga_id": sub.SagaID,
		"status":  sub.Status,
		"task_id": sub.TaskID,
		"message": "Registration saga started",
	})
}

// handleStatus handles GET /saga/status/{task_id}
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	st, err := h.status.Status(r.Context(), taskID)
	if err != nil {
		h.logger.Error("failed to get saga status", "task_id", taskID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to get saga status: "+err.Error())
		return
	}

	resp := map[string]any{
		"task_id": st.TaskID,
		"status":  st.State,
	}
	switch st.State {
	case task.StatePending:
		resp["message"] = "Task is still processing"
	case task.StateSuccess:
		resp["result"] = st.Result
	case task.StateFailure:
		resp["error"] = st.Error
		if len(st.Result) > 0 {
			resp["result"] = st.Result
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

// sagaView is the JSON form of a journal entry
type sagaView struct {
	ID               string     `json:"saga_id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	CurrentStep      int        `json:"current_step"`
	CompletedSteps   []string   `json:"completed_steps"`
	CompensatedSteps []string   `json:"compensated_steps,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func toView(s *saga.State) sagaView {
	completed := s.CompletedSteps
	if completed == nil {
		completed = []string{}
	}
	return sagaView{
		ID:               s.ID,
		Name:             s.Name,
		Status:           string(s.Status),
		CurrentStep:      s.CurrentStep,
		CompletedSteps:   completed,
		CompensatedSteps: s.CompensatedSteps,
		Error:            s.Error,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
	}
}

// handleListSagas handles GET /sagas?name=&status=&limit=
func (h *Handler) handleListSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := saga.StoreFilter{
		Name:  q.Get("name"),
		Limit: DefaultListLimit,
	}
	for _, s := range q["status"] {
		filter.Status = append(filter.Status, saga.Status(s))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	states, err := h.journal.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]sagaView, len(states))
	for i, s := range states {
		views[i] = toView(s)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sagas": views, "count": len(views)})
}

// handleGetSaga handles GET /sagas/{saga_id}
func (h *Handler) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	state, err := h.journal.Get(r.Context(), r.PathValue("saga_id"))
	if errors.Is(err, saga.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "saga not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, toView(state))
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
