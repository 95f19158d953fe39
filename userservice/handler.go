package userservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quizapp/orchestrator/collaborator"
)

// Handler serves the user service API.
type Handler struct {
	store  *Store
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler creates the HTTP handler over store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default().With("component", "user_service")
	}
	h := &Handler{store: store, mux: http.NewServeMux(), logger: logger}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("POST /users", h.handleCreate)
	h.mux.HandleFunc("POST /users/validate", h.handleValidate)
	h.mux.HandleFunc("GET /users/{id}", h.handleGet)
	h.mux.HandleFunc("DELETE /users/{id}/compensate", h.handleCompensate)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreate handles POST /users
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in collaborator.NewUser
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: username, email, password")
		return
	}

	user, err := h.store.Create(r.Context(), in.Username, in.Email, in.Password)
	switch {
	case errors.Is(err, ErrUsernameExists):
		writeError(w, http.StatusBadRequest, "Username already exists")
		return
	case errors.Is(err, ErrEmailExists):
		writeError(w, http.StatusBadRequest, "Email already exists")
		return
	case err != nil:
		h.logger.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create user: "+err.Error())
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

// handleValidate handles POST /users/validate
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing username or password")
		return
	}

	user, err := h.store.Authenticate(r.Context(), in.Username, in.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleGet handles GET /users/{id}
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleCompensate handles DELETE /users/{id}/compensate. It answers 200
// whether or not the account existed.
func (h *Handler) handleCompensate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	username, err := h.store.Delete(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusOK, collaborator.CompensationResponse{
			Success:     true,
			Compensated: true,
			Message:     fmt.Sprintf("User %d does not exist (already deleted or never created)", id),
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to compensate user", "user_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to compensate (delete user): " + err.Error(),
			"user_id": id,
		})
		return
	}

	h.logger.Info("user deleted for compensation", "user_id", id)
	writeJSON(w, http.StatusOK, collaborator.CompensationResponse{
		Success:     true,
		Compensated: true,
		Message:     fmt.Sprintf("User %s (ID: %d) has been deleted for compensation", username, id),
		UserID:      &id,
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
