package profileservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quizapp/orchestrator/collaborator"
)

// Handler serves the profile endpoints of the quiz service.
type Handler struct {
	store  *Store
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler creates the HTTP handler over store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default().With("component", "profile_service")
	}
	h := &Handler{store: store, mux: http.NewServeMux(), logger: logger}

	h.mux.HandleFunc("GET /api/health", h.handleHealth)
	h.mux.HandleFunc("POST /api/users/profile", h.handleCreate)
	h.mux.HandleFunc("GET /api/users/{id}/profile", h.handleGet)
	h.mux.HandleFunc("DELETE /api/users/{id}/profile/compensate", h.handleCompensate)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	UserID             int64 `json:"user_id"`
	DefaultPreferences struct {
		NotificationsEnabled *bool  `json:"notifications_enabled"`
		DefaultCategory      *int64 `json:"default_category"`
	} `json:"default_preferences"`
}

// handleCreate handles POST /api/users/profile
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in *createRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in == nil {
		writeError(w, http.StatusBadRequest, "Request body is required")
		return
	}
	if in.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	notifications := true
	if in.DefaultPreferences.NotificationsEnabled != nil {
		notifications = *in.DefaultPreferences.NotificationsEnabled
	}

	profile, err := h.store.Create(r.Context(), in.UserID, notifications, in.DefaultPreferences.DefaultCategory)
	var exists *ExistsError
	switch {
	case errors.As(err, &exists):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   fmt.Sprintf("Profile for user_id %d already exists", in.UserID),
			"profile": exists.Profile,
		})
		return
	case errors.Is(err, ErrCategoryNotFound):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Category %d does not exist", *in.DefaultPreferences.DefaultCategory))
		return
	case err != nil:
		h.logger.Error("failed to create user profile", "user_id", in.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create user profile: "+err.Error())
		return
	}

	h.logger.Info("user profile created", "user_id", in.UserID, "profile_id", profile.ID)
	writeJSON(w, http.StatusCreated, profile)
}

// handleGet handles GET /api/users/{id}/profile
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	profile, err := h.store.Get(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Profile for user_id %d not found", userID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user profile: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleCompensate handles DELETE /api/users/{id}/profile/compensate. It
// answers 200 whether or not the profile existed.
func (h *Handler) handleCompensate(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}

	profileID, err := h.store.Delete(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusOK, collaborator.CompensationResponse{
			Success:     true,
			Compensated: true,
			Message:     fmt.Sprintf("Profile for user_id %d does not exist (already deleted or never created)", userID),
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to compensate profile", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to compensate (delete profile): " + err.Error(),
			"user_id": userID,
		})
		return
	}

	h.logger.Info("user profile deleted for compensation", "user_id", userID, "profile_id", profileID)
	writeJSON(w, http.StatusOK, collaborator.CompensationResponse{
		Success:     true,
		Compensated: true,
		Message:     fmt.Sprintf("Profile for user_id %d has been deleted for compensation", userID),
		UserID:      &userID,
		ProfileID:   &profileID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
