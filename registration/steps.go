package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/quizapp/orchestrator/collaborator"
	"github.com/quizapp/orchestrator/saga"
)

// Step names
const (
	StepCreateUser    = "create_user"
	StepCreateProfile = "create_user_profile"
)

// UserService is the part of the user service the saga calls.
type UserService interface {
	CreateUser(ctx context.Context, in collaborator.NewUser) (*collaborator.User, error)
	DeleteUser(ctx context.Context, id int64) (*collaborator.CompensationResponse, error)
}

// ProfileService is the part of the profile service the saga calls.
type ProfileService interface {
	CreateProfile(ctx context.Context, userID int64, prefs collaborator.Preferences) (*collaborator.Profile, error)
	DeleteProfile(ctx context.Context, userID int64) (*collaborator.CompensationResponse, error)
}

var (
	_ UserService    = (*collaborator.UserClient)(nil)
	_ ProfileService = (*collaborator.ProfileClient)(nil)
)

// classify maps a collaborator error to a step failure. rejected and
// transport are the message prefixes for each kind.
func classify(err error, rejected, transport, step string) saga.StepResult {
	var remote *collaborator.RemoteError
	switch {
	case errors.As(err, &remote):
		return saga.Failed(saga.KindRejected, fmt.Errorf("%s: %s", rejected, remote.Message))
	case errors.Is(err, collaborator.ErrTransport):
		return saga.Failed(saga.KindTransport, fmt.Errorf("%s: %v", transport, err))
	default:
		return saga.Failed(saga.KindInternal, fmt.Errorf("Unexpected error in %s: %v", step, err))
	}
}

// userIDFrom reads a non-zero user_id from step data. Values may be native
// integers or decoded JSON.
func userIDFrom(data map[string]any) (int64, bool) {
	var id int64
	switch v := data["user_id"].(type) {
	case int64:
		id = v
	case int:
		id = int64(v)
	case float64:
		id = int64(v)
	case json.Number:
		id, _ = v.Int64()
	case string:
		id, _ = strconv.ParseInt(v, 10, 64)
	}
	return id, id != 0
}

func stringFrom(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// CreateUserStep creates the account in the user service.
type CreateUserStep struct {
	Users  UserService
	Logger *slog.Logger
}

func (s *CreateUserStep) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *CreateUserStep) Name() string { return StepCreateUser }

// Exec posts the user. The payload carries user_id and the created user;
// compensation needs only user_id.
func (s *CreateUserStep) Exec(ctx context.Context, sagaID string, input map[string]any) saga.StepResult {
	user, err := s.Users.CreateUser(ctx, collaborator.NewUser{
		Username: stringFrom(input, "username"),
		Email:    stringFrom(input, "email"),
		Password: stringFrom(input, "password"),
	})
	if err != nil {
		return classify(err, "Failed to create user", "User service communication error", StepCreateUser)
	}

	s.logger().Info("user created", "saga_id", sagaID, "user_id", user.ID)
	return saga.Succeeded(
		map[string]any{"user_id": user.ID, "user": user},
		map[string]any{"user_id": user.ID},
	)
}

// Undo deletes the account. The user service answers 200 for accounts that
// are already gone.
func (s *CreateUserStep) Undo(ctx context.Context, sagaID string, data map[string]any) saga.UndoResult {
	id, ok := userIDFrom(data)
	if !ok {
		s.logger().Warn("no user_id to compensate, skipping", "saga_id", sagaID)
		return saga.UndoResult{Success: true, Skipped: true}
	}

	if _, err := s.Users.DeleteUser(ctx, id); err != nil {
		msg := err.Error()
		s.logger().Error("user compensation failed", "saga_id", sagaID, "user_id", id, "error", msg)
		return saga.UndoResult{Success: false, Error: msg}
	}
	return saga.UndoResult{Success: true, Details: map[string]any{"user_id": id}}
}

// CreateProfileStep creates the user's profile in the profile service.
type CreateProfileStep struct {
	Profiles ProfileService
	Logger   *slog.Logger
}

func (s *CreateProfileStep) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *CreateProfileStep) Name() string { return StepCreateProfile }

// Exec creates the profile for the user_id the previous step produced.
func (s *CreateProfileStep) Exec(ctx context.Context, sagaID string, input map[string]any) saga.StepResult {
	id, ok := userIDFrom(input)
	if !ok {
		return saga.Failed(saga.KindInternal, errors.New("Missing user_id from previous step"))
	}

	profile, err := s.Profiles.CreateProfile(ctx, id, collaborator.Preferences{NotificationsEnabled: true})
	if err != nil {
		return classify(err, "Failed to create user profile", "Quiz service communication error", StepCreateProfile)
	}

	s.logger().Info("user profile created", "saga_id", sagaID, "user_id", id)
	return saga.Succeeded(
		map[string]any{"user_id": id, "profile": profile},
		map[string]any{"user_id": id},
	)
}

// Undo deletes the profile. A rejection means there was nothing to delete.
func (s *CreateProfileStep) Undo(ctx context.Context, sagaID string, data map[string]any) saga.UndoResult {
	id, ok := userIDFrom(data)
	if !ok {
		s.logger().Warn("no user_id to compensate, skipping", "saga_id", sagaID)
		return saga.UndoResult{Success: true, Skipped: true}
	}

	_, err := s.Profiles.DeleteProfile(ctx, id)
	var remote *collaborator.RemoteError
	switch {
	case err == nil:
		return saga.UndoResult{Success: true, Details: map[string]any{"user_id": id}}
	case errors.As(err, &remote):
		s.logger().Warn("profile compensation rejected", "saga_id", sagaID, "user_id", id, "status", remote.StatusCode)
		return saga.UndoResult{Success: true, Note: "Profile may not have existed"}
	default:
		s.logger().Warn("profile compensation failed", "saga_id", sagaID, "user_id", id, "error", err)
		return saga.UndoResult{Success: false, Error: err.Error()}
	}
}

var (
	_ saga.Step = (*CreateUserStep)(nil)
	_ saga.Step = (*CreateProfileStep)(nil)
)
