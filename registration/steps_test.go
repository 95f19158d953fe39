package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/quizapp/orchestrator/collaborator"
	"github.com/quizapp/orchestrator/saga"
)

// fakeUsers is an in-memory UserService
type fakeUsers struct {
	mu        sync.Mutex
	nextID    int64
	createErr error
	deleteErr error
	created   []collaborator.NewUser
	deleted   []int64
}

func (f *fakeUsers) CreateUser(ctx context.Context, in collaborator.NewUser) (*collaborator.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	return &collaborator.User{ID: f.nextID, Username: in.Username, Email: in.Email}, nil
}

func (f *fakeUsers) DeleteUser(ctx context.Context, id int64) (*collaborator.CompensationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &collaborator.CompensationResponse{Success: true, Compensated: true, UserID: &id}, nil
}

// fakeProfiles is an in-memory ProfileService
type fakeProfiles struct {
	mu        sync.Mutex
	createErr error
	deleteErr error
	created   []int64
	deleted   []int64
}

func (f *fakeProfiles) CreateProfile(ctx context.Context, userID int64, prefs collaborator.Preferences) (*collaborator.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, userID)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &collaborator.Profile{ID: 1, UserID: userID, NotificationsEnabled: prefs.NotificationsEnabled}, nil
}

func (f *fakeProfiles) DeleteProfile(ctx context.Context, userID int64) (*collaborator.CompensationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, userID)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &collaborator.CompensationResponse{Success: true, Compensated: true}, nil
}

func rejection(service, msg string) error {
	return &collaborator.RemoteError{Service: service, StatusCode: 400, Message: msg}
}

// transportFailure builds an error that matches collaborator.ErrTransport
func transportFailure(msg string) error {
	return fmt.Errorf("%w: %s", collaborator.ErrTransport, msg)
}

func TestCreateUserStep(t *testing.T) {
	ctx := context.Background()
	input := map[string]any{"username": "ada", "email": "ada@example.com", "password": "pw"}

	t.Run("success carries user id", func(t *testing.T) {
		users := &fakeUsers{}
		step := &CreateUserStep{Users: users}

		res := step.Exec(ctx, "saga-1", input)
		if !res.Success {
			t.Fatalf("expected success, got %+v", res)
		}
		if res.Payload["user_id"] != int64(1) || res.CompensationData["user_id"] != int64(1) {
			t.Errorf("unexpected result %+v", res)
		}
		if users.created[0].Password != "pw" {
			t.Errorf("password not forwarded: %+v", users.created[0])
		}
	})

	t.Run("rejection", func(t *testing.T) {
		step := &CreateUserStep{Users: &fakeUsers{createErr: rejection("user_service", "Email already exists")}}
		res := step.Exec(ctx, "saga-1", input)
		if res.Success || res.Kind != saga.KindRejected {
			t.Fatalf("expected rejected failure, got %+v", res)
		}
		if res.Error != "Failed to create user: Email already exists" {
			t.Errorf("unexpected error %q", res.Error)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		step := &CreateUserStep{Users: &fakeUsers{createErr: transportFailure("connection refused")}}
		res := step.Exec(ctx, "saga-1", input)
		if res.Kind != saga.KindTransport || !strings.HasPrefix(res.Error, "User service communication error: ") {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("unexpected failure", func(t *testing.T) {
		step := &CreateUserStep{Users: &fakeUsers{createErr: errors.New("encode request")}}
		res := step.Exec(ctx, "saga-1", input)
		if res.Kind != saga.KindInternal {
			t.Errorf("expected internal failure, got %+v", res)
		}
	})

	t.Run("undo deletes user", func(t *testing.T) {
		users := &fakeUsers{}
		step := &CreateUserStep{Users: users}
		res := step.Undo(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if !res.Success || res.Details["user_id"] != int64(7) {
			t.Errorf("unexpected undo result %+v", res)
		}
		if len(users.deleted) != 1 || users.deleted[0] != 7 {
			t.Errorf("unexpected deletes %v", users.deleted)
		}
	})

	t.Run("undo accepts decoded JSON ids", func(t *testing.T) {
		users := &fakeUsers{}
		step := &CreateUserStep{Users: users}
		step.Undo(ctx, "saga-1", map[string]any{"user_id": float64(9)})
		if len(users.deleted) != 1 || users.deleted[0] != 9 {
			t.Errorf("unexpected deletes %v", users.deleted)
		}
	})

	t.Run("undo without user id is skipped", func(t *testing.T) {
		users := &fakeUsers{}
		res := (&CreateUserStep{Users: users}).Undo(ctx, "saga-1", map[string]any{})
		if !res.Success || !res.Skipped {
			t.Errorf("expected skipped success, got %+v", res)
		}
		if len(users.deleted) != 0 {
			t.Error("delete called without user id")
		}
	})

	t.Run("undo failure is reported", func(t *testing.T) {
		step := &CreateUserStep{Users: &fakeUsers{deleteErr: rejection("user_service", "database is locked")}}
		res := step.Undo(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if res.Success || res.Error != "database is locked" {
			t.Errorf("unexpected undo result %+v", res)
		}
	})

	t.Run("undo twice succeeds both times", func(t *testing.T) {
		step := &CreateUserStep{Users: &fakeUsers{}}
		data := map[string]any{"user_id": int64(7)}
		if !step.Undo(ctx, "saga-1", data).Success || !step.Undo(ctx, "saga-1", data).Success {
			t.Error("repeated undo failed")
		}
	})
}

func TestCreateProfileStep(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		profiles := &fakeProfiles{}
		res := (&CreateProfileStep{Profiles: profiles}).Exec(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if !res.Success || res.CompensationData["user_id"] != int64(7) {
			t.Fatalf("unexpected result %+v", res)
		}
		profile, ok := res.Payload["profile"].(*collaborator.Profile)
		if !ok || !profile.NotificationsEnabled {
			t.Errorf("unexpected profile %+v", res.Payload["profile"])
		}
	})

	t.Run("missing user id", func(t *testing.T) {
		profiles := &fakeProfiles{}
		res := (&CreateProfileStep{Profiles: profiles}).Exec(ctx, "saga-1", map[string]any{})
		if res.Kind != saga.KindInternal || res.Error != "Missing user_id from previous step" {
			t.Errorf("unexpected result %+v", res)
		}
		if len(profiles.created) != 0 {
			t.Error("profile created without user id")
		}
	})

	t.Run("rejection", func(t *testing.T) {
		step := &CreateProfileStep{Profiles: &fakeProfiles{createErr: rejection("profile_service", "Category 3 does not exist")}}
		res := step.Exec(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if res.Kind != saga.KindRejected || res.Error != "Failed to create user profile: Category 3 does not exist" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		step := &CreateProfileStep{Profiles: &fakeProfiles{createErr: transportFailure("timeout")}}
		res := step.Exec(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if res.Kind != saga.KindTransport || !strings.HasPrefix(res.Error, "Quiz service communication error: ") {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("undo rejection counts as success", func(t *testing.T) {
		step := &CreateProfileStep{Profiles: &fakeProfiles{deleteErr: rejection("profile_service", "boom")}}
		res := step.Undo(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if !res.Success || res.Note != "Profile may not have existed" {
			t.Errorf("unexpected undo result %+v", res)
		}
	})

	t.Run("undo transport failure", func(t *testing.T) {
		step := &CreateProfileStep{Profiles: &fakeProfiles{deleteErr: transportFailure("reset")}}
		res := step.Undo(ctx, "saga-1", map[string]any{"user_id": int64(7)})
		if res.Success {
			t.Errorf("expected failure, got %+v", res)
		}
	})

	t.Run("undo without user id is skipped", func(t *testing.T) {
		res := (&CreateProfileStep{Profiles: &fakeProfiles{}}).Undo(ctx, "saga-1", nil)
		if !res.Success || !res.Skipped {
			t.Errorf("expected skipped success, got %+v", res)
		}
	})
}

func TestRegistrationSaga(t *testing.T) {
	ctx := context.Background()

	t.Run("both steps succeed", func(t *testing.T) {
		users, profiles := &fakeUsers{}, &fakeProfiles{}
		s, err := NewSaga(users, profiles)
		if err != nil {
			t.Fatalf("NewSaga failed: %v", err)
		}

		outcome := s.Run(ctx, "saga-1", randomRequest().asMap())
		if !outcome.Success || outcome.Compensation != nil {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
		if _, ok := outcome.Result["user"]; !ok {
			t.Error("result lacks user")
		}
		if _, ok := outcome.Result["profile"]; !ok {
			t.Error("result lacks profile")
		}
	})

	t.Run("profile failure compensates user", func(t *testing.T) {
		users := &fakeUsers{}
		profiles := &fakeProfiles{createErr: rejection("profile_service", "Profile for user_id 1 already exists")}
		s, _ := NewSaga(users, profiles)

		outcome := s.Run(ctx, "saga-2", randomRequest().asMap())
		if outcome.Success || outcome.FailedStep != 2 {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
		if outcome.Compensation == nil || !outcome.Compensation.Executed || len(outcome.Compensation.Steps) != 1 {
			t.Fatalf("unexpected compensation %+v", outcome.Compensation)
		}
		if step := outcome.Compensation.Steps[0]; step.Step != StepCreateUser || !step.Success {
			t.Errorf("unexpected compensation step %+v", step)
		}
		if len(users.deleted) != 1 || users.deleted[0] != 1 {
			t.Errorf("expected user 1 deleted, got %v", users.deleted)
		}
		if len(profiles.deleted) != 0 {
			t.Error("failed step must not be compensated")
		}
	})
}
