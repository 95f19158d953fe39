package profileservice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quizapp/orchestrator/collaborator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	science, err := store.AddCategory(ctx, "Science")
	require.NoError(t, err)

	t.Run("create with category", func(t *testing.T) {
		p, err := store.Create(ctx, 1, false, &science)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.UserID)
		assert.False(t, p.NotificationsEnabled)
		require.NotNil(t, p.DefaultCategoryID)
		assert.Equal(t, science, *p.DefaultCategoryID)

		got, err := store.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, science, *got.DefaultCategoryID)
	})

	t.Run("duplicate returns existing profile", func(t *testing.T) {
		_, err := store.Create(ctx, 1, true, nil)
		var exists *ExistsError
		require.True(t, errors.As(err, &exists))
		assert.Equal(t, int64(1), exists.Profile.UserID)
	})

	t.Run("unknown category", func(t *testing.T) {
		missing := int64(404)
		_, err := store.Create(ctx, 2, true, &missing)
		assert.ErrorIs(t, err, ErrCategoryNotFound)
	})

	t.Run("zero category means none", func(t *testing.T) {
		zero := int64(0)
		p, err := store.Create(ctx, 3, true, &zero)
		require.NoError(t, err)
		assert.Nil(t, p.DefaultCategoryID)

		got, err := store.Get(ctx, 3)
		require.NoError(t, err)
		assert.Nil(t, got.DefaultCategoryID)
		assert.True(t, got.NotificationsEnabled)
	})

	t.Run("delete", func(t *testing.T) {
		id, err := store.Delete(ctx, 3)
		require.NoError(t, err)
		assert.NotZero(t, id)
		_, err = store.Delete(ctx, 3)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestHandler(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, nil)

	code, resp := call(t, h, http.MethodPost, "/api/users/profile", `{"user_id":7,"default_preferences":{"default_category":null}}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(7), resp["user_id"])
	assert.Equal(t, true, resp["notifications_enabled"])
	assert.Nil(t, resp["default_category_id"])

	tests := []struct {
		name string
		body string
		err  string
	}{
		{name: "no body", body: ``, err: "Request body is required"},
		{name: "null body", body: `null`, err: "Request body is required"},
		{name: "missing user_id", body: `{"default_preferences":{}}`, err: "user_id is required"},
		{name: "duplicate", body: `{"user_id":7}`, err: "Profile for user_id 7 already exists"},
		{name: "unknown category", body: `{"user_id":8,"default_preferences":{"default_category":99}}`, err: "Category 99 does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, h, http.MethodPost, "/api/users/profile", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.err, resp["error"])
		})
	}

	t.Run("duplicate carries the existing profile", func(t *testing.T) {
		_, resp := call(t, h, http.MethodPost, "/api/users/profile", `{"user_id":7}`)
		profile, ok := resp["profile"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(7), profile["user_id"])
	})

	t.Run("get", func(t *testing.T) {
		code, resp := call(t, h, http.MethodGet, "/api/users/7/profile", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, float64(7), resp["user_id"])

		code, resp = call(t, h, http.MethodGet, "/api/users/8/profile", "")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "Profile for user_id 8 not found", resp["error"])
	})

	t.Run("compensate is idempotent", func(t *testing.T) {
		code, first := call(t, h, http.MethodDelete, "/api/users/7/profile/compensate", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, first["compensated"])
		assert.Equal(t, float64(7), first["user_id"])
		assert.NotNil(t, first["profile_id"])

		code, second := call(t, h, http.MethodDelete, "/api/users/7/profile/compensate", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, second["success"])
		assert.NotContains(t, second, "profile_id")
	})

	t.Run("health", func(t *testing.T) {
		code, resp := call(t, h, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", resp["status"])
	})
}

// TestClientContract runs the orchestrator's profile client against the
// reference service.
func TestClientContract(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv := httptest.NewServer(NewHandler(store, nil))
	defer srv.Close()
	client := collaborator.NewProfileClient(srv.URL)

	profile, err := client.CreateProfile(ctx, 42, collaborator.Preferences{NotificationsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, int64(42), profile.UserID)

	_, err = client.CreateProfile(ctx, 42, collaborator.Preferences{NotificationsEnabled: true})
	var remote *collaborator.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "Profile for user_id 42 already exists", remote.Message)

	got, err := client.GetProfile(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, profile.ID, got.ID)

	resp, err := client.DeleteProfile(ctx, 42)
	require.NoError(t, err)
	assert.True(t, resp.Compensated)
	require.NotNil(t, resp.ProfileID)
	assert.Equal(t, profile.ID, *resp.ProfileID)
}
