package userservice

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
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", WithHashCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	user, err := store.Create(ctx, "ada", "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.NotEmpty(t, user.CreatedAt)

	t.Run("duplicate username", func(t *testing.T) {
		_, err := store.Create(ctx, "ada", "other@example.com", "pw")
		assert.ErrorIs(t, err, ErrUsernameExists)
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := store.Create(ctx, "grace", "ada@example.com", "pw")
		assert.ErrorIs(t, err, ErrEmailExists)
	})

	t.Run("password is hashed", func(t *testing.T) {
		var hash string
		require.NoError(t, store.db.QueryRow(`SELECT password_hash FROM users WHERE id = ?`, user.ID).Scan(&hash))
		assert.NotEqual(t, "s3cret", hash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
	})

	t.Run("authenticate", func(t *testing.T) {
		got, err := store.Authenticate(ctx, "ada", "s3cret")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		_, err = store.Authenticate(ctx, "ada", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = store.Authenticate(ctx, "nobody", "s3cret")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("delete", func(t *testing.T) {
		name, err := store.Delete(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "ada", name)

		_, err = store.Get(ctx, user.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Delete(ctx, user.ID)
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
	h := NewHandler(newTestStore(t), nil)

	code, resp := call(t, h, http.MethodPost, "/users", `{"username":"ada","email":"ada@example.com","password":"pw"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "ada", resp["username"])
	assert.NotContains(t, resp, "password")
	assert.NotContains(t, resp, "password_hash")
	id := int64(resp["id"].(float64))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		err    string
	}{
		{name: "create missing fields", method: http.MethodPost, path: "/users", body: `{"username":"x"}`, code: 400, err: "Missing required fields: username, email, password"},
		{name: "create empty body", method: http.MethodPost, path: "/users", body: ``, code: 400, err: "Missing required fields: username, email, password"},
		{name: "create duplicate username", method: http.MethodPost, path: "/users", body: `{"username":"ada","email":"b@example.com","password":"pw"}`, code: 400, err: "Username already exists"},
		{name: "create duplicate email", method: http.MethodPost, path: "/users", body: `{"username":"bob","email":"ada@example.com","password":"pw"}`, code: 400, err: "Email already exists"},
		{name: "validate missing", method: http.MethodPost, path: "/users/validate", body: `{"username":"ada"}`, code: 400, err: "Missing username or password"},
		{name: "validate wrong password", method: http.MethodPost, path: "/users/validate", body: `{"username":"ada","password":"nope"}`, code: 401, err: "Invalid credentials"},
		{name: "get unknown", method: http.MethodGet, path: "/users/999", code: 404, err: "User not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := call(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.err, resp["error"])
		})
	}

	t.Run("validate", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/users/validate", `{"username":"ada","password":"pw"}`)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ada@example.com", resp["email"])
	})

	t.Run("compensate is idempotent", func(t *testing.T) {
		path := "/users/" + jsonNumber(id) + "/compensate"

		code, first := call(t, h, http.MethodDelete, path, "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, first["success"])
		assert.Equal(t, true, first["compensated"])
		assert.Equal(t, float64(id), first["user_id"])

		code, second := call(t, h, http.MethodDelete, path, "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, second["success"])
		assert.Contains(t, second["message"], "does not exist")
		assert.NotContains(t, second, "user_id")
	})

	t.Run("health", func(t *testing.T) {
		code, resp := call(t, h, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", resp["status"])
	})
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// TestClientContract runs the orchestrator's user client against the
// reference service.
func TestClientContract(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(NewHandler(newTestStore(t), nil))
	defer srv.Close()
	client := collaborator.NewUserClient(srv.URL)

	user, err := client.CreateUser(ctx, collaborator.NewUser{Username: "ada", Email: "ada@example.com", Password: "pw"})
	require.NoError(t, err)

	_, err = client.CreateUser(ctx, collaborator.NewUser{Username: "bob", Email: "ada@example.com", Password: "pw"})
	var remote *collaborator.RemoteError
	require.True(t, errors.As(err, &remote), "expected RemoteError, got %v", err)
	assert.Equal(t, http.StatusBadRequest, remote.StatusCode)
	assert.Equal(t, "Email already exists", remote.Message)

	got, err := client.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Username)

	for range 2 {
		resp, err := client.DeleteUser(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.True(t, resp.Compensated)
	}
}
