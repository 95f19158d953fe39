package collaborator

import (
	"context"
	"net/http"
	"strconv"
)

// User is the user service's view of an account.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at,omitempty"`
}

// NewUser is the body of a create request.
type NewUser struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserClient calls the user service.
type UserClient struct {
	c *client
}

// NewUserClient creates a client for the user service at baseURL.
func NewUserClient(baseURL string, opts ...Option) *UserClient {
	return &UserClient{c: newClient("user_service", baseURL, opts...)}
}

// CreateUser creates an account. Expects 201.
func (u *UserClient) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	var user User
	if err := u.c.do(ctx, http.MethodPost, "/users", in, &user, http.StatusCreated); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches an account by id.
func (u *UserClient) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	if err := u.c.do(ctx, http.MethodGet, "/users/"+strconv.FormatInt(id, 10), nil, &user, http.StatusOK); err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteUser is the compensating delete. The service answers 200 whether
// or not the account still existed.
func (u *UserClient) DeleteUser(ctx context.Context, id int64) (*CompensationResponse, error) {
	var resp CompensationResponse
	path := "/users/" + strconv.FormatInt(id, 10) + "/compensate"
	if err := u.c.do(ctx, http.MethodDelete, path, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}
