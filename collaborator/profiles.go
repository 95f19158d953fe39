package collaborator

import (
	"context"
	"net/http"
	"strconv"
)

// Profile is the profile service's view of a user profile.
type Profile struct {
	ID                   int64  `json:"id"`
	UserID               int64  `json:"user_id"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	DefaultCategoryID    *int64 `json:"default_category_id"`
	CreatedAt            string `json:"created_at,omitempty"`
}

// Preferences are the defaults a new profile starts with.
type Preferences struct {
	NotificationsEnabled bool   `json:"notifications_enabled"`
	DefaultCategory      *int64 `json:"default_category"`
}

type newProfile struct {
	UserID             int64       `json:"user_id"`
	DefaultPreferences Preferences `json:"default_preferences"`
}

// ProfileClient calls the profile service.
type ProfileClient struct {
	c *client
}

// NewProfileClient creates a client for the profile service at baseURL.
func NewProfileClient(baseURL string, opts ...Option) *ProfileClient {
	return &ProfileClient{c: newClient("profile_service", baseURL, opts...)}
}

// CreateProfile creates the profile of userID. Expects 200 or 201.
func (p *ProfileClient) CreateProfile(ctx context.Context, userID int64, prefs Preferences) (*Profile, error) {
	var profile Profile
	body := newProfile{UserID: userID, DefaultPreferences: prefs}
	if err := p.c.do(ctx, http.MethodPost, "/api/users/profile", body, &profile, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetProfile fetches the profile of userID.
func (p *ProfileClient) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	var profile Profile
	path := "/api/users/" + strconv.FormatInt(userID, 10) + "/profile"
	if err := p.c.do(ctx, http.MethodGet, path, nil, &profile, http.StatusOK); err != nil {
		return nil, err
	}
	return &profile, nil
}

// DeleteProfile is the compensating delete of userID's profile.
func (p *ProfileClient) DeleteProfile(ctx context.Context, userID int64) (*CompensationResponse, error) {
	var resp CompensationResponse
	path := "/api/users/" + strconv.FormatInt(userID, 10) + "/profile/compensate"
	if err := p.c.do(ctx, http.MethodDelete, path, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}
