// Package profileservice is a small reference implementation of the quiz
// service endpoints that own user profiles. Profiles may name a default
// quiz category, which must exist.
package profileservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quizapp/orchestrator/collaborator"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound         = errors.New("profile not found")
	ErrCategoryNotFound = errors.New("category not found")
)

// ExistsError is returned when the user already has a profile.
type ExistsError struct {
	Profile *collaborator.Profile
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("profile for user_id %d already exists", e.Profile.UserID)
}

// Store persists profiles and the categories they reference.
type Store struct {
	db *sql.DB
}

// NewStore creates the tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate profiles: %w", err)
	}
	return s, nil
}

// Open opens the SQLite database at path and returns a store on it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE,
		notifications_enabled INTEGER NOT NULL DEFAULT 1,
		default_category_id INTEGER REFERENCES categories(id),
		created_at TEXT NOT NULL
	);`)
	return err
}

// AddCategory creates a category and returns its id.
func (s *Store) AddCategory(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO categories (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert category: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) categoryExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM categories WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// Create adds the profile of userID. A nil or zero category means none.
func (s *Store) Create(ctx context.Context, userID int64, notifications bool, category *int64) (*collaborator.Profile, error) {
	existing, err := s.Get(ctx, userID)
	if err == nil {
		return nil, &ExistsError{Profile: existing}
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if category != nil && *category == 0 {
		category = nil
	}
	if category != nil {
		ok, err := s.categoryExists(ctx, *category)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrCategoryNotFound, *category)
		}
	}

	created := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, notifications_enabled, default_category_id, created_at) VALUES (?, ?, ?, ?)`,
		userID, notifications, category, created)
	if err != nil {
		if strings.Contains(err.Error(), "user_profiles.user_id") {
			if p, gerr := s.Get(ctx, userID); gerr == nil {
				return nil, &ExistsError{Profile: p}
			}
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &collaborator.Profile{
		ID:                   id,
		UserID:               userID,
		NotificationsEnabled: notifications,
		DefaultCategoryID:    category,
		CreatedAt:            created,
	}, nil
}

// Get returns the profile of userID.
func (s *Store) Get(ctx context.Context, userID int64) (*collaborator.Profile, error) {
	var (
		p        collaborator.Profile
		category sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, notifications_enabled, default_category_id, created_at FROM user_profiles WHERE user_id = ?`,
		userID).Scan(&p.ID, &p.UserID, &p.NotificationsEnabled, &category, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if category.Valid {
		p.DefaultCategoryID = &category.Int64
	}
	return &p, nil
}

// Delete removes the profile of userID and returns the profile id.
func (s *Store) Delete(ctx context.Context, userID int64) (int64, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_profiles WHERE id = ?`, p.ID); err != nil {
		return 0, fmt.Errorf("delete profile: %w", err)
	}
	return p.ID, nil
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
