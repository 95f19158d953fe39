// Package userservice is a small reference implementation of the user
// account service the registration saga calls. It stores accounts in
// SQLite with bcrypt password hashes.
package userservice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quizapp/orchestrator/collaborator"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Store persists accounts.
type Store struct {
	db   *sql.DB
	cost int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithHashCost sets the bcrypt cost. Defaults to bcrypt.DefaultCost.
func WithHashCost(cost int) StoreOption {
	return func(s *Store) {
		s.cost = cost
	}
}

// NewStore creates the users table if needed.
func NewStore(db *sql.DB, opts ...StoreOption) (*Store, error) {
	s := &Store{db: db, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate users: %w", err)
	}
	return s, nil
}

// Open opens the SQLite database at path and returns a store on it.
func Open(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection keeps :memory: databases whole.
	db.SetMaxOpenConns(1)
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`)
	return err
}

// Create adds an account. Username uniqueness is checked before email.
func (s *Store) Create(ctx context.Context, username, email, password string) (*collaborator.User, error) {
	if taken, err := s.exists(ctx, "username", username); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrUsernameExists
	}
	if taken, err := s.exists(ctx, "email", email); err != nil {
		return nil, err
	} else if taken {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	created := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		username, email, string(hash), created)
	if err != nil {
		return nil, uniqueViolation(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &collaborator.User{ID: id, Username: username, Email: email, CreatedAt: created}, nil
}

// uniqueViolation maps a constraint failure that lost a race with another
// insert to the matching sentinel.
func uniqueViolation(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "users.username"):
		return ErrUsernameExists
	case strings.Contains(msg, "users.email"):
		return ErrEmailExists
	}
	return fmt.Errorf("insert user: %w", err)
}

func (s *Store) exists(ctx context.Context, column, value string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE `+column+` = ?`, value).Scan(&n)
	return n > 0, err
}

// Get returns the account with id.
func (s *Store) Get(ctx context.Context, id int64) (*collaborator.User, error) {
	u, _, err := s.scanOne(ctx, `SELECT id, username, email, created_at, password_hash FROM users WHERE id = ?`, id)
	return u, err
}

// Authenticate checks a username and password pair.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*collaborator.User, error) {
	u, hash, err := s.scanOne(ctx, `SELECT id, username, email, created_at, password_hash FROM users WHERE username = ?`, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Store) scanOne(ctx context.Context, query string, arg any) (*collaborator.User, string, error) {
	var (
		u    collaborator.User
		hash string
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return &u, hash, nil
}

// Delete removes an account and returns its username. Deleting an absent
// account returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id int64) (string, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("delete user: %w", err)
	}
	return u.Username, nil
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
