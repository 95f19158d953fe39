package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

/*
PostgreSQL Schema:

CREATE TABLE sagas (
    id                VARCHAR(64) PRIMARY KEY,
    name              VARCHAR(255) NOT NULL,
    status            VARCHAR(50) NOT NULL,
    current_step      INT NOT NULL DEFAULT 0,
    completed_steps   TEXT[],
    compensated_steps TEXT[],
    error             TEXT,
    started_at        TIMESTAMPTZ NOT NULL,
    completed_at      TIMESTAMPTZ,
    last_updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX idx_sagas_status ON sagas(status);
CREATE INDEX idx_sagas_started_at ON sagas(started_at);
*/

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL-based saga journal
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a new PostgreSQL saga store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "sagas",
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// EnsureSchema creates the table and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                VARCHAR(64) PRIMARY KEY,
			name              VARCHAR(255) NOT NULL,
			status            VARCHAR(50) NOT NULL,
			current_step      INT NOT NULL DEFAULT 0,
			completed_steps   TEXT[],
			compensated_steps TEXT[],
			error             TEXT,
			started_at        TIMESTAMPTZ NOT NULL,
			completed_at      TIMESTAMPTZ,
			last_updated_at   TIMESTAMPTZ NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_started_at ON %s(started_at)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Create creates a new saga instance
func (s *PostgresStore) Create(ctx context.Context, state *State) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, status, current_step, completed_steps, compensated_steps, error, started_at, completed_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		state.ID,
		state.Name,
		string(state.Status),
		state.CurrentStep,
		pq.Array(state.CompletedSteps),
		pq.Array(state.CompensatedSteps),
		state.Error,
		state.StartedAt,
		state.CompletedAt,
		state.LastUpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrSagaExists, state.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var state State
	var status string
	var completedAt sql.NullTime
	var errorStr sql.NullString

	err := row.Scan(
		&state.ID,
		&state.Name,
		&status,
		&state.CurrentStep,
		pq.Array(&state.CompletedSteps),
		pq.Array(&state.CompensatedSteps),
		&errorStr,
		&state.StartedAt,
		&completedAt,
		&state.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = Status(status)
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	if errorStr.Valid {
		state.Error = errorStr.String
	}
	return &state, nil
}

const selectColumns = `id, name, status, current_step, completed_steps, compensated_steps, error, started_at, completed_at, last_updated_at`

// Get retrieves saga state by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)

	state, err := scanState(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return state, nil
}

// Update updates saga state
func (s *PostgresStore) Update(ctx context.Context, state *State) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, current_step = $2, completed_steps = $3, compensated_steps = $4, error = $5,
		    started_at = $6, completed_at = $7, last_updated_at = $8
		WHERE id = $9
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		string(state.Status),
		state.CurrentStep,
		pq.Array(state.CompletedSteps),
		pq.Array(state.CompensatedSteps),
		state.Error,
		state.StartedAt,
		state.CompletedAt,
		state.LastUpdatedAt,
		state.ID,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, state.ID)
	}

	return nil
}

// List lists sagas matching the filter, newest first
func (s *PostgresStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, selectColumns, s.table)

	var args []any
	argIndex := 1

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIndex)
		args = append(args, filter.Name)
		argIndex++
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, string(status))
			argIndex++
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var results []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, state)
	}

	return results, rows.Err()
}

// DeleteOlderThan removes terminal sagas that completed more than age ago.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE completed_at IS NOT NULL AND completed_at < $1", s.table)

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.RowsAffected()
}

// Ping checks connectivity for readiness reporting.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
