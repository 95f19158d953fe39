package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Errors returned by stores
var (
	ErrNotFound   = errors.New("saga not found")
	ErrSagaExists = errors.New("saga already exists")
)

// Status is the journal status of a saga run.
//
// State transitions:
//
//	running → completed
//	       ↘
//	      compensating → compensated
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further transition follows.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// State is the journal entry of one saga run. It never carries the saga
// input, which may hold credentials.
type State struct {
	ID               string     // Saga instance ID
	Name             string     // Saga definition name
	Status           Status     // Current status
	CurrentStep      int        // Index of current/failed step
	CompletedSteps   []string   // Names of steps whose forward action succeeded
	CompensatedSteps []string   // Names of steps whose undo was attempted, in undo order
	Error            string     // Failure message, if any
	StartedAt        time.Time  // When the run started
	CompletedAt      *time.Time // When the run reached a terminal status
	LastUpdatedAt    time.Time  // Last journal write
}

func (s *State) clone() *State {
	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	c.CompensatedSteps = slices.Clone(s.CompensatedSteps)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Store persists the saga journal.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create records a new run. Returns ErrSagaExists if id is taken.
	Create(ctx context.Context, state *State) error

	// Get returns the entry for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*State, error)

	// Update replaces the entry. Returns ErrNotFound if it does not exist.
	Update(ctx context.Context, state *State) error

	// List returns entries matching filter, newest first.
	List(ctx context.Context, filter StoreFilter) ([]*State, error)
}

// StoreFilter specifies criteria for listing sagas.
//
// All fields are optional. Empty filter returns all sagas.
type StoreFilter struct {
	Name   string   // Filter by saga name (empty = all names)
	Status []Status // Filter by status (empty = all statuses)
	Limit  int      // Maximum results (0 = no limit)
}

func (f StoreFilter) match(state *State) bool {
	if f.Name != "" && state.Name != f.Name {
		return false
	}
	return len(f.Status) == 0 || slices.Contains(f.Status, state.Status)
}

type timeKey struct {
	startedAt time.Time
	id        string
}

func timeKeyLess(a, b timeKey) bool {
	if a.startedAt.Equal(b.startedAt) {
		return a.id < b.id
	}
	return a.startedAt.Before(b.startedAt)
}

// MemoryStore is an in-memory journal ordered by start time.
type MemoryStore struct {
	mu     sync.RWMutex
	sagas  map[string]*State
	byTime *btree.BTreeG[timeKey]
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory saga store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:  make(map[string]*State),
		byTime: btree.NewBTreeG(timeKeyLess),
		now:    time.Now,
	}
}

// WithTTL drops finished sagas ttl after completion when Expire runs.
func (s *MemoryStore) WithTTL(ttl time.Duration) *MemoryStore {
	s.ttl = ttl
	return s
}

// Create creates a new saga instance
func (s *MemoryStore) Create(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[state.ID]; exists {
		return fmt.Errorf("%w: %s", ErrSagaExists, state.ID)
	}

	s.sagas[state.ID] = state.clone()
	s.byTime.Set(timeKey{startedAt: state.StartedAt, id: state.ID})
	return nil
}

// Get retrieves saga state by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return state.clone(), nil
}

// Update updates saga state
func (s *MemoryStore) Update(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.sagas[state.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, state.ID)
	}

	if !old.StartedAt.Equal(state.StartedAt) {
		s.byTime.Delete(timeKey{startedAt: old.StartedAt, id: old.ID})
		s.byTime.Set(timeKey{startedAt: state.StartedAt, id: state.ID})
	}
	s.sagas[state.ID] = state.clone()
	return nil
}

// List lists sagas matching the filter, newest first
func (s *MemoryStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*State
	s.byTime.Reverse(func(key timeKey) bool {
		state := s.sagas[key.id]
		if state == nil || !filter.match(state) {
			return true
		}
		results = append(results, state.clone())
		return filter.Limit <= 0 || len(results) < filter.Limit
	})
	return results, nil
}

// Cleanup removes terminal sagas that completed more than age ago.
func (s *MemoryStore) Cleanup(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	deleted := 0

	for id, state := range s.sagas {
		if state.CompletedAt != nil && state.CompletedAt.Before(cutoff) {
			delete(s.sagas, id)
			s.byTime.Delete(timeKey{startedAt: state.StartedAt, id: id})
			deleted++
		}
	}

	return deleted
}

// Expire applies the store TTL, returning how many sagas were removed.
// It is a no-op without a TTL.
func (s *MemoryStore) Expire() int {
	if s.ttl <= 0 {
		return 0
	}
	return s.Cleanup(s.ttl)
}

// Len returns the number of stored sagas.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
