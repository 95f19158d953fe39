// Package poison quarantines tasks whose deliveries fail repeatedly.
//
// The task worker consults a Guard before running a delivery and reports
// every delivery it hands back for redelivery. Counts live in a Store:
// MemoryStore for a single process, RedisStore when several workers share
// a queue.
package poison

import (
	"context"
	"sync"
	"time"
)

// Store persists failure counts and quarantine markers per task ID.
// Implementations must be safe for concurrent use.
type Store interface {
	// IncrementFailures adds one failure and returns the new count.
	IncrementFailures(ctx context.Context, taskID string) (int, error)

	// Failures returns the current count, 0 when none are recorded.
	Failures(ctx context.Context, taskID string) (int, error)

	// ResetFailures clears the count.
	ResetFailures(ctx context.Context, taskID string) error

	// Quarantine blocks taskID for ttl, remembering reason.
	Quarantine(ctx context.Context, taskID, reason string, ttl time.Duration) error

	// Quarantined reports whether taskID is blocked and why.
	Quarantined(ctx context.Context, taskID string) (string, bool, error)

	// Release lifts a quarantine early.
	Release(ctx context.Context, taskID string) error
}

type quarantineEntry struct {
	reason  string
	expires time.Time
}

type failureEntry struct {
	count   int
	touched time.Time
}

// MemoryStore keeps counts in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	failures    map[string]failureEntry
	quarantined map[string]quarantineEntry
	failureTTL  time.Duration
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		failures:    make(map[string]failureEntry),
		quarantined: make(map[string]quarantineEntry),
		now:         time.Now,
	}
}

// WithFailureTTL lets Cleanup forget counts that saw no failure for ttl.
func (s *MemoryStore) WithFailureTTL(ttl time.Duration) *MemoryStore {
	s.failureTTL = ttl
	return s
}

func (s *MemoryStore) IncrementFailures(_ context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.failures[taskID]
	entry.count++
	entry.touched = s.now()
	s.failures[taskID] = entry
	return entry.count, nil
}

func (s *MemoryStore) Failures(_ context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[taskID].count, nil
}

func (s *MemoryStore) ResetFailures(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, taskID)
	return nil
}

func (s *MemoryStore) Quarantine(_ context.Context, taskID, reason string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[taskID] = quarantineEntry{reason: reason, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Quarantined(_ context.Context, taskID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.quarantined[taskID]
	if !ok || s.now().After(entry.expires) {
		return "", false, nil
	}
	return entry.reason, true, nil
}

func (s *MemoryStore) Release(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantined, taskID)
	return nil
}

// Cleanup drops expired quarantines and stale failure counts, returning how
// many entries were removed.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, entry := range s.quarantined {
		if now.After(entry.expires) {
			delete(s.quarantined, id)
			removed++
		}
	}
	if s.failureTTL > 0 {
		for id, entry := range s.failures {
			if now.Sub(entry.touched) > s.failureTTL {
				delete(s.failures, id)
				removed++
			}
		}
	}
	return removed
}

var _ Store = (*MemoryStore)(nil)
