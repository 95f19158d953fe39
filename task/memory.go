package task

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryBackend implements Backend in process memory.
//
// Records are not shared between processes, so it only serves setups where
// the worker runs embedded in the orchestrator. Terminal records expire ttl
// after completion; zero keeps them for the life of the process.
type MemoryBackend struct {
	records *xsync.MapOf[string, *Record]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		records: xsync.NewMapOf[string, *Record](),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (b *MemoryBackend) expired(rec *Record) bool {
	return b.ttl > 0 && rec.State.Terminal() && b.now().Sub(rec.UpdatedAt) > b.ttl
}

// Get returns a copy of the record for id. An expired record is deleted on
// the way.
func (b *MemoryBackend) Get(ctx context.Context, id string) (*Record, error) {
	var found *Record
	b.records.Compute(id, func(old *Record, loaded bool) (*Record, bool) {
		if !loaded || b.expired(old) {
			return nil, true
		}
		cp := *old
		found = &cp
		return old, false
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// MarkRunning stores a RUNNING record unless a live terminal one exists.
func (b *MemoryBackend) MarkRunning(ctx context.Context, id string) error {
	now := b.now()
	b.records.Compute(id, func(old *Record, loaded bool) (*Record, bool) {
		if loaded && old.State.Terminal() && !b.expired(old) {
			return old, false
		}
		created := now
		if loaded {
			created = old.CreatedAt
		}
		return &Record{TaskID: id, State: StateRunning, CreatedAt: created, UpdatedAt: now}, false
	})
	return nil
}

// Complete stores rec unless a live terminal record exists.
func (b *MemoryBackend) Complete(ctx context.Context, rec *Record) error {
	now := b.now()
	var exists bool
	b.records.Compute(rec.TaskID, func(old *Record, loaded bool) (*Record, bool) {
		if loaded && old.State.Terminal() && !b.expired(old) {
			exists = true
			return old, false
		}
		next := *rec
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
			if loaded {
				next.CreatedAt = old.CreatedAt
			}
		}
		next.UpdatedAt = now
		return &next, false
	})
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, rec.TaskID)
	}
	return nil
}

// Ping always succeeds.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Cleanup deletes expired terminal records and returns how many went.
func (b *MemoryBackend) Cleanup() int {
	removed := 0
	b.records.Range(func(id string, _ *Record) bool {
		b.records.Compute(id, func(old *Record, loaded bool) (*Record, bool) {
			if loaded && b.expired(old) {
				removed++
				return nil, true
			}
			return old, !loaded
		})
		return true
	})
	return removed
}

// Len returns the number of stored records, expired ones included.
func (b *MemoryBackend) Len() int {
	return b.records.Size()
}

var _ Backend = (*MemoryBackend)(nil)
