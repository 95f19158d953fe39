package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// backendContract exercises behaviour every Backend shares
func backendContract(t *testing.T, b Backend) {
	ctx := context.Background()

	t.Run("Get missing returns ErrNotFound", func(t *testing.T) {
		if _, err := b.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MarkRunning then Get", func(t *testing.T) {
		if err := b.MarkRunning(ctx, "task-1"); err != nil {
			t.Fatalf("MarkRunning failed: %v", err)
		}
		rec, err := b.Get(ctx, "task-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.State != StateRunning {
			t.Errorf("expected RUNNING, got %s", rec.State)
		}
	})

	t.Run("Complete replaces running", func(t *testing.T) {
		err := b.Complete(ctx, &Record{TaskID: "task-1", State: StateSuccess, Result: json.RawMessage(`{"ok":true}`)})
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		rec, err := b.Get(ctx, "task-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.State != StateSuccess || string(rec.Result) != `{"ok":true}` {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("terminal record is written once", func(t *testing.T) {
		err := b.Complete(ctx, &Record{TaskID: "task-1", State: StateFailure, Error: "late"})
		if !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("expected ErrAlreadyTerminal, got %v", err)
		}
		rec, _ := b.Get(ctx, "task-1")
		if rec.State != StateSuccess {
			t.Errorf("terminal record replaced: %+v", rec)
		}
	})

	t.Run("MarkRunning does not reopen terminal task", func(t *testing.T) {
		b.MarkRunning(ctx, "task-1")
		rec, _ := b.Get(ctx, "task-1")
		if rec.State != StateSuccess {
			t.Errorf("expected SUCCESS, got %s", rec.State)
		}
	})

	t.Run("Complete without running marker", func(t *testing.T) {
		if err := b.Complete(ctx, &Record{TaskID: "task-2", State: StateFailure, Error: "boom"}); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		rec, _ := b.Get(ctx, "task-2")
		if rec.State != StateFailure || rec.Error != "boom" {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("concurrent Complete has one winner", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := b.Complete(ctx, &Record{TaskID: "task-race", State: StateSuccess}); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := b.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	backendContract(t, NewMemoryBackend(0))

	t.Run("terminal records expire", func(t *testing.T) {
		ctx := context.Background()
		b := NewMemoryBackend(time.Minute)
		now := time.Now()
		b.now = func() time.Time { return now }

		b.Complete(ctx, &Record{TaskID: "task-1", State: StateSuccess})
		if _, err := b.Get(ctx, "task-1"); err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		now = now.Add(2 * time.Minute)
		if _, err := b.Get(ctx, "task-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected expired record to be gone, got %v", err)
		}
		if err := b.Complete(ctx, &Record{TaskID: "task-1", State: StateFailure}); err != nil {
			t.Errorf("expected expired record to be replaceable, got %v", err)
		}
	})

	t.Run("expired records are evicted", func(t *testing.T) {
		ctx := context.Background()
		b := NewMemoryBackend(time.Minute)
		now := time.Now()
		b.now = func() time.Time { return now }

		for i := 0; i < 1000; i++ {
			b.Complete(ctx, &Record{TaskID: fmt.Sprintf("saga_%d", i), State: StateSuccess})
		}
		b.MarkRunning(ctx, "running")
		if n := b.Len(); n != 1001 {
			t.Fatalf("expected 1001 records, got %d", n)
		}

		now = now.Add(24 * time.Hour)
		if _, err := b.Get(ctx, "saga_1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if n := b.Len(); n != 1000 {
			t.Errorf("expected Get to evict the expired record, got %d records", n)
		}

		if n := b.Cleanup(); n != 999 {
			t.Errorf("expected 999 records cleaned, got %d", n)
		}
		if n := b.Len(); n != 1 {
			t.Errorf("expected only the running record left, got %d", n)
		}
	})

	t.Run("returned record is a copy", func(t *testing.T) {
		ctx := context.Background()
		b := NewMemoryBackend(0)
		b.Complete(ctx, &Record{TaskID: "task-1", State: StateSuccess, Error: ""})

		rec, _ := b.Get(ctx, "task-1")
		rec.State = StateFailure

		again, _ := b.Get(ctx, "task-1")
		if again.State != StateSuccess {
			t.Error("backend record mutated through returned copy")
		}
	})
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := NewRedisBackend(client, time.Hour).WithRunningTTL(10 * time.Minute)
	backendContract(t, b)

	t.Run("terminal record has TTL and marker is removed", func(t *testing.T) {
		if ttl := mr.TTL("task:result:task-1"); ttl != time.Hour {
			t.Errorf("expected 1h TTL, got %s", ttl)
		}
		if mr.Exists("task:running:task-1") {
			t.Error("running marker left behind")
		}
	})

	t.Run("running marker expires", func(t *testing.T) {
		ctx := context.Background()
		b.MarkRunning(ctx, "task-stuck")
		if ttl := mr.TTL("task:running:task-stuck"); ttl != 10*time.Minute {
			t.Errorf("expected 10m TTL, got %s", ttl)
		}
		mr.FastForward(11 * time.Minute)
		if _, err := b.Get(ctx, "task-stuck"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after marker expiry, got %v", err)
		}
	})

	t.Run("custom prefix", func(t *testing.T) {
		ctx := context.Background()
		pb := NewRedisBackend(client, 0).WithPrefix("reg:")
		pb.Complete(ctx, &Record{TaskID: "x", State: StateSuccess})
		if !mr.Exists("reg:result:x") {
			t.Error("expected prefixed key")
		}
	})
}
