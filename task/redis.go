package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix prefixes every task key.
const DefaultRedisPrefix = "task:"

// DefaultRunningTTL bounds how long a RUNNING marker outlives a worker
// that died without completing the task.
const DefaultRunningTTL = time.Hour

/*
Redis keys:

	task:result:{id}   terminal record as JSON, written with SET NX and the backend TTL
	task:running:{id}  RUNNING marker as JSON, expires after the running TTL

Get reads both with MGET. A terminal record always wins over the marker.
*/

// RedisBackend implements Backend on Redis.
type RedisBackend struct {
	client     redis.Cmdable
	prefix     string
	ttl        time.Duration
	runningTTL time.Duration
}

// NewRedisBackend creates a backend whose terminal records expire after ttl.
func NewRedisBackend(client redis.Cmdable, ttl time.Duration) *RedisBackend {
	return &RedisBackend{
		client:     client,
		prefix:     DefaultRedisPrefix,
		ttl:        ttl,
		runningTTL: DefaultRunningTTL,
	}
}

// WithPrefix sets a custom key prefix
func (b *RedisBackend) WithPrefix(prefix string) *RedisBackend {
	b.prefix = prefix
	return b
}

// WithRunningTTL sets the expiry of RUNNING markers. It should exceed the
// worker time limit.
func (b *RedisBackend) WithRunningTTL(ttl time.Duration) *RedisBackend {
	b.runningTTL = ttl
	return b
}

func (b *RedisBackend) resultKey(id string) string  { return b.prefix + "result:" + id }
func (b *RedisBackend) runningKey(id string) string { return b.prefix + "running:" + id }

// Get returns the terminal record if present, else the RUNNING marker.
func (b *RedisBackend) Get(ctx context.Context, id string) (*Record, error) {
	vals, err := b.client.MGet(ctx, b.resultKey(id), b.runningKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// MarkRunning writes the RUNNING marker unless the task is already terminal.
func (b *RedisBackend) MarkRunning(ctx context.Context, id string) error {
	n, err := b.client.Exists(ctx, b.resultKey(id)).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if n > 0 {
		return nil
	}

	now := time.Now()
	data, err := json.Marshal(&Record{TaskID: id, State: StateRunning, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := b.client.Set(ctx, b.runningKey(id), data, b.runningTTL).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// Complete writes the terminal record with SET NX and drops the marker.
func (b *RedisBackend) Complete(ctx context.Context, rec *Record) error {
	next := *rec
	next.UpdatedAt = time.Now()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ok, err := b.client.SetNX(ctx, b.resultKey(rec.TaskID), data, b.ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, rec.TaskID)
	}

	// the terminal record already shadows the marker
	b.client.Del(ctx, b.runningKey(rec.TaskID))
	return nil
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

var _ Backend = (*RedisBackend)(nil)
