package poison

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	{prefix}failures:{taskID}    failure count, expires after failureTTL
//	{prefix}quarantine:{taskID}  quarantine reason, expires with the quarantine
const defaultRedisPrefix = "task:poison:"

// RedisStore shares counts between workers through Redis.
type RedisStore struct {
	client     redis.Cmdable
	prefix     string
	failureTTL time.Duration
}

// NewRedisStore creates a store using client. Failure counts expire after
// 24 hours unless WithFailureTTL says otherwise.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     defaultRedisPrefix,
		failureTTL: 24 * time.Hour,
	}
}

// WithPrefix sets the key prefix
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// WithFailureTTL bounds how long an idle failure count is kept.
func (s *RedisStore) WithFailureTTL(ttl time.Duration) *RedisStore {
	if ttl > 0 {
		s.failureTTL = ttl
	}
	return s
}

func (s *RedisStore) failureKey(taskID string) string {
	return s.prefix + "failures:" + taskID
}

func (s *RedisStore) quarantineKey(taskID string) string {
	return s.prefix + "quarantine:" + taskID
}

func (s *RedisStore) IncrementFailures(ctx context.Context, taskID string) (int, error) {
	key := s.failureKey(taskID)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.failureTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Failures(ctx context.Context, taskID string) (int, error) {
	val, err := s.client.Get(ctx, s.failureKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return count, nil
}

func (s *RedisStore) ResetFailures(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.failureKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Quarantine(ctx context.Context, taskID, reason string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.quarantineKey(taskID), reason, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Quarantined(ctx context.Context, taskID string) (string, bool, error) {
	reason, err := s.client.Get(ctx, s.quarantineKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return reason, true, nil
}

func (s *RedisStore) Release(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.quarantineKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
