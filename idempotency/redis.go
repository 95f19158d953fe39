package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix prefixes every key written by RedisStore.
const DefaultRedisPrefix = "task:acked:"

// RedisStore keeps one expiring key per acknowledged message id, shared
// by every worker on the queue.
//
// Two workers racing on the same id can both pass IsDuplicate. The task
// backend's write-once terminal record settles that race.
type RedisStore struct {
	client    redis.Cmdable
	retention time.Duration
	prefix    string
}

// NewRedisStore creates a store whose marks expire after retention. Keep
// retention at least as long as a message can stay pending in the stream.
func NewRedisStore(client redis.Cmdable, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		prefix:    DefaultRedisPrefix,
	}
}

// WithPrefix sets the key prefix
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", messageID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := s.client.Set(ctx, s.key(messageID), time.Now().UTC().Format(time.RFC3339), s.retention).Err(); err != nil {
		return fmt.Errorf("mark %s: %w", messageID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, messageID string) error {
	if err := s.client.Del(ctx, s.key(messageID)).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", messageID, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
