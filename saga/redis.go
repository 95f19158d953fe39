package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- Hash: saga:{id} - saga state
- Set: saga:by_status:{status} - saga IDs by status
- Sorted Set: saga:by_time - saga IDs sorted by start time

Index entries whose hash has expired are pruned lazily by List.
*/

// RedisStore is a Redis-based saga journal.
//
// Example:
//
//	store := saga.NewRedisStore(rdb).
//	    WithKeyPrefix("orchestrator:saga:").
//	    WithTTL(24 * time.Hour)
type RedisStore struct {
	client       redis.Cmdable
	prefix       string
	statusPrefix string
	timeKey      string
	ttl          time.Duration // TTL for terminal sagas (0 = no expiry)
}

// NewRedisStore creates a new Redis saga store with key prefix "saga:" and
// no expiry.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return (&RedisStore{client: client}).WithKeyPrefix("saga:")
}

// WithKeyPrefix sets a custom key prefix.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.statusPrefix = prefix + "by_status:"
	s.timeKey = prefix + "by_time"
	return s
}

// WithTTL expires sagas ttl after they reach a terminal status.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

// Create creates a new saga instance
func (s *RedisStore) Create(ctx context.Context, state *State) error {
	key := s.prefix + state.ID

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrSagaExists, state.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, s.fields(state))
		pipe.SAdd(ctx, s.statusPrefix+string(state.Status), state.ID)
		pipe.ZAdd(ctx, s.timeKey, redis.Z{
			Score:  float64(state.StartedAt.UnixMilli()),
			Member: state.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return nil
}

// fields converts state to hash fields
func (s *RedisStore) fields(state *State) map[string]any {
	completed, _ := json.Marshal(state.CompletedSteps)
	compensated, _ := json.Marshal(state.CompensatedSteps)

	fields := map[string]any{
		"id":                state.ID,
		"name":              state.Name,
		"status":            string(state.Status),
		"current_step":      state.CurrentStep,
		"completed_steps":   completed,
		"compensated_steps": compensated,
		"error":             state.Error,
		"started_at":        state.StartedAt.UnixMilli(),
		"last_updated_at":   state.LastUpdatedAt.UnixMilli(),
		"completed_at":      "",
	}
	if state.CompletedAt != nil {
		fields["completed_at"] = state.CompletedAt.UnixMilli()
	}
	return fields
}

// Get retrieves saga state by ID
func (s *RedisStore) Get(ctx context.Context, id string) (*State, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return parseState(fields), nil
}

func parseMilli(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// parseState converts hash fields to State
func parseState(fields map[string]string) *State {
	state := &State{
		ID:     fields["id"],
		Name:   fields["name"],
		Status: Status(fields["status"]),
		Error:  fields["error"],
	}

	state.CurrentStep, _ = strconv.Atoi(fields["current_step"])
	if v := fields["completed_steps"]; v != "" {
		json.Unmarshal([]byte(v), &state.CompletedSteps)
	}
	if v := fields["compensated_steps"]; v != "" {
		json.Unmarshal([]byte(v), &state.CompensatedSteps)
	}
	state.StartedAt, _ = parseMilli(fields["started_at"])
	state.LastUpdatedAt, _ = parseMilli(fields["last_updated_at"])
	if t, ok := parseMilli(fields["completed_at"]); ok {
		state.CompletedAt = &t
	}

	return state
}

// Update updates saga state
func (s *RedisStore) Update(ctx context.Context, state *State) error {
	key := s.prefix + state.ID

	oldStatus, err := s.client.HGet(ctx, key, "status").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotFound, state.ID)
	}
	if err != nil {
		return fmt.Errorf("hget: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, s.fields(state))
		if oldStatus != string(state.Status) {
			pipe.SRem(ctx, s.statusPrefix+oldStatus, state.ID)
			pipe.SAdd(ctx, s.statusPrefix+string(state.Status), state.ID)
		}
		pipe.ZAdd(ctx, s.timeKey, redis.Z{
			Score:  float64(state.StartedAt.UnixMilli()),
			Member: state.ID,
		})
		if state.Status.Terminal() && s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		} else {
			pipe.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// List lists sagas matching the filter, newest first
func (s *RedisStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	ids, err := s.client.ZRevRange(ctx, s.timeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	var results []*State
	for _, id := range ids {
		state, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.unindex(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.match(state) {
			continue
		}
		results = append(results, state)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// unindex drops id from every index, used once its hash has expired.
func (s *RedisStore) unindex(ctx context.Context, id string) {
	s.client.ZRem(ctx, s.timeKey, id)
	for _, status := range []Status{StatusRunning, StatusCompensating, StatusCompleted, StatusCompensated} {
		s.client.SRem(ctx, s.statusPrefix+string(status), id)
	}
}

// Delete removes a saga by ID
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	state, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.prefix+id)
		pipe.SRem(ctx, s.statusPrefix+string(state.Status), id)
		pipe.ZRem(ctx, s.timeKey, id)
		return nil
	})
	return err
}

// CountByStatus returns the number of indexed sagas in status.
func (s *RedisStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return s.client.SCard(ctx, s.statusPrefix+string(status)).Result()
}

// Ping checks connectivity for readiness reporting.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
