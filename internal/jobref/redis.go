package jobref

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis using SET EX with JSON values, so
// expiry is handled server side.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed reference store with the given TTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func refKey(mediaID string) string {
	return "jobref:" + mediaID
}

func (s *RedisStore) Put(ctx context.Context, ref Ref) error {
	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal job reference: %w", err)
	}
	if err := s.client.Set(ctx, refKey(ref.MediaID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job reference: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, mediaID string) (Ref, bool, error) {
	payload, err := s.client.Get(ctx, refKey(mediaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Ref{}, false, nil
		}
		return Ref{}, false, fmt.Errorf("failed to get job reference: %w", err)
	}

	var ref Ref
	if err := json.Unmarshal(payload, &ref); err != nil {
		return Ref{}, false, fmt.Errorf("failed to unmarshal job reference: %w", err)
	}
	return ref, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, mediaID string) error {
	if err := s.client.Del(ctx, refKey(mediaID)).Err(); err != nil {
		return fmt.Errorf("failed to delete job reference: %w", err)
	}
	return nil
}
