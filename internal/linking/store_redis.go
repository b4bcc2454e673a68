package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	platformredis "setu/internal/platform/redis"
	"setu/internal/sentinel"
)

const attemptKeyPrefix = "setu:link-attempt:"

// RedisAttemptStore keeps OTP challenges in Redis with native TTL expiry.
// Attempt counters survive process restarts, which keeps the retry ceiling
// honest across deploys.
type RedisAttemptStore struct {
	client *platformredis.Client
}

// NewRedisAttemptStore constructs a Redis-backed attempt store.
func NewRedisAttemptStore(client *platformredis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{client: client}
}

func (s *RedisAttemptStore) Put(ctx context.Context, attempt Attempt, ttl time.Duration) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal link attempt: %w", err)
	}
	if err := s.client.Set(ctx, attemptKeyPrefix+attempt.LinkReference, data, ttl).Err(); err != nil {
		return fmt.Errorf("store link attempt: %w", err)
	}
	return nil
}

func (s *RedisAttemptStore) Get(ctx context.Context, linkReference string) (Attempt, error) {
	data, err := s.client.Client.Get(ctx, attemptKeyPrefix+linkReference).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Attempt{}, sentinel.ErrNotFound
		}
		return Attempt{}, fmt.Errorf("read link attempt: %w", err)
	}
	var attempt Attempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return Attempt{}, fmt.Errorf("unmarshal link attempt: %w", err)
	}
	return attempt, nil
}

func (s *RedisAttemptStore) Update(ctx context.Context, attempt Attempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal link attempt: %w", err)
	}
	// KeepTTL preserves the challenge window set at initiation.
	if err := s.client.Set(ctx, attemptKeyPrefix+attempt.LinkReference, data, goredis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update link attempt: %w", err)
	}
	return nil
}
