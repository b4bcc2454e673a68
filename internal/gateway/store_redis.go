package gateway

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

const correlationKeyPrefix = "setu:correlation:"

// RedisStore persists correlation entries in Redis with native TTL expiry, so
// the registry survives process restarts and is shared across gateway nodes.
type RedisStore struct {
	client *platformredis.Client
}

// NewRedisStore constructs a Redis-backed correlation store.
func NewRedisStore(client *platformredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, entry *CorrelationEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal correlation entry: %w", err)
	}
	if err := s.client.Set(ctx, correlationKeyPrefix+entry.RequestID, data, ttl).Err(); err != nil {
		return fmt.Errorf("store correlation entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, requestID string) (*CorrelationEntry, error) {
	data, err := s.client.Client.Get(ctx, correlationKeyPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("read correlation entry: %w", err)
	}
	var entry CorrelationEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal correlation entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, requestID string, at time.Time) error {
	entry, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	entry.Delivered = true
	entry.DeliveredAt = &at

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal correlation entry: %w", err)
	}
	// KeepTTL preserves the original expiry set at accept time.
	if err := s.client.Set(ctx, correlationKeyPrefix+requestID, data, goredis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update correlation entry: %w", err)
	}
	return nil
}
