package gateway

import (
	"context"
	"time"
)

// Store is the correlation registry persistence interface. Entries carry a
// TTL so abandoned requests age out instead of accumulating.
//
// Error Contract:
// - Get and MarkDelivered return sentinel.ErrNotFound when no live entry exists
// - Other methods return nil on success or wrapped errors on failure
type Store interface {
	Put(ctx context.Context, entry *CorrelationEntry, ttl time.Duration) error
	Get(ctx context.Context, requestID string) (*CorrelationEntry, error)
	MarkDelivered(ctx context.Context, requestID string, at time.Time) error
}
