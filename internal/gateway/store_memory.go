package gateway

import (
	"context"
	"sync"
	"time"

	"setu/internal/sentinel"
)

// InMemoryStore keeps correlation entries in process memory. It is the test
// and single-node backend; production swaps in the Redis store.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	entry     CorrelationEntry
	expiresAt time.Time
}

// NewInMemoryStore constructs an empty in-memory correlation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *InMemoryStore) Put(_ context.Context, entry *CorrelationEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyEntry := *entry
	s.entries[entry.RequestID] = &memoryEntry{
		entry:     copyEntry,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, requestID string) (*CorrelationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.entries[requestID]
	if !ok || time.Now().After(stored.expiresAt) {
		return nil, sentinel.ErrNotFound
	}
	copyEntry := stored.entry
	return &copyEntry, nil
}

func (s *InMemoryStore) MarkDelivered(_ context.Context, requestID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entries[requestID]
	if !ok || time.Now().After(stored.expiresAt) {
		return sentinel.ErrNotFound
	}
	stored.entry.Delivered = true
	stored.entry.DeliveredAt = &at
	return nil
}
