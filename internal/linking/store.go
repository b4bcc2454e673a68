package linking

import (
	"context"
	"sync"
	"time"

	"setu/internal/sentinel"
	"setu/pkg/domain"
)

// AttemptStore persists OTP challenges. Entries carry a TTL so abandoned
// challenges age out on their own.
type AttemptStore interface {
	Put(ctx context.Context, attempt Attempt, ttl time.Duration) error
	Get(ctx context.Context, linkReference string) (Attempt, error)
	Update(ctx context.Context, attempt Attempt) error
}

// LinkStore persists confirmed care-context links.
type LinkStore interface {
	Upsert(ctx context.Context, link ContextLink) error
	ListByPatientReference(ctx context.Context, ref domain.PatientReference) ([]ContextLink, error)
}

type attemptEntry struct {
	attempt   Attempt
	expiresAt time.Time
}

// InMemoryAttemptStore is the sandbox AttemptStore.
type InMemoryAttemptStore struct {
	mu      sync.RWMutex
	entries map[string]attemptEntry
	clock   func() time.Time
}

func NewInMemoryAttemptStore() *InMemoryAttemptStore {
	return &InMemoryAttemptStore{
		entries: make(map[string]attemptEntry),
		clock:   time.Now,
	}
}

func (s *InMemoryAttemptStore) Put(_ context.Context, attempt Attempt, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[attempt.LinkReference] = attemptEntry{
		attempt:   attempt,
		expiresAt: s.clock().Add(ttl),
	}
	return nil
}

func (s *InMemoryAttemptStore) Get(_ context.Context, linkReference string) (Attempt, error) {
	s.mu.RLock()
	entry, ok := s.entries[linkReference]
	s.mu.RUnlock()
	if !ok || s.clock().After(entry.expiresAt) {
		return Attempt{}, sentinel.ErrNotFound
	}
	return entry.attempt, nil
}

func (s *InMemoryAttemptStore) Update(_ context.Context, attempt Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[attempt.LinkReference]
	if !ok || s.clock().After(entry.expiresAt) {
		return sentinel.ErrNotFound
	}
	entry.attempt = attempt
	s.entries[attempt.LinkReference] = entry
	return nil
}

type linkKey struct {
	patientInternalID string
	careContextRef    string
	patientReference  domain.PatientReference
}

// InMemoryLinkStore is the sandbox LinkStore.
type InMemoryLinkStore struct {
	mu    sync.RWMutex
	links map[linkKey]ContextLink
}

func NewInMemoryLinkStore() *InMemoryLinkStore {
	return &InMemoryLinkStore{links: make(map[linkKey]ContextLink)}
}

func (s *InMemoryLinkStore) Upsert(_ context.Context, link ContextLink) error {
	key := linkKey{
		patientInternalID: link.PatientInternalID,
		careContextRef:    link.CareContextRef,
		patientReference:  link.PatientReference,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.links[key]; ok {
		// Re-linking the same context is a no-op; keep the original timestamp.
		link.LinkedAt = existing.LinkedAt
	}
	s.links[key] = link
	return nil
}

func (s *InMemoryLinkStore) ListByPatientReference(_ context.Context, ref domain.PatientReference) ([]ContextLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ContextLink
	for _, link := range s.links {
		if link.PatientReference == ref {
			out = append(out, link)
		}
	}
	return out, nil
}
