package transfer

import (
	"context"
	"sort"
	"sync"
)

// BundleStore is the holding party's clinical document index, keyed by care
// context reference.
type BundleStore interface {
	ListByCareContext(ctx context.Context, careContextRef string) ([]ClinicalBundle, error)
}

// InMemoryBundleStore is the sandbox BundleStore.
type InMemoryBundleStore struct {
	mu    sync.RWMutex
	byRef map[string][]ClinicalBundle
}

func NewInMemoryBundleStore() *InMemoryBundleStore {
	return &InMemoryBundleStore{byRef: make(map[string][]ClinicalBundle)}
}

// Seed loads bundles into the index.
func (s *InMemoryBundleStore) Seed(bundles ...ClinicalBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bundles {
		s.byRef[b.CareContextRef] = append(s.byRef[b.CareContextRef], b)
	}
	for ref := range s.byRef {
		list := s.byRef[ref]
		sort.Slice(list, func(i, j int) bool {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
	}
}

func (s *InMemoryBundleStore) ListByCareContext(_ context.Context, careContextRef string) ([]ClinicalBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClinicalBundle, len(s.byRef[careContextRef]))
	copy(out, s.byRef[careContextRef])
	return out, nil
}
