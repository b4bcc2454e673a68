package patient

import (
	"context"
	"sync"

	"setu/internal/protocol"
	"setu/internal/sentinel"
)

// Store is the holding party's patient index.
//
// Error Contract:
// - Lookups return sentinel.ErrNotFound when no patient matches
// - FindByDemographics returns an empty slice, not an error, on no candidates
type Store interface {
	Get(ctx context.Context, internalID string) (*Record, error)
	FindByIdentifier(ctx context.Context, idType protocol.IdentifierType, normalized string) (*Record, error)
	FindByDemographics(ctx context.Context, gender protocol.Gender, birthYear int) ([]*Record, error)
	AddCareContexts(ctx context.Context, internalID string, contexts []CareContext) error
}

// InMemoryStore indexes patients in process memory. Reference data is seeded
// at startup; care contexts accumulate as encounters are recorded.
type InMemoryStore struct {
	mu         sync.RWMutex
	byInternal map[string]*Record
	byHealthID map[string]string
	byPhone    map[string]string
	byMRN      map[string]string
}

// NewInMemoryStore constructs an empty patient index.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byInternal: make(map[string]*Record),
		byHealthID: make(map[string]string),
		byPhone:    make(map[string]string),
		byMRN:      make(map[string]string),
	}
}

// Seed loads patients into the index, normalizing identifier keys.
func (s *InMemoryStore) Seed(patients ...*Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patients {
		copyRecord := *p
		s.byInternal[p.InternalID] = &copyRecord
		if key := NormalizeHealthID(p.Identifiers.NationalHealthID); key != "" {
			s.byHealthID[key] = p.InternalID
		}
		if key := NormalizePhone(p.Identifiers.Phone); key != "" {
			s.byPhone[key] = p.InternalID
		}
		if key := NormalizeMedicalRecordNumber(p.Identifiers.MedicalRecordNumber); key != "" {
			s.byMRN[key] = p.InternalID
		}
	}
}

func (s *InMemoryStore) Get(_ context.Context, internalID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byInternal[internalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copyRecord := *record
	return &copyRecord, nil
}

func (s *InMemoryStore) FindByIdentifier(_ context.Context, idType protocol.IdentifierType, normalized string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var index map[string]string
	switch idType {
	case protocol.IdentifierNationalHealthID:
		index = s.byHealthID
	case protocol.IdentifierMobile:
		index = s.byPhone
	case protocol.IdentifierMedicalRecord:
		index = s.byMRN
	default:
		return nil, sentinel.ErrInvalidInput
	}

	internalID, ok := index[normalized]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copyRecord := *s.byInternal[internalID]
	return &copyRecord, nil
}

func (s *InMemoryStore) FindByDemographics(_ context.Context, gender protocol.Gender, birthYear int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []*Record
	for _, record := range s.byInternal {
		if record.Demographics.Gender == gender && record.Demographics.BirthYear == birthYear {
			copyRecord := *record
			candidates = append(candidates, &copyRecord)
		}
	}
	return candidates, nil
}

func (s *InMemoryStore) AddCareContexts(_ context.Context, internalID string, contexts []CareContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byInternal[internalID]
	if !ok {
		return sentinel.ErrNotFound
	}
	existing := make(map[string]bool, len(record.CareContexts))
	for _, cc := range record.CareContexts {
		existing[cc.Reference] = true
	}
	for _, cc := range contexts {
		if !existing[cc.Reference] {
			record.CareContexts = append(record.CareContexts, cc)
		}
	}
	return nil
}
