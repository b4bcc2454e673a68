package consent

import (
	"context"
	"sync"
	"time"

	"setu/internal/sentinel"
	"setu/pkg/domain"
)

// Store persists consent requests and artefacts. Status transitions are
// compare-and-swap on the current status so two racing decisions cannot both
// succeed; the loser sees sentinel.ErrInvalidState.
type Store interface {
	CreateRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id domain.ConsentRequestID) (*Request, error)
	UpdateRequestStatusFrom(ctx context.Context, id domain.ConsentRequestID, from, to Status) error
	// Grant flips the request REQUESTED to GRANTED and mints the artefact in
	// one atomic step.
	Grant(ctx context.Context, id domain.ConsentRequestID, artefact *Artefact) error
	GetArtefact(ctx context.Context, id domain.ConsentID) (*Artefact, error)
	// Revoke flips the artefact and its parent request GRANTED to REVOKED.
	Revoke(ctx context.Context, id domain.ConsentID, at time.Time) error
}

// InMemoryStore is the test and sandbox Store.
type InMemoryStore struct {
	mu        sync.RWMutex
	requests  map[domain.ConsentRequestID]*Request
	artefacts map[domain.ConsentID]*Artefact
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:  make(map[domain.ConsentRequestID]*Request),
		artefacts: make(map[domain.ConsentID]*Artefact),
	}
}

func (s *InMemoryStore) CreateRequest(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ConsentRequestID]; ok {
		return sentinel.ErrConflict
	}
	cp := *req
	s.requests[req.ConsentRequestID] = &cp
	return nil
}

func (s *InMemoryStore) GetRequest(_ context.Context, id domain.ConsentRequestID) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *InMemoryStore) UpdateRequestStatusFrom(_ context.Context, id domain.ConsentRequestID, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if req.Status != from {
		return sentinel.ErrInvalidState
	}
	req.Status = to
	return nil
}

func (s *InMemoryStore) Grant(_ context.Context, id domain.ConsentRequestID, artefact *Artefact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if req.Status != StatusRequested {
		return sentinel.ErrInvalidState
	}
	req.Status = StatusGranted
	consentID := artefact.ConsentID
	req.ConsentID = &consentID
	cp := *artefact
	s.artefacts[artefact.ConsentID] = &cp
	return nil
}

func (s *InMemoryStore) GetArtefact(_ context.Context, id domain.ConsentID) (*Artefact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artefact, ok := s.artefacts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *artefact
	return &cp, nil
}

func (s *InMemoryStore) Revoke(_ context.Context, id domain.ConsentID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	artefact, ok := s.artefacts[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if artefact.Status != StatusGranted {
		return sentinel.ErrInvalidState
	}
	artefact.Status = StatusRevoked
	revokedAt := at
	artefact.RevokedAt = &revokedAt
	if req, ok := s.requests[artefact.ConsentRequestID]; ok && req.Status == StatusGranted {
		req.Status = StatusRevoked
	}
	return nil
}
