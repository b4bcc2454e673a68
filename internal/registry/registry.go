// Package registry tracks the participants enrolled on the exchange: who
// they are, which actor role they play, where their endpoints live, and the
// credentials they authenticate sessions with.
package registry

import (
	"crypto/subtle"
	"strings"
	"sync"

	"setu/internal/sentinel"
	"setu/pkg/domain"
)

// Role identifies which protocol actor a participant plays.
type Role string

const (
	RoleConsentManager Role = "CM"
	RoleProvider       Role = "HIP"
	RoleRequester      Role = "HIU"
)

// Participant is one enrolled party.
type Participant struct {
	ID      domain.ParticipantID
	Role    Role
	BaseURL string
	Secret  string
}

// Registry is an in-memory participant directory. Enrollment is
// configuration-driven; there is no runtime mutation beyond seeding.
type Registry struct {
	mu     sync.RWMutex
	byID   map[domain.ParticipantID]Participant
	byRole map[Role][]domain.ParticipantID
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[domain.ParticipantID]Participant),
		byRole: make(map[Role][]domain.ParticipantID),
	}
}

// Add enrolls a participant, replacing any previous entry with the same ID.
func (r *Registry) Add(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[p.ID]; !exists {
		r.byRole[p.Role] = append(r.byRole[p.Role], p.ID)
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	r.byID[p.ID] = p
}

// Resolve returns the participant with the given ID.
func (r *Registry) Resolve(id domain.ParticipantID) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, sentinel.ErrNotFound
	}
	return p, nil
}

// ResolveRole returns the first participant enrolled for the given role.
// The sandbox topology enrolls exactly one participant per role.
func (r *Registry) ResolveRole(role Role) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byRole[role]
	if len(ids) == 0 {
		return Participant{}, sentinel.ErrNotFound
	}
	return r.byID[ids[0]], nil
}

// Authenticate verifies a participant's client credentials.
func (r *Registry) Authenticate(id domain.ParticipantID, secret string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, sentinel.ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(p.Secret), []byte(secret)) != 1 {
		return Participant{}, sentinel.ErrInvalidInput
	}
	return p, nil
}
