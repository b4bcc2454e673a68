// Package consent implements the consent authority's request and artefact
// state machine. Transitions move forward only; expiry is evaluated lazily
// at access time rather than by a background sweep.
package consent

import (
	"time"

	"setu/internal/protocol"
	"setu/pkg/domain"
)

// Status is the lifecycle state of a consent request or artefact.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusGranted   Status = "GRANTED"
	StatusDenied    Status = "DENIED"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusExpired || s == StatusRevoked
}

// Frequency bounds how often a granted consent may be exercised.
type Frequency struct {
	Unit    string `json:"unit"`
	Value   int    `json:"value"`
	Repeats int    `json:"repeats"`
}

// Permission is the scope the patient is asked to grant: how records may be
// accessed, over which clinical window, and until when the requester may
// hold the data.
type Permission struct {
	AccessMode  protocol.AccessMode `json:"accessMode"`
	DateRange   protocol.DateRange  `json:"dateRange"`
	DataEraseAt time.Time           `json:"dataEraseAt"`
	Frequency   Frequency           `json:"frequency"`
}

// Request is one consent solicitation awaiting the patient's decision. The
// ConsentID is assigned only when the request is granted.
type Request struct {
	ConsentRequestID domain.ConsentRequestID `json:"consent_request_id"`
	PatientReference domain.PatientReference `json:"patient_reference"`
	RequesterID      domain.ParticipantID    `json:"requester_id"`
	HolderID         domain.ParticipantID    `json:"holder_id,omitempty"`
	Purpose          protocol.Purpose        `json:"purpose"`
	HITypes          []protocol.HIType       `json:"hi_types"`
	Permission       Permission              `json:"permission"`
	Status           Status                  `json:"status"`
	ConsentID        *domain.ConsentID       `json:"consent_id,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	ExpiresAt        time.Time               `json:"expires_at"`
}

// EffectiveStatus folds lazy expiry into the stored status: a request still
// awaiting a decision past its window reads as EXPIRED.
func (r *Request) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusRequested && now.After(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Artefact is the signed record of a granted consent. Immutable except for
// status and the revocation timestamp.
type Artefact struct {
	ConsentID        domain.ConsentID        `json:"consent_id"`
	ConsentRequestID domain.ConsentRequestID `json:"consent_request_id"`
	PatientReference domain.PatientReference `json:"patient_reference"`
	RequesterID      domain.ParticipantID    `json:"requester_id"`
	HolderID         domain.ParticipantID    `json:"holder_id"`
	CareContextRefs  []string                `json:"care_context_refs"`
	HITypes          []protocol.HIType       `json:"hi_types"`
	AccessMode       protocol.AccessMode     `json:"access_mode"`
	DateRange        protocol.DateRange      `json:"date_range"`
	DataEraseAt      time.Time               `json:"data_erase_at"`
	Frequency        Frequency               `json:"frequency"`
	Status           Status                  `json:"status"`
	Signature        string                  `json:"signature"`
	GrantedAt        time.Time               `json:"granted_at"`
	RevokedAt        *time.Time              `json:"revoked_at,omitempty"`
}

// EffectiveStatus folds lazy expiry into the stored status: a granted
// artefact past its erase deadline reads as EXPIRED.
func (a *Artefact) EffectiveStatus(now time.Time) Status {
	if a.Status == StatusGranted && now.After(a.DataEraseAt) {
		return StatusExpired
	}
	return a.Status
}

// PermitsHIType reports whether the artefact covers the given record type.
func (a *Artefact) PermitsHIType(t protocol.HIType) bool {
	for _, ht := range a.HITypes {
		if ht == t {
			return true
		}
	}
	return false
}
