// Package linking implements OTP-authorized association of care contexts
// with a consent-authority patient identity.
package linking

import (
	"time"

	"setu/pkg/domain"
)

// Attempt is one outstanding OTP challenge. Terminal once verified, expired,
// or the attempt counter reaches the ceiling.
type Attempt struct {
	LinkReference     string                  `json:"link_reference"`
	CodeHash          []byte                  `json:"code_hash"`
	PatientInternalID string                  `json:"patient_internal_id"`
	PatientReference  domain.PatientReference `json:"patient_reference"`
	CareContextRefs   []string                `json:"care_context_refs"`
	CreatedAt         time.Time               `json:"created_at"`
	ExpiresAt         time.Time               `json:"expires_at"`
	AttemptCount      int                     `json:"attempt_count"`
	Verified          bool                    `json:"verified"`
}

// Expired reports whether the challenge window has closed.
func (a Attempt) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ContextLink associates one care context with a consent-authority patient
// identity. Upserts are idempotent on (patient, care context, authority id).
type ContextLink struct {
	PatientInternalID string                  `json:"patient_internal_id"`
	CareContextRef    string                  `json:"care_context_ref"`
	PatientReference  domain.PatientReference `json:"patient_reference"`
	LinkedAt          time.Time               `json:"linked_at"`
	Status            string                  `json:"status"`
}

// LinkStatusActive is the only status a fresh link carries.
const LinkStatusActive = "ACTIVE"
