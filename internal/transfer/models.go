// Package transfer ships consented clinical bundles from the holding party
// to the requester's declared endpoint, and relays the consent authority's
// side of a health-information request.
package transfer

import (
	"encoding/json"
	"time"

	"setu/internal/protocol"
)

// ClinicalBundle is one stored clinical document, keyed by the care context
// it belongs to. Content is an opaque FHIR-style document.
type ClinicalBundle struct {
	BundleID       string          `json:"bundle_id"`
	CareContextRef string          `json:"care_context_ref"`
	HIType         protocol.HIType `json:"hi_type"`
	CreatedAt      time.Time       `json:"created_at"`
	Content        json.RawMessage `json:"content"`
}

// SessionStatus is the final control-plane outcome of a transfer session.
type SessionStatus string

const (
	SessionAcknowledged SessionStatus = "ACKNOWLEDGED"
	SessionTransferred  SessionStatus = "TRANSFERRED"
	SessionFailed       SessionStatus = "FAILED"
)
