package patient

import (
	"setu/internal/protocol"
)

// DiscoveryRequest is the wire form of a discovery query forwarded to the
// holding party.
type DiscoveryRequest struct {
	protocol.Envelope
	TransactionID string         `json:"transactionId" validate:"required"`
	Patient       DiscoveryQuery `json:"patient" validate:"required"`
}

// DiscoveryQuery carries the patient description inside a discovery request.
// The top-level ID is the consent-authority patient address and participates
// in matching as a verified national health id.
type DiscoveryQuery struct {
	ID                    string          `json:"id"`
	VerifiedIdentifiers   []Identifier    `json:"verifiedIdentifiers,omitempty"`
	UnverifiedIdentifiers []Identifier    `json:"unverifiedIdentifiers,omitempty"`
	Name                  string          `json:"name"`
	Gender                protocol.Gender `json:"gender"`
	YearOfBirth           int             `json:"yearOfBirth"`
}

// DiscoveredPatient is the success payload on the on-discover callback.
type DiscoveredPatient struct {
	ReferenceNumber string                  `json:"referenceNumber"`
	Display         string                  `json:"display"`
	CareContexts    []DiscoveredCareContext `json:"careContexts"`
	MatchedBy       []string                `json:"matchedBy"`
}

// DiscoveredCareContext is one linkable care context on the callback.
type DiscoveredCareContext struct {
	ReferenceNumber string `json:"referenceNumber"`
	Display         string `json:"display"`
}

// OnDiscoverPayload is the asynchronous reply to a discovery request.
type OnDiscoverPayload struct {
	protocol.CallbackEnvelope
	TransactionID string             `json:"transactionId"`
	Patient       *DiscoveredPatient `json:"patient,omitempty"`
}
