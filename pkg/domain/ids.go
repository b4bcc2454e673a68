// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "setu/pkg/domain-errors"
)

// Distinct ID types - the compiler prevents passing a ConsentID where a
// ConsentRequestID is expected.
type (
	RequestID        uuid.UUID
	ConsentRequestID uuid.UUID
	ConsentID        uuid.UUID
	TransactionID    uuid.UUID
)

// ParticipantID is a registry-issued string identifier for a protocol
// participant (e.g. "hip-blue-ridge", "hiu-wellness").
type ParticipantID string

// PatientReference is the consent-authority-visible patient address,
// formatted as <id>@<authority suffix> (e.g. "ramesh@sbx").
type PatientReference string

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseRequestID(s string) (RequestID, error) {
	id, err := parseUUID(s, "request ID")
	return RequestID(id), err
}

func ParseConsentRequestID(s string) (ConsentRequestID, error) {
	id, err := parseUUID(s, "consent request ID")
	return ConsentRequestID(id), err
}

func ParseConsentID(s string) (ConsentID, error) {
	id, err := parseUUID(s, "consent ID")
	return ConsentID(id), err
}

// New functions - mint fresh identifiers.

func NewRequestID() RequestID               { return RequestID(uuid.New()) }
func NewConsentRequestID() ConsentRequestID { return ConsentRequestID(uuid.New()) }
func NewConsentID() ConsentID               { return ConsentID(uuid.New()) }
func NewTransactionID() TransactionID       { return TransactionID(uuid.New()) }

// String methods - for logging and wire encoding.

func (id RequestID) String() string        { return uuid.UUID(id).String() }
func (id ConsentRequestID) String() string { return uuid.UUID(id).String() }
func (id ConsentID) String() string        { return uuid.UUID(id).String() }
func (id TransactionID) String() string    { return uuid.UUID(id).String() }
func (id ParticipantID) String() string    { return string(id) }
func (p PatientReference) String() string  { return string(p) }

// Text marshaling - delegate to uuid.UUID so the ids travel as canonical
// UUID strings in JSON rather than raw byte arrays.

func (id RequestID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id ConsentRequestID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id ConsentID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id TransactionID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }

func (id *RequestID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ConsentRequestID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ConsentID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *TransactionID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }

// IsNil checks - used for service-layer validation.

func (id RequestID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id ConsentRequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ConsentID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id TransactionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ParticipantID) IsNil() bool    { return id == "" }
func (p PatientReference) IsNil() bool  { return p == "" }

// parseUUID is the shared validation logic.
// Nil UUIDs are allowed here; use IsNil() at the service layer for business
// validation so store lookups can return proper "not found" errors.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	return id, nil
}
