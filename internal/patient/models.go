// Package patient holds the data-holding party's patient reference data and
// the layered matching engine that resolves discovery queries against it.
package patient

import (
	"time"

	"setu/internal/protocol"
)

// Identifiers are the exact-match keys a patient can be found by, in
// descending match priority.
type Identifiers struct {
	NationalHealthID    string `json:"national_health_id,omitempty"`
	Phone               string `json:"phone,omitempty"`
	MedicalRecordNumber string `json:"medical_record_number,omitempty"`
}

// Demographics support the fuzzy fallback tier of matching.
type Demographics struct {
	Name      string          `json:"name"`
	Gender    protocol.Gender `json:"gender"`
	BirthYear int             `json:"birth_year"`
}

// CareContext is one clinical encounter or document reference, the unit
// consent is granted over.
type CareContext struct {
	Reference string    `json:"reference"`
	Display   string    `json:"display"`
	BundleID  string    `json:"bundle_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one patient known to the holding party.
type Record struct {
	InternalID   string        `json:"internal_id"`
	Identifiers  Identifiers   `json:"identifiers"`
	Demographics Demographics  `json:"demographics"`
	CareContexts []CareContext `json:"care_contexts"`
}

// Identifier is one typed identifier submitted in a discovery query.
type Identifier struct {
	Type  protocol.IdentifierType `json:"type"`
	Value string                  `json:"value"`
}

// Query is a discovery request's patient description.
type Query struct {
	Verified    []Identifier
	Unverified  []Identifier
	Name        string
	Gender      protocol.Gender
	YearOfBirth int
}

// Match is a successful resolution: exactly one patient, the tier that
// matched, and the patient's full care-context set.
type Match struct {
	Patient   *Record
	MatchedBy string
}

// Match tiers reported on discovery callbacks.
const (
	MatchedByHealthID        = "NATIONAL_HEALTH_ID"
	MatchedByPhone           = "MOBILE"
	MatchedByMedicalRecord   = "MR"
	MatchedByUnverifiedPhone = "MOBILE_UNVERIFIED"
	MatchedByDemographics    = "DEMOGRAPHICS"
)
