package protocol

import "time"

// Purpose is the declared reason a requester seeks clinical data. Consent is
// scoped to exactly one purpose.
type Purpose string

const (
	PurposeCareManagement    Purpose = "CAREMGT"
	PurposeBreakTheGlass     Purpose = "BTG"
	PurposePublicHealth      Purpose = "PUBHLTH"
	PurposeHealthcarePayment Purpose = "HPAYMT"
	PurposeDiseaseResearch   Purpose = "DSRCH"
	PurposeSelfRequested     Purpose = "PATRQT"
)

// IsValid reports whether the purpose is a known code.
func (p Purpose) IsValid() bool {
	switch p {
	case PurposeCareManagement, PurposeBreakTheGlass, PurposePublicHealth,
		PurposeHealthcarePayment, PurposeDiseaseResearch, PurposeSelfRequested:
		return true
	}
	return false
}

// HIType classifies a clinical bundle. Consent enumerates the types the
// requester may receive; transfer filters bundles against that set.
type HIType string

const (
	HITypePrescription       HIType = "Prescription"
	HITypeDiagnosticReport   HIType = "DiagnosticReport"
	HITypeOPConsultation     HIType = "OPConsultation"
	HITypeDischargeSummary   HIType = "DischargeSummary"
	HITypeImmunizationRecord HIType = "ImmunizationRecord"
	HITypeWellnessRecord     HIType = "WellnessRecord"
)

// IsValid reports whether the HI type is a known code.
func (t HIType) IsValid() bool {
	switch t {
	case HITypePrescription, HITypeDiagnosticReport, HITypeOPConsultation,
		HITypeDischargeSummary, HITypeImmunizationRecord, HITypeWellnessRecord:
		return true
	}
	return false
}

// AccessMode describes how granted data may be consumed.
type AccessMode string

const (
	AccessModeView   AccessMode = "VIEW"
	AccessModeStore  AccessMode = "STORE"
	AccessModeQuery  AccessMode = "QUERY"
	AccessModeStream AccessMode = "STREAM"
)

// IsValid reports whether the access mode is a known code.
func (m AccessMode) IsValid() bool {
	switch m {
	case AccessModeView, AccessModeStore, AccessModeQuery, AccessModeStream:
		return true
	}
	return false
}

// IdentifierType classifies a patient identifier submitted for discovery, in
// descending match priority.
type IdentifierType string

const (
	IdentifierNationalHealthID IdentifierType = "NATIONAL_HEALTH_ID"
	IdentifierMobile           IdentifierType = "MOBILE"
	IdentifierMedicalRecord    IdentifierType = "MR"
)

// MatchPriority orders identifier types for the layered matching algorithm;
// lower sorts first.
func (t IdentifierType) MatchPriority() int {
	switch t {
	case IdentifierNationalHealthID:
		return 0
	case IdentifierMobile:
		return 1
	case IdentifierMedicalRecord:
		return 2
	default:
		return 3
	}
}

// Gender codes used by demographic matching.
type Gender string

const (
	GenderMale        Gender = "M"
	GenderFemale      Gender = "F"
	GenderOther       Gender = "O"
	GenderUndisclosed Gender = "U"
)

// DateRange bounds a request or grant to bundles created within [From, To].
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the inclusive range.
func (r DateRange) Contains(ts time.Time) bool {
	if ts.Before(r.From) {
		return false
	}
	return !ts.After(r.To)
}
