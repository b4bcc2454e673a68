package consent

import (
	"time"

	"setu/internal/protocol"
)

// InitRequest asks the authority to solicit a patient's consent.
type InitRequest struct {
	protocol.Envelope
	Consent Detail `json:"consent" validate:"required"`
}

// Detail is the scope of the solicited consent as the requester framed it.
type Detail struct {
	Patient    PatientRef        `json:"patient" validate:"required"`
	Purpose    PurposeRef        `json:"purpose" validate:"required"`
	HIU        ParticipantRef    `json:"hiu" validate:"required"`
	HIP        *ParticipantRef   `json:"hip,omitempty"`
	HITypes    []protocol.HIType `json:"hiTypes" validate:"required,min=1"`
	Permission PermissionDetail  `json:"permission" validate:"required"`
}

// PatientRef names the patient by consent-authority address.
type PatientRef struct {
	ID string `json:"id" validate:"required"`
}

// PurposeRef carries the coded purpose of use.
type PurposeRef struct {
	Code protocol.Purpose `json:"code" validate:"required"`
}

// ParticipantRef names a registered exchange participant.
type ParticipantRef struct {
	ID string `json:"id" validate:"required"`
}

// PermissionDetail is the wire form of the requested permission scope.
type PermissionDetail struct {
	AccessMode  protocol.AccessMode `json:"accessMode" validate:"required"`
	DateRange   protocol.DateRange  `json:"dateRange" validate:"required"`
	DataEraseAt time.Time           `json:"dataEraseAt" validate:"required"`
	Frequency   Frequency           `json:"frequency"`
}

// OnInitPayload is the asynchronous reply to an init request.
type OnInitPayload struct {
	protocol.CallbackEnvelope
	ConsentRequest *ConsentRequestRef `json:"consentRequest,omitempty"`
}

// ConsentRequestRef hands the requester the id to poll and the patient to
// tell.
type ConsentRequestRef struct {
	ID string `json:"id"`
}

// StatusRequest polls the state of a consent request.
type StatusRequest struct {
	protocol.Envelope
	ConsentRequestID string `json:"consentRequestId" validate:"required,uuid"`
}

// OnStatusPayload is the asynchronous reply to a status poll.
type OnStatusPayload struct {
	protocol.CallbackEnvelope
	ConsentRequest *StatusDetail `json:"consentRequest,omitempty"`
}

// StatusDetail reports where the request stands and, once granted, the
// artefact ids minted from it.
type StatusDetail struct {
	ID               string       `json:"id"`
	Status           Status       `json:"status"`
	ConsentArtefacts []ConsentRef `json:"consentArtefacts,omitempty"`
}

// ConsentRef names one artefact.
type ConsentRef struct {
	ID string `json:"id"`
}

// FetchRequest retrieves a consent artefact by id.
type FetchRequest struct {
	protocol.Envelope
	ConsentID string `json:"consentId" validate:"required,uuid"`
}

// OnFetchPayload is the asynchronous reply to a fetch.
type OnFetchPayload struct {
	protocol.CallbackEnvelope
	Consent *FetchedConsent `json:"consent,omitempty"`
}

// FetchedConsent pairs the artefact with its effective status at read time.
type FetchedConsent struct {
	Status        Status    `json:"status"`
	ConsentDetail *Artefact `json:"consentDetail"`
}

// ApprovalAction is the out-of-band patient decision body. An empty care
// context selection grants every linked context.
type ApprovalAction struct {
	CareContextRefs []string `json:"careContextRefs,omitempty"`
}

// NotifyPayload is the authority-initiated notification pushed to the
// requester when a consent request reaches a decision.
type NotifyPayload struct {
	protocol.Envelope
	Notification NotificationDetail `json:"notification"`
}

// NotificationDetail reports the decision and any artefacts minted.
type NotificationDetail struct {
	ConsentRequestID string       `json:"consentRequestId"`
	Status           Status       `json:"status"`
	ConsentArtefacts []ConsentRef `json:"consentArtefacts,omitempty"`
}
