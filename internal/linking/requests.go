package linking

import (
	"time"

	"setu/internal/protocol"
)

// InitRequest asks the holding party to start an OTP challenge for a set of
// discovered care contexts.
type InitRequest struct {
	protocol.Envelope
	TransactionID string      `json:"transactionId" validate:"required"`
	Patient       InitPatient `json:"patient" validate:"required"`
}

// InitPatient names the patient on both sides of the exchange: the
// consent-authority address and the holding party's internal reference.
type InitPatient struct {
	ID              string           `json:"id" validate:"required"`
	ReferenceNumber string           `json:"referenceNumber" validate:"required"`
	CareContexts    []CareContextRef `json:"careContexts" validate:"required,min=1,dive"`
}

// CareContextRef names one care context by its holder-side reference.
type CareContextRef struct {
	ReferenceNumber string `json:"referenceNumber" validate:"required"`
}

// OnInitPayload is the asynchronous reply to an init request. The literal
// code never appears here; only the challenge handle and a delivery hint do.
type OnInitPayload struct {
	protocol.CallbackEnvelope
	TransactionID string    `json:"transactionId"`
	Link          *LinkMeta `json:"link,omitempty"`
}

// LinkMeta describes the outstanding challenge.
type LinkMeta struct {
	ReferenceNumber    string   `json:"referenceNumber"`
	AuthenticationType string   `json:"authenticationType"`
	Meta               AuthMeta `json:"meta"`
}

// AuthMeta carries the out-of-band delivery hint and the challenge deadline.
type AuthMeta struct {
	CommunicationMedium string    `json:"communicationMedium"`
	CommunicationHint   string    `json:"communicationHint"`
	CommunicationExpiry time.Time `json:"communicationExpiry"`
}

// ConfirmRequest submits the code the patient received out of band.
type ConfirmRequest struct {
	protocol.Envelope
	Confirmation Confirmation `json:"confirmation" validate:"required"`
}

// Confirmation pairs the challenge handle with the submitted code.
type Confirmation struct {
	LinkRefNumber string `json:"linkRefNumber" validate:"required"`
	Token         string `json:"token" validate:"required"`
}

// OnConfirmPayload is the asynchronous reply to a confirm request.
type OnConfirmPayload struct {
	protocol.CallbackEnvelope
	Patient *LinkedPatient `json:"patient,omitempty"`
}

// LinkedPatient reports the contexts now linked to the authority identity.
type LinkedPatient struct {
	ReferenceNumber string          `json:"referenceNumber"`
	Display         string          `json:"display"`
	CareContexts    []LinkedContext `json:"careContexts"`
}

// LinkedContext is one freshly linked care context.
type LinkedContext struct {
	ReferenceNumber string `json:"referenceNumber"`
	Display         string `json:"display"`
}

// AddContextsRequest reports contexts linked without a fresh OTP round, for a
// patient the holding party has already authenticated.
type AddContextsRequest struct {
	protocol.Envelope
	Link AddContextsLink `json:"link" validate:"required"`
}

// AddContextsLink names the patient and the contexts being added.
type AddContextsLink struct {
	PatientID       string           `json:"patientId" validate:"required"`
	ReferenceNumber string           `json:"referenceNumber" validate:"required"`
	CareContexts    []CareContextRef `json:"careContexts" validate:"required,min=1,dive"`
}

// OnAddContextsPayload acknowledges an add-contexts request.
type OnAddContextsPayload struct {
	protocol.CallbackEnvelope
	Acknowledgement *Acknowledgement `json:"acknowledgement,omitempty"`
}

// NotifyRequest announces new care contexts to interested parties.
type NotifyRequest struct {
	protocol.Envelope
	Notification ContextNotification `json:"notification" validate:"required"`
}

// ContextNotification describes what changed for whom.
type ContextNotification struct {
	PatientID   string            `json:"patientId" validate:"required"`
	CareContext CareContextRef    `json:"careContext" validate:"required"`
	HITypes     []protocol.HIType `json:"hiTypes,omitempty"`
	Date        time.Time         `json:"date"`
}

// OnNotifyPayload acknowledges a context notification.
type OnNotifyPayload struct {
	protocol.CallbackEnvelope
	Acknowledgement *Acknowledgement `json:"acknowledgement,omitempty"`
}

// Acknowledgement is a bare OK on callbacks that carry no data.
type Acknowledgement struct {
	Status string `json:"status"`
}

// AckStatusOK is the only acknowledgement status.
const AckStatusOK = "OK"
