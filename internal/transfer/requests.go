package transfer

import (
	"time"

	"setu/internal/protocol"
)

// HIRequest asks for the data covered by a granted consent. The same wire
// form travels requester to authority and authority to holding party.
type HIRequest struct {
	protocol.Envelope
	HIRequest HIRequestDetail `json:"hiRequest" validate:"required"`
}

// HIRequestDetail scopes the transfer and names where the data goes.
type HIRequestDetail struct {
	Consent     ConsentRef         `json:"consent" validate:"required"`
	DateRange   protocol.DateRange `json:"dateRange" validate:"required"`
	DataPushURL string             `json:"dataPushUrl" validate:"required,url"`
	KeyMaterial *KeyMaterial       `json:"keyMaterial,omitempty"`
}

// ConsentRef names the consent artefact authorizing the transfer.
type ConsentRef struct {
	ID string `json:"id" validate:"required,uuid"`
}

// KeyMaterial is the structural shape of the key-exchange block. The values
// are never fed into real cryptography here; bundles travel base64-wrapped
// with a content digest instead.
type KeyMaterial struct {
	CryptoAlg   string    `json:"cryptoAlg"`
	Curve       string    `json:"curve"`
	DHPublicKey PublicKey `json:"dhPublicKey"`
	Nonce       string    `json:"nonce"`
}

// PublicKey is one side's ephemeral key description.
type PublicKey struct {
	Expiry     time.Time `json:"expiry"`
	Parameters string    `json:"parameters"`
	KeyValue   string    `json:"keyValue"`
}

// OnHIRequestPayload is the control-plane reply to a health-information
// request: the transfer session outcome, or an error when consent
// validation fails before any data moves.
type OnHIRequestPayload struct {
	protocol.CallbackEnvelope
	HIRequest *SessionResult `json:"hiRequest,omitempty"`
}

// SessionResult reports the transfer session's final state.
type SessionResult struct {
	TransactionID string        `json:"transactionId"`
	SessionStatus SessionStatus `json:"sessionStatus"`
}

// DataPushPayload is the bulk batch POSTed directly to the requester's
// declared push URL, bypassing the router.
type DataPushPayload struct {
	PageNumber    int          `json:"pageNumber"`
	PageCount     int          `json:"pageCount"`
	TransactionID string       `json:"transactionId"`
	Entries       []Entry      `json:"entries"`
	KeyMaterial   *KeyMaterial `json:"keyMaterial,omitempty"`
}

// Entry is one wrapped bundle in a pushed batch.
type Entry struct {
	Content              string `json:"content"`
	Media                string `json:"media"`
	Checksum             string `json:"checksum"`
	CareContextReference string `json:"careContextReference"`
}

// MediaFHIRJSON is the media type every pushed entry carries.
const MediaFHIRJSON = "application/fhir+json"
