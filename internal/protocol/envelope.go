// Package protocol defines the wire envelope shared by every exchange
// operation. Requests, synchronous acknowledgements, and asynchronous
// callbacks all share the {requestId, timestamp} framing; callbacks
// additionally reference the originating request through resp.requestId.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the common framing every protocol request carries.
type Envelope struct {
	RequestID string    `json:"requestId" validate:"required,uuid"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// NewEnvelope mints a fresh envelope for an outbound message.
func NewEnvelope() Envelope {
	return Envelope{
		RequestID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
}

// RespRef points an asynchronous reply back at the request it answers.
type RespRef struct {
	RequestID string `json:"requestId"`
}

// Error is the structured failure carried inside a callback, mirroring the
// success envelope so callers implement one response path per operation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack is the immediate synchronous response to any accepted request. The
// nested resp.requestId always equals the submitted requestId regardless of
// the eventual deeper outcome.
type Ack struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Resp      RespRef   `json:"resp"`
	Status    string    `json:"status"`
}

// StatusAccepted is the only status an Ack carries; callers must treat it as
// non-final.
const StatusAccepted = "accepted"

// NewAck builds the acknowledgement for a request id.
func NewAck(requestID string) Ack {
	return Ack{
		RequestID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Resp:      RespRef{RequestID: requestID},
		Status:    StatusAccepted,
	}
}

// CallbackEnvelope frames every asynchronous reply. Exactly one of the
// operation's named success field (declared on the embedding struct) or Error
// is populated.
type CallbackEnvelope struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Resp      RespRef   `json:"resp"`
	Error     *Error    `json:"error,omitempty"`
}

// NewCallbackEnvelope frames a reply to the given originating request.
func NewCallbackEnvelope(forRequestID string) CallbackEnvelope {
	return CallbackEnvelope{
		RequestID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Resp:      RespRef{RequestID: forRequestID},
	}
}

// WithError attaches a structured failure to the envelope.
func (c CallbackEnvelope) WithError(code, message string) CallbackEnvelope {
	c.Error = &Error{Code: code, Message: message}
	return c
}

// Result is the tagged union decoded once at the boundary: either a typed
// success payload or a structured error, never both.
type Result[T any] struct {
	Value *T
	Err   *Error
}

// Ok reports whether the result carries a success payload.
func (r Result[T]) Ok() bool {
	return r.Err == nil && r.Value != nil
}

// Success wraps a payload into a successful result.
func Success[T any](v T) Result[T] {
	return Result[T]{Value: &v}
}

// Failure wraps a structured error into a failed result.
func Failure[T any](code, message string) Result[T] {
	return Result[T]{Err: &Error{Code: code, Message: message}}
}
