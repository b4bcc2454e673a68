package gateway

import (
	"encoding/json"
	"time"

	"setu/pkg/domain"
)

// CorrelationEntry is the durable bridge between an outstanding request and
// the destination its eventual reply must be pushed to. Created when a
// request is accepted, read once when the matching reply arrives, mutated
// only to mark delivery.
type CorrelationEntry struct {
	RequestID   string            `json:"request_id"`
	Operation   Operation         `json:"operation"`
	Sender      string            `json:"sender"`
	ReplyTo     string            `json:"reply_to"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Delivered   bool              `json:"delivered"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

// Direction of a logged transaction step relative to the gateway.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TransactionRecord is one audit step: every accept, forward, and callback
// delivery appends exactly one record.
type TransactionRecord struct {
	ID        domain.TransactionID `json:"id"`
	RequestID string               `json:"request_id"`
	Direction Direction            `json:"direction"`
	Actor     string               `json:"actor"`
	Endpoint  string               `json:"endpoint"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}
