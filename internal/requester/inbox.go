// Package requester is the sandbox data-requesting party: an inbox that
// records the callbacks and data pushes other actors deliver, so a flow can
// be driven and observed end to end from one process.
package requester

import (
	"encoding/json"
	"sync"
	"time"

	"setu/internal/protocol"
	"setu/internal/transfer"
)

// ReceivedCallback is one asynchronous reply as it arrived.
type ReceivedCallback struct {
	Path       string          `json:"path"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Inbox accumulates everything delivered to the requester.
type Inbox struct {
	mu        sync.RWMutex
	callbacks []ReceivedCallback
	pushes    []transfer.DataPushPayload
}

func NewInbox() *Inbox {
	return &Inbox{}
}

// Record stores a delivered callback.
func (i *Inbox) Record(path string, payload json.RawMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callbacks = append(i.callbacks, ReceivedCallback{
		Path:       path,
		ReceivedAt: time.Now().UTC(),
		Payload:    append(json.RawMessage(nil), payload...),
	})
}

// RecordPush stores a delivered data batch.
func (i *Inbox) RecordPush(p transfer.DataPushPayload) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pushes = append(i.pushes, p)
}

// Callbacks lists received callbacks, filtered by path when path is not
// empty.
func (i *Inbox) Callbacks(path string) []ReceivedCallback {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]ReceivedCallback, 0, len(i.callbacks))
	for _, cb := range i.callbacks {
		if path == "" || cb.Path == path {
			out = append(out, cb)
		}
	}
	return out
}

// CallbackFor finds the reply correlated to a submitted request id.
func (i *Inbox) CallbackFor(requestID string) (ReceivedCallback, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, cb := range i.callbacks {
		var env protocol.CallbackEnvelope
		if err := json.Unmarshal(cb.Payload, &env); err != nil {
			continue
		}
		if env.Resp.RequestID == requestID {
			return cb, true
		}
	}
	return ReceivedCallback{}, false
}

// Pushes lists received data batches.
func (i *Inbox) Pushes() []transfer.DataPushPayload {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]transfer.DataPushPayload, len(i.pushes))
	copy(out, i.pushes)
	return out
}
