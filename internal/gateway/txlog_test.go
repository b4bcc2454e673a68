package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/platform/kafka/producer"
)

// captureSink records every message mirrored to the audit topic.
type captureSink struct {
	mu       sync.Mutex
	messages []*producer.Message
}

func (s *captureSink) ProduceAsync(msg *producer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *captureSink) Flush(time.Duration) int      { return 0 }
func (s *captureSink) Close() error                 { return nil }
func (s *captureSink) Healthy(context.Context) bool { return true }

func (s *captureSink) all() []*producer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*producer.Message(nil), s.messages...)
}

func TestTxLog_RecordAndList(t *testing.T) {
	store := NewInMemoryTxStore()
	log := NewTxLog(store)

	requestID := uuid.New().String()
	payload := json.RawMessage(`{"requestId":"` + requestID + `"}`)
	log.Record(context.Background(), requestID, DirectionInbound, "hiu-test", "/v0.5/care-contexts/discover", payload)
	log.Record(context.Background(), requestID, DirectionOutbound, "hip-test", "/v0.5/care-contexts/discover", payload)

	records, err := log.List(context.Background(), requestID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, DirectionInbound, records[0].Direction)
	assert.Equal(t, DirectionOutbound, records[1].Direction)
	assert.NotEmpty(t, records[0].ID)
	assert.NotEqual(t, records[0].ID, records[1].ID)
}

func TestTxLog_AsyncDrainsOnClose(t *testing.T) {
	store := NewInMemoryTxStore()
	log := NewTxLog(store, WithAsyncBuffer(8))

	requestID := uuid.New().String()
	for i := 0; i < 5; i++ {
		log.Record(context.Background(), requestID, DirectionInbound, "hiu-test", "/v0.5/links/link/init", nil)
	}
	log.Close()

	records, err := log.List(context.Background(), requestID)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestTxLog_MirrorsToKafkaSink(t *testing.T) {
	sink := &captureSink{}
	log := NewTxLog(NewInMemoryTxStore(), WithKafkaSink(sink, "setu.transactions"))

	requestID := uuid.New().String()
	log.Record(context.Background(), requestID, DirectionInbound, "hiu-test", "/v0.5/consents/fetch", json.RawMessage(`{}`))

	messages := sink.all()
	require.Len(t, messages, 1)
	assert.Equal(t, "setu.transactions", messages[0].Topic)
	assert.Equal(t, requestID, string(messages[0].Key))

	var record TransactionRecord
	require.NoError(t, json.Unmarshal(messages[0].Value, &record))
	assert.Equal(t, requestID, record.RequestID)
	assert.Equal(t, "/v0.5/consents/fetch", record.Endpoint)
}
