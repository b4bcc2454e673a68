package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"setu/internal/platform/kafka/producer"
	"setu/pkg/domain"
)

// TxStore persists transaction records. It is append-only.
type TxStore interface {
	Append(ctx context.Context, record TransactionRecord) error
	ListByRequestID(ctx context.Context, requestID string) ([]TransactionRecord, error)
}

// InMemoryTxStore keeps transaction records in memory.
type InMemoryTxStore struct {
	mu      sync.RWMutex
	records []TransactionRecord
}

// NewInMemoryTxStore constructs an empty in-memory transaction store.
func NewInMemoryTxStore() *InMemoryTxStore {
	return &InMemoryTxStore{}
}

func (s *InMemoryTxStore) Append(_ context.Context, record TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *InMemoryTxStore) ListByRequestID(_ context.Context, requestID string) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TransactionRecord
	for _, r := range s.records {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out, nil
}

// TxLog appends every routing step for audit. Persistence runs on a
// background goroutine so the accept path never blocks on the log; records
// optionally fan out to a Kafka topic for downstream consumers.
type TxLog struct {
	store  TxStore
	sink   producer.Sink
	topic  string
	events chan TransactionRecord
	wg     sync.WaitGroup
	logger *slog.Logger
	async  bool
}

// TxLogOption configures the TxLog.
type TxLogOption func(*TxLog)

// WithAsyncBuffer enables async processing with the specified buffer size.
func WithAsyncBuffer(size int) TxLogOption {
	return func(l *TxLog) {
		if size > 0 {
			l.events = make(chan TransactionRecord, size)
			l.async = true
		}
	}
}

// WithKafkaSink mirrors records onto the given topic.
func WithKafkaSink(sink producer.Sink, topic string) TxLogOption {
	return func(l *TxLog) {
		l.sink = sink
		l.topic = topic
	}
}

// WithTxLogLogger sets a logger for async error reporting.
func WithTxLogLogger(logger *slog.Logger) TxLogOption {
	return func(l *TxLog) {
		l.logger = logger
	}
}

// NewTxLog constructs a transaction log over the given store.
func NewTxLog(store TxStore, opts ...TxLogOption) *TxLog {
	l := &TxLog{store: store}
	for _, opt := range opts {
		opt(l)
	}
	if l.async {
		l.wg.Add(1)
		go l.processRecords()
	}
	return l
}

func (l *TxLog) processRecords() {
	defer l.wg.Done()
	for record := range l.events {
		l.persist(record)
	}
}

func (l *TxLog) persist(record TransactionRecord) {
	if err := l.store.Append(context.Background(), record); err != nil {
		if l.logger != nil {
			l.logger.Error("failed to persist transaction record",
				"error", err,
				"request_id", record.RequestID,
				"endpoint", record.Endpoint,
			)
		}
	}
	if l.sink != nil {
		value, err := json.Marshal(record)
		if err != nil {
			return
		}
		_ = l.sink.ProduceAsync(&producer.Message{
			Topic: l.topic,
			Key:   []byte(record.RequestID),
			Value: value,
		})
	}
}

// Close shuts down the async log and waits for pending records to drain.
func (l *TxLog) Close() {
	if l.async && l.events != nil {
		close(l.events)
		l.wg.Wait()
	}
}

// Record appends one routing step.
func (l *TxLog) Record(ctx context.Context, requestID string, direction Direction, actor, endpoint string, payload json.RawMessage) {
	record := TransactionRecord{
		ID:        domain.NewTransactionID(),
		RequestID: requestID,
		Direction: direction,
		Actor:     actor,
		Endpoint:  endpoint,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if l.async {
		// Non-blocking send; drop record if buffer is full to avoid blocking hot path
		select {
		case l.events <- record:
		default:
			if l.logger != nil {
				l.logger.Warn("transaction log buffer full, record dropped",
					"request_id", record.RequestID,
				)
			}
		}
		return
	}
	l.persist(record)
}

// List returns the audit trail for one request id.
func (l *TxLog) List(ctx context.Context, requestID string) ([]TransactionRecord, error) {
	return l.store.ListByRequestID(ctx, requestID)
}
