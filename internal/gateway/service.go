package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"setu/internal/dispatch"
	"setu/internal/platform/metrics"
	"setu/internal/protocol"
	"setu/internal/registry"
	"setu/internal/sentinel"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// Service is the routing gateway: it accepts any protocol request, records a
// correlation entry, acknowledges immediately, forwards out-of-band, and
// relays the eventual asynchronous reply back to the caller.
type Service struct {
	store          Store
	registry       *registry.Registry
	txlog          *TxLog
	pool           *dispatch.Pool
	client         *Client
	metrics        *metrics.Metrics
	logger         *slog.Logger
	correlationTTL time.Duration
}

// Option configures the Service.
type Option func(*Service)

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCorrelationTTL overrides how long correlation entries stay live.
func WithCorrelationTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.correlationTTL = ttl
		}
	}
}

// NewService constructs the router.
func NewService(store Store, reg *registry.Registry, txlog *TxLog, pool *dispatch.Pool, client *Client, logger *slog.Logger, opts ...Option) *Service {
	svc := &Service{
		store:          store,
		registry:       reg,
		txlog:          txlog,
		pool:           pool,
		client:         client,
		logger:         logger,
		correlationTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Accept validates the request shape, persists the correlation entry, and
// schedules the asynchronous forward. It never blocks on a peer call: the
// returned acknowledgement is the only synchronous outcome.
func (s *Service) Accept(ctx context.Context, op Operation, sender domain.ParticipantID, payload json.RawMessage) (protocol.Ack, error) {
	route, ok := RouteFor(op)
	if !ok {
		return protocol.Ack{}, dErrors.New(dErrors.CodeBadRequest, "unknown operation")
	}

	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return protocol.Ack{}, dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	if _, err := domain.ParseRequestID(env.RequestID); err != nil {
		return protocol.Ack{}, dErrors.New(dErrors.CodeValidation, "requestId must be a valid uuid")
	}
	if env.Timestamp.IsZero() {
		return protocol.Ack{}, dErrors.New(dErrors.CodeValidation, "timestamp is required")
	}

	senderP, err := s.registry.Resolve(sender)
	if err != nil {
		return protocol.Ack{}, dErrors.New(dErrors.CodeUnauthorized, "unknown participant")
	}

	entry := &CorrelationEntry{
		RequestID: env.RequestID,
		Operation: op,
		Sender:    senderP.ID.String(),
		ReplyTo:   senderP.BaseURL + route.CallbackPath,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(ctx, entry, s.correlationTTL); err != nil {
		return protocol.Ack{}, dErrors.Wrap(err, dErrors.CodeInternal, "store correlation entry")
	}

	s.txlog.Record(ctx, env.RequestID, DirectionInbound, senderP.ID.String(), "/v0.5/"+string(op), payload)
	if s.metrics != nil {
		s.metrics.IncrementRequestsAccepted(string(op))
	}

	s.pool.Enqueue(func(taskCtx context.Context) {
		s.Forward(taskCtx, route, env.RequestID, payload)
	})

	return protocol.NewAck(env.RequestID), nil
}

// Forward performs the out-of-band network call to the destination actor. On
// failure the correlation entry is left pending; the caller's own timeout
// handling applies.
func (s *Service) Forward(ctx context.Context, route Route, requestID string, payload json.RawMessage) {
	dest, err := s.registry.ResolveRole(route.Destination)
	if err != nil {
		s.logger.Error("no participant enrolled for destination role",
			"role", string(route.Destination),
			"request_id", requestID,
		)
		return
	}

	url := dest.BaseURL + route.ForwardPath
	s.txlog.Record(ctx, requestID, DirectionOutbound, dest.ID.String(), route.ForwardPath, payload)

	if err := s.client.PostRaw(ctx, string(route.Destination), url, payload); err != nil {
		s.logger.Error("forward to peer failed",
			"destination", dest.ID.String(),
			"url", url,
			"request_id", requestID,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.IncrementForwardFailures(string(route.Destination))
		}
	}
}

// correlationProbe pulls the reply correlation id out of an otherwise opaque
// callback payload: resp.requestId first, top-level requestId as fallback.
type correlationProbe struct {
	RequestID string            `json:"requestId"`
	Resp      *protocol.RespRef `json:"resp"`
}

// DeliverCallback relays an asynchronous reply to the destination recorded at
// accept time. A reply whose request id has no live correlation entry is
// logged and dropped, never retried.
func (s *Service) DeliverCallback(ctx context.Context, payload json.RawMessage) error {
	var probe correlationProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid callback body")
	}

	var entry *CorrelationEntry
	var err error
	if probe.Resp != nil && probe.Resp.RequestID != "" {
		entry, err = s.store.Get(ctx, probe.Resp.RequestID)
	} else {
		err = sentinel.ErrNotFound
	}
	if errors.Is(err, sentinel.ErrNotFound) && probe.RequestID != "" {
		entry, err = s.store.Get(ctx, probe.RequestID)
	}
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.logger.Warn("callback without correlation entry dropped",
				"resp_request_id", respID(probe),
			)
			if s.metrics != nil {
				s.metrics.IncrementCallbacksDropped()
			}
			return dErrors.New(dErrors.CodeNotFound, "no correlation entry for reply")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "read correlation entry")
	}

	s.txlog.Record(ctx, entry.RequestID, DirectionOutbound, entry.Sender, entry.ReplyTo, payload)

	if err := s.client.PostRaw(ctx, entry.Sender, entry.ReplyTo, payload); err != nil {
		s.logger.Error("callback delivery failed",
			"request_id", entry.RequestID,
			"reply_to", entry.ReplyTo,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeInternal, "deliver callback")
	}

	if err := s.store.MarkDelivered(ctx, entry.RequestID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to mark correlation entry delivered",
			"request_id", entry.RequestID,
			"error", err,
		)
	}
	if s.metrics != nil {
		s.metrics.IncrementCallbacksDelivered()
	}
	return nil
}

// AcceptCallback acknowledges an inbound reply and schedules its delivery.
func (s *Service) AcceptCallback(ctx context.Context, actor domain.ParticipantID, path string, payload json.RawMessage) (protocol.Ack, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return protocol.Ack{}, dErrors.New(dErrors.CodeBadRequest, "invalid callback body")
	}

	s.txlog.Record(ctx, env.RequestID, DirectionInbound, actor.String(), path, payload)

	s.pool.Enqueue(func(taskCtx context.Context) {
		_ = s.DeliverCallback(taskCtx, payload)
	})

	return protocol.NewAck(env.RequestID), nil
}

// Transactions exposes the audit trail for one request id.
func (s *Service) Transactions(ctx context.Context, requestID string) ([]TransactionRecord, error) {
	records, err := s.txlog.List(ctx, requestID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list transactions")
	}
	if len(records) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "no transactions for request id")
	}
	return records, nil
}

func respID(p correlationProbe) string {
	if p.Resp != nil {
		return p.Resp.RequestID
	}
	return p.RequestID
}
