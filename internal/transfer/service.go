package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"time"

	"setu/internal/consent"
	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/platform/metrics"
	"setu/internal/protocol"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
	"setu/pkg/validation"
)

const onHIRequestPath = "/v0.5/health-information/cm/on-request"

// ConsentValidator gates transfers on artefact state. Implemented by the
// consent service.
type ConsentValidator interface {
	ValidateForTransfer(ctx context.Context, id domain.ConsentID) (*consent.Artefact, error)
}

// Service is the holding party's transfer coordinator: it validates the
// consent, gathers qualifying bundles, pushes them directly to the
// requester's endpoint, and reports the session outcome through the router.
type Service struct {
	bundles  BundleStore
	consents ConsentValidator
	sender   gateway.CallbackSender
	pool     *dispatch.Pool
	client   *gateway.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// NewService constructs the transfer coordinator.
func NewService(bundles BundleStore, consents ConsentValidator, sender gateway.CallbackSender, pool *dispatch.Pool, client *gateway.Client, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		bundles:  bundles,
		consents: consents,
		sender:   sender,
		pool:     pool,
		client:   client,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request validates a health-information request and schedules the transfer.
func (s *Service) Request(ctx context.Context, req HIRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	if _, err := domain.ParseConsentID(req.HIRequest.Consent.ID); err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		s.transfer(taskCtx, req)
	})
	return nil
}

func (s *Service) transfer(ctx context.Context, req HIRequest) {
	payload := OnHIRequestPayload{
		CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
	}

	consentID, _ := domain.ParseConsentID(req.HIRequest.Consent.ID)
	artefact, err := s.consents.ValidateForTransfer(ctx, consentID)
	if err != nil {
		// Invalid consent never triggers a push.
		payload.Error = &protocol.Error{
			Code:    string(dErrors.CodeOf(err)),
			Message: err.Error(),
		}
		s.sendResult(ctx, req, payload, string(SessionFailed))
		return
	}

	entries := s.gather(ctx, artefact, req.HIRequest.DateRange)
	transactionID := domain.NewTransactionID()
	push := DataPushPayload{
		PageNumber:    1,
		PageCount:     1,
		TransactionID: transactionID.String(),
		Entries:       entries,
		KeyMaterial:   req.HIRequest.KeyMaterial,
	}

	status := SessionTransferred
	// An empty batch is still a successful transfer: the consent was valid,
	// there was simply nothing in scope.
	if err := s.client.Post(ctx, "data-push", req.HIRequest.DataPushURL, push); err != nil {
		s.logger.Error("data push failed",
			"transaction_id", transactionID,
			"push_url", req.HIRequest.DataPushURL,
			"error", err,
		)
		status = SessionFailed
	} else if s.metrics != nil {
		s.metrics.IncrementBundlesPushed(len(entries))
	}

	payload.HIRequest = &SessionResult{
		TransactionID: transactionID.String(),
		SessionStatus: status,
	}
	s.logger.Info("transfer session closed",
		"transaction_id", transactionID,
		"consent_id", consentID,
		"entries", len(entries),
		"status", status,
	)
	s.sendResult(ctx, req, payload, string(status))
}

// gather resolves the artefact's care contexts to bundles inside the
// caller's date window and the artefact's permitted types.
func (s *Service) gather(ctx context.Context, artefact *consent.Artefact, window protocol.DateRange) []Entry {
	entries := make([]Entry, 0)
	for _, ref := range artefact.CareContextRefs {
		bundles, err := s.bundles.ListByCareContext(ctx, ref)
		if err != nil {
			s.logger.Warn("bundle lookup failed", "care_context", ref, "error", err)
			continue
		}
		for _, b := range bundles {
			if !artefact.PermitsHIType(b.HIType) {
				continue
			}
			if !window.Contains(b.CreatedAt) {
				continue
			}
			entries = append(entries, wrap(b))
		}
	}
	return entries
}

func (s *Service) sendResult(ctx context.Context, req HIRequest, payload OnHIRequestPayload, status string) {
	if s.metrics != nil {
		s.metrics.IncrementTransfersCompleted(status)
	}
	if err := s.sender.SendCallback(ctx, onHIRequestPath, payload); err != nil {
		s.logger.Error("transfer status callback failed",
			"request_id", req.RequestID,
			"error", err,
		)
	}
}

// wrap seals a bundle for transport. Stand-in for the key-exchange cipher:
// content is base64 with a sha256 digest the receiver can verify.
func wrap(b ClinicalBundle) Entry {
	sum := sha256.Sum256(b.Content)
	return Entry{
		Content:              base64.StdEncoding.EncodeToString(b.Content),
		Media:                MediaFHIRJSON,
		Checksum:             hex.EncodeToString(sum[:]),
		CareContextReference: b.CareContextRef,
	}
}
