package consent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/linking"
	"setu/internal/platform/metrics"
	"setu/internal/protocol"
	"setu/internal/registry"
	"setu/internal/sentinel"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
	"setu/pkg/validation"
)

const (
	onInitPath   = "/v0.5/consent-requests/on-init"
	onStatusPath = "/v0.5/consent-requests/on-status"
	onFetchPath  = "/v0.5/consents/on-fetch"

	// Requesters receive decision notifications on this inbound path,
	// outside the request/callback correlation flow.
	notifyPath = "/v0.5/consents/notify"
)

// LinkLister exposes the care-context links recorded for a patient, used to
// scope an artefact when the patient approves without an explicit selection.
type LinkLister interface {
	Links(ctx context.Context, ref domain.PatientReference) ([]linking.ContextLink, error)
}

// Service owns the consent request and artefact lifecycle.
type Service struct {
	store    Store
	links    LinkLister
	sender   gateway.CallbackSender
	pool     *dispatch.Pool
	registry *registry.Registry
	client   *gateway.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger

	requestTTL time.Duration
	signingKey []byte
	now        func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRequestTTL overrides the window a request waits for a decision.
func WithRequestTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.requestTTL = ttl
	}
}

// WithSigningKey sets the key artefact signatures are computed under.
func WithSigningKey(key string) Option {
	return func(s *Service) {
		if key != "" {
			s.signingKey = []byte(key)
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// NewService constructs the consent service.
func NewService(store Store, links LinkLister, sender gateway.CallbackSender, pool *dispatch.Pool, reg *registry.Registry, client *gateway.Client, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		links:      links,
		sender:     sender,
		pool:       pool,
		registry:   reg,
		client:     client,
		logger:     logger,
		requestTTL: 7 * 24 * time.Hour,
		signingKey: []byte("sandbox-artefact-signing-key"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init validates a solicitation, persists the REQUESTED record before
// acknowledging, and schedules the on-init callback.
func (s *Service) Init(ctx context.Context, req InitRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}

	now := s.now()
	record := &Request{
		ConsentRequestID: domain.NewConsentRequestID(),
		PatientReference: domain.PatientReference(req.Consent.Patient.ID),
		RequesterID:      domain.ParticipantID(req.Consent.HIU.ID),
		Purpose:          req.Consent.Purpose.Code,
		HITypes:          req.Consent.HITypes,
		Permission: Permission{
			AccessMode:  req.Consent.Permission.AccessMode,
			DateRange:   req.Consent.Permission.DateRange,
			DataEraseAt: req.Consent.Permission.DataEraseAt,
			Frequency:   req.Consent.Permission.Frequency,
		},
		Status:    StatusRequested,
		CreatedAt: now,
		ExpiresAt: now.Add(s.requestTTL),
	}
	if req.Consent.HIP != nil {
		record.HolderID = domain.ParticipantID(req.Consent.HIP.ID)
	}
	if err := s.store.CreateRequest(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist consent request")
	}
	if s.metrics != nil {
		s.metrics.IncrementConsentTransition(string(StatusRequested))
	}
	s.logger.Info("consent solicited",
		"consent_request_id", record.ConsentRequestID,
		"patient", record.PatientReference,
		"requester", record.RequesterID,
	)

	s.pool.Enqueue(func(taskCtx context.Context) {
		payload := OnInitPayload{
			CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
			ConsentRequest:   &ConsentRequestRef{ID: record.ConsentRequestID.String()},
		}
		if err := s.sender.SendCallback(taskCtx, onInitPath, payload); err != nil {
			s.logger.Error("consent init callback failed",
				"request_id", req.RequestID,
				"consent_request_id", record.ConsentRequestID,
				"error", err,
			)
		}
	})
	return nil
}

// Status validates a poll and schedules the on-status callback.
func (s *Service) Status(ctx context.Context, req StatusRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	id, err := domain.ParseConsentRequestID(req.ConsentRequestID)
	if err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		payload := OnStatusPayload{
			CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
		}
		record, err := s.store.GetRequest(taskCtx, id)
		if err != nil {
			payload.Error = s.callbackError(err, "consent request "+req.ConsentRequestID)
		} else {
			detail := &StatusDetail{
				ID:     record.ConsentRequestID.String(),
				Status: record.EffectiveStatus(s.now()),
			}
			if record.ConsentID != nil {
				detail.ConsentArtefacts = []ConsentRef{{ID: record.ConsentID.String()}}
			}
			payload.ConsentRequest = detail
		}
		if err := s.sender.SendCallback(taskCtx, onStatusPath, payload); err != nil {
			s.logger.Error("consent status callback failed",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	})
	return nil
}

// Fetch validates an artefact fetch and schedules the on-fetch callback.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	id, err := domain.ParseConsentID(req.ConsentID)
	if err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		payload := OnFetchPayload{
			CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
		}
		artefact, err := s.store.GetArtefact(taskCtx, id)
		if err != nil {
			payload.Error = s.callbackError(err, "consent "+req.ConsentID)
		} else {
			payload.Consent = &FetchedConsent{
				Status:        artefact.EffectiveStatus(s.now()),
				ConsentDetail: artefact,
			}
		}
		if err := s.sender.SendCallback(taskCtx, onFetchPath, payload); err != nil {
			s.logger.Error("consent fetch callback failed",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	})
	return nil
}

// Approve records the patient's grant. The status flip and the artefact mint
// are one atomic store operation, so two racing approvals cannot both mint.
func (s *Service) Approve(ctx context.Context, id domain.ConsentRequestID, action ApprovalAction) (*Artefact, error) {
	record, err := s.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeConsentNotFound, "consent request "+id.String()+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load consent request")
	}

	now := s.now()
	if current := record.EffectiveStatus(now); current != StatusRequested {
		if current == StatusExpired && record.Status == StatusRequested {
			// Lazy expiry: persist the observed transition best-effort.
			_ = s.store.UpdateRequestStatusFrom(ctx, id, StatusRequested, StatusExpired)
		}
		return nil, stateConflict(current, StatusRequested)
	}

	refs := action.CareContextRefs
	if len(refs) == 0 {
		links, err := s.links.Links(ctx, record.PatientReference)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve linked contexts")
		}
		for _, l := range links {
			refs = append(refs, l.CareContextRef)
		}
	}

	artefact := &Artefact{
		ConsentID:        domain.NewConsentID(),
		ConsentRequestID: record.ConsentRequestID,
		PatientReference: record.PatientReference,
		RequesterID:      record.RequesterID,
		HolderID:         record.HolderID,
		CareContextRefs:  refs,
		HITypes:          record.HITypes,
		AccessMode:       record.Permission.AccessMode,
		DateRange:        record.Permission.DateRange,
		DataEraseAt:      record.Permission.DataEraseAt,
		Frequency:        record.Permission.Frequency,
		Status:           StatusGranted,
		GrantedAt:        now,
	}
	artefact.Signature = s.sign(artefact)

	if err := s.store.Grant(ctx, id, artefact); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.New(dErrors.CodeConsentNotFound, "consent request "+id.String()+" not found")
		case errors.Is(err, sentinel.ErrInvalidState):
			return nil, s.conflictWithCurrent(ctx, id)
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "grant consent")
		}
	}
	if s.metrics != nil {
		s.metrics.IncrementConsentTransition(string(StatusGranted))
	}
	s.logger.Info("consent granted",
		"consent_request_id", id,
		"consent_id", artefact.ConsentID,
		"care_contexts", len(refs),
	)

	s.notifyRequester(record.RequesterID, NotificationDetail{
		ConsentRequestID: id.String(),
		Status:           StatusGranted,
		ConsentArtefacts: []ConsentRef{{ID: artefact.ConsentID.String()}},
	})
	return artefact, nil
}

// Deny records the patient's refusal. No artefact is created.
func (s *Service) Deny(ctx context.Context, id domain.ConsentRequestID) error {
	if err := s.store.UpdateRequestStatusFrom(ctx, id, StatusRequested, StatusDenied); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeConsentNotFound, "consent request "+id.String()+" not found")
		case errors.Is(err, sentinel.ErrInvalidState):
			return s.conflictWithCurrent(ctx, id)
		default:
			return dErrors.Wrap(err, dErrors.CodeInternal, "deny consent")
		}
	}
	if s.metrics != nil {
		s.metrics.IncrementConsentTransition(string(StatusDenied))
	}
	s.logger.Info("consent denied", "consent_request_id", id)

	if record, err := s.store.GetRequest(ctx, id); err == nil {
		s.notifyRequester(record.RequesterID, NotificationDetail{
			ConsentRequestID: id.String(),
			Status:           StatusDenied,
		})
	}
	return nil
}

// Revoke withdraws a granted consent.
func (s *Service) Revoke(ctx context.Context, id domain.ConsentID) error {
	if err := s.store.Revoke(ctx, id, s.now()); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeConsentNotFound, "consent "+id.String()+" not found")
		case errors.Is(err, sentinel.ErrInvalidState):
			artefact, gerr := s.store.GetArtefact(ctx, id)
			if gerr != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "revoke consent")
			}
			return stateConflict(artefact.Status, StatusGranted)
		default:
			return dErrors.Wrap(err, dErrors.CodeInternal, "revoke consent")
		}
	}
	if s.metrics != nil {
		s.metrics.IncrementConsentTransition(string(StatusRevoked))
	}
	s.logger.Info("consent revoked", "consent_id", id)

	if artefact, err := s.store.GetArtefact(ctx, id); err == nil {
		s.notifyRequester(artefact.RequesterID, NotificationDetail{
			ConsentRequestID: artefact.ConsentRequestID.String(),
			Status:           StatusRevoked,
			ConsentArtefacts: []ConsentRef{{ID: id.String()}},
		})
	}
	return nil
}

// ValidateForTransfer gates a health-information request. The artefact must
// exist, be GRANTED, and sit inside its erase window.
func (s *Service) ValidateForTransfer(ctx context.Context, id domain.ConsentID) (*Artefact, error) {
	artefact, err := s.store.GetArtefact(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeConsentNotFound, "consent "+id.String()+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load consent")
	}
	switch artefact.EffectiveStatus(s.now()) {
	case StatusGranted:
		return artefact, nil
	case StatusRevoked:
		return nil, dErrors.New(dErrors.CodeConsentRevoked, "consent "+id.String()+" is revoked")
	case StatusExpired:
		return nil, dErrors.New(dErrors.CodeConsentExpired, "consent "+id.String()+" is expired")
	default:
		return nil, dErrors.New(dErrors.CodeConsentInvalid, "consent "+id.String()+" is not granted")
	}
}

// notifyRequester pushes a decision notification to the requester's inbound
// endpoint. Best-effort fire-and-forget, like every cross-actor call.
func (s *Service) notifyRequester(requesterID domain.ParticipantID, detail NotificationDetail) {
	s.pool.Enqueue(func(taskCtx context.Context) {
		participant, err := s.registry.Resolve(requesterID)
		if err != nil {
			s.logger.Warn("consent notification skipped, unknown requester",
				"requester", requesterID,
				"error", err,
			)
			return
		}
		payload := NotifyPayload{
			Envelope:     protocol.NewEnvelope(),
			Notification: detail,
		}
		if err := s.client.Post(taskCtx, string(requesterID), participant.BaseURL+notifyPath, payload); err != nil {
			s.logger.Error("consent notification failed",
				"requester", requesterID,
				"consent_request_id", detail.ConsentRequestID,
				"error", err,
			)
		}
	})
}

func (s *Service) conflictWithCurrent(ctx context.Context, id domain.ConsentRequestID) error {
	record, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return dErrors.New(dErrors.CodeStateConflict, "consent request "+id.String()+" is not REQUESTED")
	}
	return stateConflict(record.EffectiveStatus(s.now()), StatusRequested)
}

func (s *Service) callbackError(err error, subject string) *protocol.Error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return &protocol.Error{
			Code:    string(dErrors.CodeConsentNotFound),
			Message: subject + " not found",
		}
	}
	return &protocol.Error{
		Code:    string(dErrors.CodeInternal),
		Message: err.Error(),
	}
}

func stateConflict(current, expected Status) error {
	return dErrors.New(dErrors.CodeStateConflict,
		fmt.Sprintf("consent request is %s, expected %s", current, expected))
}

// sign produces the artefact signature: an HMAC-SHA256 over the immutable
// scope fields, keyed from config. Real deployments would use a
// registry-anchored signing key.
func (s *Service) sign(a *Artefact) string {
	payload, _ := json.Marshal(struct {
		ConsentID        string                  `json:"consent_id"`
		ConsentRequestID string                  `json:"consent_request_id"`
		PatientReference domain.PatientReference `json:"patient_reference"`
		CareContextRefs  []string                `json:"care_context_refs"`
		GrantedAt        time.Time               `json:"granted_at"`
	}{
		ConsentID:        a.ConsentID.String(),
		ConsentRequestID: a.ConsentRequestID.String(),
		PatientReference: a.PatientReference,
		CareContextRefs:  a.CareContextRefs,
		GrantedAt:        a.GrantedAt,
	})
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
