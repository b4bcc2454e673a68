package linking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/patient"
	"setu/internal/platform/metrics"
	"setu/internal/protocol"
	"setu/internal/sentinel"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
	"setu/pkg/validation"
)

const (
	onInitPath        = "/v0.5/links/link/on-init"
	onConfirmPath     = "/v0.5/links/link/on-confirm"
	onAddContextsPath = "/v0.5/links/link/on-add-contexts"
	onNotifyPath      = "/v0.5/links/context/on-notify"

	authenticationDirect = "DIRECT"
	mediumMobile         = "MOBILE"
)

const (
	confirmResultLinked    = "linked"
	confirmResultRejected  = "rejected"
	confirmResultExpired   = "expired"
	confirmResultExhausted = "exhausted"
)

// Service runs the OTP challenge lifecycle on the holding party side and the
// link bookkeeping on the authority side.
type Service struct {
	patients  patient.Store
	attempts  AttemptStore
	links     LinkStore
	sender    gateway.CallbackSender
	authority gateway.CallbackSender
	pool      *dispatch.Pool
	messenger Messenger
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ttl          time.Duration
	maxAttempts  int
	generateCode func() (string, error)
	now          func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithMetrics sets the metrics instance for the service.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithChallengeTTL overrides the challenge window.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithMaxAttempts overrides the confirm attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		s.maxAttempts = n
	}
}

// WithAuthoritySender routes the authority-side callbacks (add-contexts and
// context-notify acknowledgements) through their own gateway session. Defaults
// to the holding party's sender.
func WithAuthoritySender(sender gateway.CallbackSender) Option {
	return func(s *Service) {
		if sender != nil {
			s.authority = sender
		}
	}
}

// WithCodeGenerator overrides code generation, for tests.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(s *Service) {
		s.generateCode = fn
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// NewService constructs the linking service.
func NewService(patients patient.Store, attempts AttemptStore, links LinkStore, sender gateway.CallbackSender, pool *dispatch.Pool, messenger Messenger, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		patients:     patients,
		attempts:     attempts,
		links:        links,
		sender:       sender,
		pool:         pool,
		messenger:    messenger,
		logger:       logger,
		ttl:          10 * time.Minute,
		maxAttempts:  3,
		generateCode: GenerateCode,
		now:          time.Now,
	}
	s.authority = s.sender
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate validates an init request and schedules the challenge. Patient
// lookup failures travel on the callback, never synchronously.
func (s *Service) Initiate(ctx context.Context, req InitRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		s.initiate(taskCtx, req)
	})
	return nil
}

func (s *Service) initiate(ctx context.Context, req InitRequest) {
	payload := OnInitPayload{
		CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
		TransactionID:    req.TransactionID,
	}

	link, err := s.startChallenge(ctx, req)
	if err != nil {
		payload.Error = &protocol.Error{
			Code:    string(dErrors.CodeOf(err)),
			Message: err.Error(),
		}
	} else {
		payload.Link = link
	}

	if err := s.sender.SendCallback(ctx, onInitPath, payload); err != nil {
		s.logger.Error("link init callback failed",
			"request_id", req.RequestID,
			"transaction_id", req.TransactionID,
			"error", err,
		)
	}
}

func (s *Service) startChallenge(ctx context.Context, req InitRequest) (*LinkMeta, error) {
	rec, err := s.patients.Get(ctx, req.Patient.ReferenceNumber)
	if err != nil {
		return nil, dErrors.New(dErrors.CodePatientNotFound, "no patient for reference "+req.Patient.ReferenceNumber)
	}
	known := make(map[string]bool, len(rec.CareContexts))
	for _, cc := range rec.CareContexts {
		known[cc.Reference] = true
	}
	refs := make([]string, 0, len(req.Patient.CareContexts))
	for _, cc := range req.Patient.CareContexts {
		if !known[cc.ReferenceNumber] {
			return nil, dErrors.New(dErrors.CodeValidation, "unknown care context "+cc.ReferenceNumber)
		}
		refs = append(refs, cc.ReferenceNumber)
	}
	if rec.Identifiers.Phone == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "patient has no phone on record for otp delivery")
	}

	code, err := s.generateCode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue challenge")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue challenge")
	}

	now := s.now()
	attempt := Attempt{
		LinkReference:     uuid.New().String(),
		CodeHash:          hash,
		PatientInternalID: rec.InternalID,
		PatientReference:  domain.PatientReference(req.Patient.ID),
		CareContextRefs:   refs,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.attempts.Put(ctx, attempt, s.ttl); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store challenge")
	}
	if err := s.messenger.SendCode(ctx, rec.Identifiers.Phone, code); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "deliver challenge code")
	}

	if s.metrics != nil {
		s.metrics.IncrementLinkAttemptsInitiated()
	}
	s.logger.Info("link challenge issued",
		"link_reference", attempt.LinkReference,
		"patient", rec.InternalID,
		"care_contexts", len(refs),
	)
	return &LinkMeta{
		ReferenceNumber:    attempt.LinkReference,
		AuthenticationType: authenticationDirect,
		Meta: AuthMeta{
			CommunicationMedium: mediumMobile,
			CommunicationHint:   MaskPhone(rec.Identifiers.Phone),
			CommunicationExpiry: attempt.ExpiresAt,
		},
	}, nil
}

// Confirm validates a code submission and schedules verification.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		s.confirm(taskCtx, req)
	})
	return nil
}

func (s *Service) confirm(ctx context.Context, req ConfirmRequest) {
	payload := OnConfirmPayload{
		CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
	}

	linked, result, err := s.verify(ctx, req.Confirmation)
	if err != nil {
		payload.Error = &protocol.Error{
			Code:    string(dErrors.CodeOf(err)),
			Message: err.Error(),
		}
	} else {
		payload.Patient = linked
	}
	if s.metrics != nil {
		s.metrics.IncrementLinkConfirmations(result)
	}

	if err := s.sender.SendCallback(ctx, onConfirmPath, payload); err != nil {
		s.logger.Error("link confirm callback failed",
			"request_id", req.RequestID,
			"link_reference", req.Confirmation.LinkRefNumber,
			"error", err,
		)
	}
}

// verify is fail-closed: any uncertainty about the challenge state rejects
// the submission. The attempt counter is persisted before the comparison so
// a crash cannot refund a guess.
func (s *Service) verify(ctx context.Context, c Confirmation) (*LinkedPatient, string, error) {
	attempt, err := s.attempts.Get(ctx, c.LinkRefNumber)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, confirmResultRejected, dErrors.New(dErrors.CodeOTPInvalid, "no active challenge for reference "+c.LinkRefNumber)
		}
		return nil, confirmResultRejected, dErrors.Wrap(err, dErrors.CodeInternal, "load challenge")
	}
	if attempt.Verified {
		return nil, confirmResultRejected, dErrors.New(dErrors.CodeOTPInvalid, "challenge already verified")
	}
	now := s.now()
	if attempt.Expired(now) {
		return nil, confirmResultExpired, dErrors.New(dErrors.CodeOTPExpired, "challenge expired")
	}
	if attempt.AttemptCount >= s.maxAttempts {
		return nil, confirmResultExhausted, dErrors.New(dErrors.CodeOTPExhausted, "challenge attempt limit reached")
	}

	attempt.AttemptCount++
	if err := s.attempts.Update(ctx, attempt); err != nil {
		return nil, confirmResultRejected, dErrors.Wrap(err, dErrors.CodeInternal, "record attempt")
	}

	if err := bcrypt.CompareHashAndPassword(attempt.CodeHash, []byte(c.Token)); err != nil {
		return nil, confirmResultRejected, dErrors.New(dErrors.CodeOTPInvalid, "incorrect code")
	}

	attempt.Verified = true
	if err := s.attempts.Update(ctx, attempt); err != nil {
		return nil, confirmResultRejected, dErrors.Wrap(err, dErrors.CodeInternal, "finalize challenge")
	}

	rec, err := s.patients.Get(ctx, attempt.PatientInternalID)
	if err != nil {
		return nil, confirmResultRejected, dErrors.Wrap(err, dErrors.CodeInternal, "load patient")
	}
	displays := make(map[string]string, len(rec.CareContexts))
	for _, cc := range rec.CareContexts {
		displays[cc.Reference] = cc.Display
	}

	contexts := make([]LinkedContext, 0, len(attempt.CareContextRefs))
	for _, ref := range attempt.CareContextRefs {
		link := ContextLink{
			PatientInternalID: attempt.PatientInternalID,
			CareContextRef:    ref,
			PatientReference:  attempt.PatientReference,
			LinkedAt:          now,
			Status:            LinkStatusActive,
		}
		if err := s.links.Upsert(ctx, link); err != nil {
			return nil, confirmResultRejected, dErrors.Wrap(err, dErrors.CodeInternal, "persist link")
		}
		contexts = append(contexts, LinkedContext{
			ReferenceNumber: ref,
			Display:         displays[ref],
		})
	}

	s.logger.Info("care contexts linked",
		"link_reference", attempt.LinkReference,
		"patient", attempt.PatientInternalID,
		"care_contexts", len(contexts),
	)
	return &LinkedPatient{
		ReferenceNumber: string(attempt.PatientReference),
		Display:         rec.Demographics.Name,
		CareContexts:    contexts,
	}, confirmResultLinked, nil
}

// AddContexts records links made for an already-authenticated patient, with
// no fresh OTP round, and acknowledges out-of-band.
func (s *Service) AddContexts(ctx context.Context, req AddContextsRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		payload := OnAddContextsPayload{
			CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
		}
		if err := s.addContexts(taskCtx, req); err != nil {
			payload.Error = &protocol.Error{
				Code:    string(dErrors.CodeOf(err)),
				Message: err.Error(),
			}
		} else {
			payload.Acknowledgement = &Acknowledgement{Status: AckStatusOK}
		}
		if err := s.authority.SendCallback(taskCtx, onAddContextsPath, payload); err != nil {
			s.logger.Error("add-contexts callback failed",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	})
	return nil
}

func (s *Service) addContexts(ctx context.Context, req AddContextsRequest) error {
	now := s.now()
	for _, cc := range req.Link.CareContexts {
		link := ContextLink{
			PatientInternalID: req.Link.ReferenceNumber,
			CareContextRef:    cc.ReferenceNumber,
			PatientReference:  domain.PatientReference(req.Link.PatientID),
			LinkedAt:          now,
			Status:            LinkStatusActive,
		}
		if err := s.links.Upsert(ctx, link); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "persist link")
		}
	}
	s.logger.Info("care contexts added",
		"patient_id", req.Link.PatientID,
		"care_contexts", len(req.Link.CareContexts),
	)
	return nil
}

// Notify acknowledges a context notification. The authority keeps no state
// for these beyond the transaction log written at the gateway.
func (s *Service) Notify(ctx context.Context, req NotifyRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	s.pool.Enqueue(func(taskCtx context.Context) {
		payload := OnNotifyPayload{
			CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
			Acknowledgement:  &Acknowledgement{Status: AckStatusOK},
		}
		if err := s.authority.SendCallback(taskCtx, onNotifyPath, payload); err != nil {
			s.logger.Error("context notify callback failed",
				"request_id", req.RequestID,
				"error", err,
			)
		}
	})
	return nil
}

// Links lists the active links for an authority patient identity. Used by
// the consent authority when scoping artefacts.
func (s *Service) Links(ctx context.Context, ref domain.PatientReference) ([]ContextLink, error) {
	return s.links.ListByPatientReference(ctx, ref)
}
