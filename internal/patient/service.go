package patient

import (
	"context"
	"errors"
	"log/slog"

	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/protocol"
	"setu/internal/sentinel"
	dErrors "setu/pkg/domain-errors"
	"setu/pkg/validation"
)

const onDiscoverPath = "/v0.5/care-contexts/on-discover"

// Service is the holding party's patient surface: it validates a discovery
// query synchronously, then resolves and replies out-of-band, and records new
// episodes against the patient index.
type Service struct {
	store   Store
	matcher *Matcher
	sender  gateway.CallbackSender
	pool    *dispatch.Pool
	logger  *slog.Logger
}

// NewService constructs the patient service.
func NewService(store Store, matcher *Matcher, sender gateway.CallbackSender, pool *dispatch.Pool, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		matcher: matcher,
		sender:  sender,
		pool:    pool,
		logger:  logger,
	}
}

// Discover validates the request and schedules resolution. Not-found is
// never a synchronous outcome; it travels on the callback.
func (s *Service) Discover(ctx context.Context, req DiscoveryRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	if req.Patient.ID == "" && len(req.Patient.VerifiedIdentifiers) == 0 && req.Patient.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "patient query must carry an identifier or demographics")
	}

	s.pool.Enqueue(func(taskCtx context.Context) {
		s.resolve(taskCtx, req)
	})
	return nil
}

func (s *Service) resolve(ctx context.Context, req DiscoveryRequest) {
	query := Query{
		Verified:    req.Patient.VerifiedIdentifiers,
		Unverified:  req.Patient.UnverifiedIdentifiers,
		Name:        req.Patient.Name,
		Gender:      req.Patient.Gender,
		YearOfBirth: req.Patient.YearOfBirth,
	}
	if req.Patient.ID != "" {
		query.Verified = append([]Identifier{{
			Type:  protocol.IdentifierNationalHealthID,
			Value: req.Patient.ID,
		}}, query.Verified...)
	}

	payload := OnDiscoverPayload{
		CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
		TransactionID:    req.TransactionID,
	}

	match, err := s.matcher.Resolve(ctx, query)
	if err != nil {
		payload.Error = &protocol.Error{
			Code:    string(dErrors.CodeOf(err)),
			Message: err.Error(),
		}
	} else {
		contexts := make([]DiscoveredCareContext, 0, len(match.Patient.CareContexts))
		for _, cc := range match.Patient.CareContexts {
			contexts = append(contexts, DiscoveredCareContext{
				ReferenceNumber: cc.Reference,
				Display:         cc.Display,
			})
		}
		payload.Patient = &DiscoveredPatient{
			ReferenceNumber: match.Patient.InternalID,
			Display:         match.Patient.Demographics.Name,
			CareContexts:    contexts,
			MatchedBy:       []string{match.MatchedBy},
		}
	}

	if err := s.sender.SendCallback(ctx, onDiscoverPath, payload); err != nil {
		s.logger.Error("discovery callback failed",
			"request_id", req.RequestID,
			"transaction_id", req.TransactionID,
			"error", err,
		)
	}
}

// RecordCareContexts registers new episodes against an existing patient
// record so subsequent discovery and linking can see them. Duplicate
// references are ignored by the store.
func (s *Service) RecordCareContexts(ctx context.Context, internalID string, contexts []CareContext) error {
	if internalID == "" {
		return dErrors.New(dErrors.CodeValidation, "patient internal id is required")
	}
	if len(contexts) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one care context is required")
	}
	for _, cc := range contexts {
		if cc.Reference == "" {
			return dErrors.New(dErrors.CodeValidation, "care context reference is required")
		}
	}

	if err := s.store.AddCareContexts(ctx, internalID, contexts); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "no patient for internal id "+internalID)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "record care contexts")
	}
	s.logger.Info("care contexts recorded",
		"patient", internalID,
		"care_contexts", len(contexts),
	)
	return nil
}
