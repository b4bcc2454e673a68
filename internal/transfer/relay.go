package transfer

import (
	"context"
	"log/slog"

	"setu/internal/dispatch"
	"setu/internal/gateway"
	"setu/internal/protocol"
	"setu/internal/registry"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
	"setu/pkg/validation"
)

const hipRequestPath = "/v0.5/health-information/request"

// Relay is the consent authority's side of a health-information request: it
// validates the consent and hands the request to the holding party under the
// same envelope, so the router's correlation entry for the original
// requester survives the hop.
type Relay struct {
	consents ConsentValidator
	registry *registry.Registry
	sender   gateway.CallbackSender
	pool     *dispatch.Pool
	client   *gateway.Client
	logger   *slog.Logger
}

// NewRelay constructs the authority-side relay.
func NewRelay(consents ConsentValidator, reg *registry.Registry, sender gateway.CallbackSender, pool *dispatch.Pool, client *gateway.Client, logger *slog.Logger) *Relay {
	return &Relay{
		consents: consents,
		registry: reg,
		sender:   sender,
		pool:     pool,
		client:   client,
		logger:   logger,
	}
}

// Handle validates the request and schedules the forward to the holder.
func (r *Relay) Handle(ctx context.Context, req HIRequest) error {
	if err := validation.Validate(&req); err != nil {
		return err
	}
	if _, err := domain.ParseConsentID(req.HIRequest.Consent.ID); err != nil {
		return err
	}
	r.pool.Enqueue(func(taskCtx context.Context) {
		r.relay(taskCtx, req)
	})
	return nil
}

func (r *Relay) relay(ctx context.Context, req HIRequest) {
	consentID, _ := domain.ParseConsentID(req.HIRequest.Consent.ID)
	artefact, err := r.consents.ValidateForTransfer(ctx, consentID)
	if err != nil {
		payload := OnHIRequestPayload{
			CallbackEnvelope: protocol.NewCallbackEnvelope(req.RequestID),
		}
		payload.Error = &protocol.Error{
			Code:    string(dErrors.CodeOf(err)),
			Message: err.Error(),
		}
		if serr := r.sender.SendCallback(ctx, onHIRequestPath, payload); serr != nil {
			r.logger.Error("consent rejection callback failed",
				"request_id", req.RequestID,
				"error", serr,
			)
		}
		return
	}

	holder, err := r.resolveHolder(artefact.HolderID)
	if err != nil {
		r.logger.Error("no holding party for transfer",
			"consent_id", consentID,
			"error", err,
		)
		return
	}
	if err := r.client.Post(ctx, string(holder.ID), holder.BaseURL+hipRequestPath, req); err != nil {
		r.logger.Error("health-information forward failed",
			"request_id", req.RequestID,
			"holder", holder.ID,
			"error", err,
		)
	}
}

func (r *Relay) resolveHolder(holderID domain.ParticipantID) (registry.Participant, error) {
	if !holderID.IsNil() {
		return r.registry.Resolve(holderID)
	}
	return r.registry.ResolveRole(registry.RoleProvider)
}
