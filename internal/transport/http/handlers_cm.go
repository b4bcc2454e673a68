package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"setu/internal/consent"
	"setu/internal/linking"
	"setu/internal/protocol"
	"setu/internal/transfer"
	respond "setu/internal/transport/http/json"
	"setu/internal/transport/http/shared"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// CMHandler is the consent authority's inbound surface plus the out-of-band
// patient console actions.
type CMHandler struct {
	consent *consent.Service
	linking *linking.Service
	relay   *transfer.Relay
	logger  *slog.Logger
}

// NewCMHandler constructs the consent authority handler.
func NewCMHandler(consentSvc *consent.Service, linkSvc *linking.Service, relay *transfer.Relay, logger *slog.Logger) *CMHandler {
	return &CMHandler{
		consent: consentSvc,
		linking: linkSvc,
		relay:   relay,
		logger:  logger,
	}
}

// Register mounts the authority routes delivered through the router.
func (h *CMHandler) Register(r chi.Router) {
	r.Post("/v0.5/consent-requests/init", h.handleConsentInit)
	r.Post("/v0.5/consent-requests/status", h.handleConsentStatus)
	r.Post("/v0.5/consents/fetch", h.handleConsentFetch)
	r.Post("/v0.5/links/link/add-contexts", h.handleAddContexts)
	r.Post("/v0.5/links/context/notify", h.handleContextNotify)
	r.Post("/v0.5/health-information/request", h.handleHIRequest)
}

// RegisterConsole mounts the out-of-band patient decision actions. These are
// synchronous: the patient is present and gets the outcome immediately.
func (h *CMHandler) RegisterConsole(r chi.Router) {
	r.Post("/internal/consent-requests/{id}/approve", h.handleApprove)
	r.Post("/internal/consent-requests/{id}/deny", h.handleDeny)
	r.Post("/internal/consents/{id}/revoke", h.handleRevoke)
}

func (h *CMHandler) handleConsentInit(w http.ResponseWriter, r *http.Request) {
	var req consent.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.consent.Init(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *CMHandler) handleConsentStatus(w http.ResponseWriter, r *http.Request) {
	var req consent.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.consent.Status(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *CMHandler) handleConsentFetch(w http.ResponseWriter, r *http.Request) {
	var req consent.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.consent.Fetch(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *CMHandler) handleAddContexts(w http.ResponseWriter, r *http.Request) {
	var req linking.AddContextsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.linking.AddContexts(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *CMHandler) handleContextNotify(w http.ResponseWriter, r *http.Request) {
	var req linking.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.linking.Notify(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *CMHandler) handleHIRequest(w http.ResponseWriter, r *http.Request) {
	var req transfer.HIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.relay.Handle(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *CMHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseConsentRequestID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var action consent.ApprovalAction
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}
	artefact, err := h.consent.Approve(r.Context(), id, action)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"consentRequestId": id.String(),
		"status":           consent.StatusGranted,
		"consentArtefact":  artefact,
	})
}

func (h *CMHandler) handleDeny(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseConsentRequestID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.consent.Deny(r.Context(), id); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"consentRequestId": id.String(),
		"status":           consent.StatusDenied,
	})
}

func (h *CMHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseConsentID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.consent.Revoke(r.Context(), id); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"consentId": id.String(),
		"status":    consent.StatusRevoked,
	})
}
