package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"setu/internal/linking"
	"setu/internal/patient"
	"setu/internal/protocol"
	"setu/internal/transfer"
	respond "setu/internal/transport/http/json"
	"setu/internal/transport/http/shared"
	dErrors "setu/pkg/domain-errors"
)

// HIPHandler is the holding party's inbound surface. Requests arrive through
// the router, which is the trust perimeter; this surface performs no
// credential check of its own.
type HIPHandler struct {
	discovery *patient.Service
	linking   *linking.Service
	transfer  *transfer.Service
	logger    *slog.Logger
}

// NewHIPHandler constructs the holding party handler.
func NewHIPHandler(discovery *patient.Service, linkSvc *linking.Service, transferSvc *transfer.Service, logger *slog.Logger) *HIPHandler {
	return &HIPHandler{
		discovery: discovery,
		linking:   linkSvc,
		transfer:  transferSvc,
		logger:    logger,
	}
}

// Register mounts the holding party routes.
func (h *HIPHandler) Register(r chi.Router) {
	r.Post("/v0.5/care-contexts/discover", h.handleDiscover)
	r.Post("/v0.5/links/link/init", h.handleLinkInit)
	r.Post("/v0.5/links/link/confirm", h.handleLinkConfirm)
	r.Post("/v0.5/health-information/request", h.handleHIRequest)

	// Replies the router delivers back to this actor.
	r.Post("/v0.5/links/link/on-add-contexts", h.handleDeliveredReply)
	r.Post("/v0.5/links/context/on-notify", h.handleDeliveredReply)

	// Provider console: record new episodes against an existing patient.
	r.Post("/internal/patients/{internalID}/care-contexts", h.handleRecordCareContexts)
}

func (h *HIPHandler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req patient.DiscoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.discovery.Discover(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *HIPHandler) handleLinkInit(w http.ResponseWriter, r *http.Request) {
	var req linking.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.linking.Initiate(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *HIPHandler) handleLinkConfirm(w http.ResponseWriter, r *http.Request) {
	var req linking.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.linking.Confirm(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *HIPHandler) handleHIRequest(w http.ResponseWriter, r *http.Request) {
	var req transfer.HIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.transfer.Request(r.Context(), req); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(req.RequestID))
}

func (h *HIPHandler) handleRecordCareContexts(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalID")
	var req struct {
		CareContexts []patient.CareContext `json:"careContexts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.discovery.RecordCareContexts(r.Context(), internalID, req.CareContexts); err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"patientReference": internalID,
		"recorded":         len(req.CareContexts),
	})
}

// handleDeliveredReply acknowledges replies routed back to this actor. The
// holding party keeps no state for them beyond the log line.
func (h *HIPHandler) handleDeliveredReply(w http.ResponseWriter, r *http.Request) {
	var env protocol.CallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	h.logger.InfoContext(r.Context(), "reply delivered to holding party",
		"path", r.URL.Path,
		"for_request_id", env.Resp.RequestID,
	)
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(env.RequestID))
}
