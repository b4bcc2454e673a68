// Package httptransport is the thin HTTP layer over the exchange's actors.
// Handlers decode, delegate to domain services, and translate errors; no
// business logic lives here.
package httptransport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"setu/internal/gateway"
	"setu/internal/platform/middleware"
	"setu/internal/registry"
	respond "setu/internal/transport/http/json"
	"setu/internal/transport/http/shared"
	"setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// GatewayHandler serves the router's perimeter: session issuance, operation
// intake, callback intake, and the transaction-log query.
type GatewayHandler struct {
	svc      *gateway.Service
	sessions *registry.SessionService
	logger   *slog.Logger
}

// NewGatewayHandler constructs the gateway handler.
func NewGatewayHandler(svc *gateway.Service, sessions *registry.SessionService, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		svc:      svc,
		sessions: sessions,
		logger:   logger,
	}
}

// RegisterSessions mounts the unauthenticated token endpoint.
func (h *GatewayHandler) RegisterSessions(r chi.Router) {
	r.Post("/v0.5/sessions", h.handleSessions)
}

// RegisterOperations mounts every routable operation and callback path.
// Callers must already be authenticated.
func (h *GatewayHandler) RegisterOperations(r chi.Router) {
	for _, op := range gateway.Operations() {
		r.Post("/v0.5/"+string(op), h.acceptOperation(op))
	}
	for _, path := range gateway.CallbackPaths() {
		r.Post(path, h.handleCallback(path))
	}
}

// RegisterInternal mounts the audit query surface.
func (h *GatewayHandler) RegisterInternal(r chi.Router) {
	r.Get("/internal/transactions/{requestId}", h.handleTransactions)
}

type sessionRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func (h *GatewayHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	session, err := h.sessions.Issue(domain.ParticipantID(req.ClientID), req.ClientSecret)
	if err != nil {
		h.logger.WarnContext(r.Context(), "session issuance rejected",
			"client_id", req.ClientID,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, session)
}

func (h *GatewayHandler) acceptOperation(op gateway.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
			return
		}
		sender := domain.ParticipantID(middleware.GetParticipantID(r.Context()))
		ack, err := h.svc.Accept(r.Context(), op, sender, body)
		if err != nil {
			shared.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusAccepted, ack)
	}
}

func (h *GatewayHandler) handleCallback(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
			return
		}
		actor := domain.ParticipantID(middleware.GetParticipantID(r.Context()))
		ack, err := h.svc.AcceptCallback(r.Context(), actor, path, body)
		if err != nil {
			shared.WriteError(w, err)
			return
		}
		respond.WriteJSON(w, http.StatusAccepted, ack)
	}
}

func (h *GatewayHandler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	records, err := h.svc.Transactions(r.Context(), requestID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"requestId":    requestID,
		"transactions": records,
	})
}
