package httptransport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"setu/internal/protocol"
	"setu/internal/requester"
	"setu/internal/transfer"
	respond "setu/internal/transport/http/json"
	"setu/internal/transport/http/shared"
	dErrors "setu/pkg/domain-errors"
)

// HIUHandler is the sandbox requester's inbound surface: it records every
// delivered callback and data push into an inbox and exposes that inbox for
// inspection.
type HIUHandler struct {
	inbox  *requester.Inbox
	logger *slog.Logger
}

// NewHIUHandler constructs the requester handler.
func NewHIUHandler(inbox *requester.Inbox, logger *slog.Logger) *HIUHandler {
	return &HIUHandler{inbox: inbox, logger: logger}
}

// Register mounts the requester routes.
func (h *HIUHandler) Register(r chi.Router) {
	// Replies the router delivers for operations this actor submitted.
	r.Post("/v0.5/care-contexts/on-discover", h.handleCallback)
	r.Post("/v0.5/links/link/on-init", h.handleCallback)
	r.Post("/v0.5/links/link/on-confirm", h.handleCallback)
	r.Post("/v0.5/consent-requests/on-init", h.handleCallback)
	r.Post("/v0.5/consent-requests/on-status", h.handleCallback)
	r.Post("/v0.5/consents/on-fetch", h.handleCallback)
	r.Post("/v0.5/health-information/cm/on-request", h.handleCallback)

	// Authority-initiated decision notifications.
	r.Post("/v0.5/consents/notify", h.handleCallback)

	// Bulk data, pushed directly by the holding party.
	r.Post("/data/push", h.handleDataPush)

	r.Get("/inbox/callbacks", h.handleListCallbacks)
	r.Get("/inbox/pushes", h.handleListPushes)
}

func (h *HIUHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}
	h.inbox.Record(r.URL.Path, body)

	var env protocol.CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	h.logger.InfoContext(r.Context(), "callback received by requester",
		"path", r.URL.Path,
		"for_request_id", env.Resp.RequestID,
		"has_error", env.Error != nil,
	)
	respond.WriteJSON(w, http.StatusAccepted, protocol.NewAck(env.RequestID))
}

func (h *HIUHandler) handleDataPush(w http.ResponseWriter, r *http.Request) {
	var push transfer.DataPushPayload
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	h.inbox.RecordPush(push)
	h.logger.InfoContext(r.Context(), "data batch received by requester",
		"transaction_id", push.TransactionID,
		"entries", len(push.Entries),
	)
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (h *HIUHandler) handleListCallbacks(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"callbacks": h.inbox.Callbacks(path),
	})
}

func (h *HIUHandler) handleListPushes(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"pushes": h.inbox.Pushes(),
	})
}
