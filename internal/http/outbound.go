package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// OutboundHandler fronts the dispatcher with the send and typing
// endpoints.
type OutboundHandler struct {
	dispatcher *mux.Dispatcher
	auth       tenantAuth
}

// NewOutboundHandler creates the outbound handler.
func NewOutboundHandler(d *mux.Dispatcher, st *store.Store) *OutboundHandler {
	return &OutboundHandler{dispatcher: d, auth: tenantAuth{store: st}}
}

// RegisterRoutes registers the outbound routes on the given mux.
func (h *OutboundHandler) RegisterRoutes(m *http.ServeMux) {
	m.HandleFunc("POST /v1/mux/outbound/send", h.auth.wrap(h.handleSend))
	m.HandleFunc("POST /v1/mux/outbound/typing", h.auth.wrap(h.handleTyping))
}

// handleSend keeps the body bytes verbatim; they double as the
// idempotency fingerprint, so no re-serialization happens here.
func (h *OutboundHandler) handleSend(w http.ResponseWriter, r *http.Request, tenant *store.Tenant) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		errJSON(w, http.StatusBadRequest, "body unreadable or too large")
		return
	}
	status, resp := h.dispatcher.HandleSend(r.Context(), tenant, r.Header.Get("Idempotency-Key"), body)
	writeRaw(w, status, resp)
}

func (h *OutboundHandler) handleTyping(w http.ResponseWriter, r *http.Request, tenant *store.Tenant) {
	var body struct {
		Channel    string `json:"channel"`
		SessionKey string `json:"sessionKey"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status, resp := h.dispatcher.Typing(r.Context(), tenant, body.Channel, body.SessionKey)
	writeRaw(w, status, resp)
}
