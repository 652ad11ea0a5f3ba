package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// PairingsHandler serves the binding lifecycle: listing, token
// issuance, code claims and unbinding.
type PairingsHandler struct {
	store  *store.Store
	auth   tenantAuth
	cfg    *config.Config
	claims *claimLimiter
}

// NewPairingsHandler creates the pairing handler.
func NewPairingsHandler(st *store.Store, cfg *config.Config) *PairingsHandler {
	return &PairingsHandler{
		store:  st,
		auth:   tenantAuth{store: st},
		cfg:    cfg,
		claims: newClaimLimiter(),
	}
}

// RegisterRoutes registers the pairing routes on the given mux.
func (h *PairingsHandler) RegisterRoutes(m *http.ServeMux) {
	m.HandleFunc("GET /v1/pairings", h.auth.wrap(h.handleList))
	m.HandleFunc("POST /v1/pairings/token", h.auth.wrap(h.handleIssueToken))
	m.HandleFunc("POST /v1/pairings/claim", h.auth.wrap(h.handleClaim))
	m.HandleFunc("POST /v1/pairings/unbind", h.auth.wrap(h.handleUnbind))
}

type pairingItem struct {
	BindingID string `json:"bindingId"`
	Channel   string `json:"channel"`
	Scope     string `json:"scope"`
	RouteKey  string `json:"routeKey"`
}

func (h *PairingsHandler) handleList(w http.ResponseWriter, _ *http.Request, tenant *store.Tenant) {
	bindings, err := h.store.ListTenantBindings(tenant.ID)
	if err != nil {
		slog.Error("list bindings failed", "tenant", tenant.ID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]pairingItem, 0, len(bindings))
	for _, b := range bindings {
		items = append(items, pairingItem{
			BindingID: b.BindingID,
			Channel:   b.Channel,
			Scope:     b.Scope,
			RouteKey:  b.RouteKey,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Items []pairingItem `json:"items"`
	}{Items: items})
}

type issueTokenResponse struct {
	OK           bool   `json:"ok"`
	Channel      string `json:"channel"`
	Token        string `json:"token"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
	StartCommand string `json:"startCommand,omitempty"`
	DeepLink     string `json:"deepLink,omitempty"`
}

func (h *PairingsHandler) handleIssueToken(w http.ResponseWriter, r *http.Request, tenant *store.Tenant) {
	var body struct {
		Channel    string `json:"channel"`
		SessionKey string `json:"sessionKey"`
		RouteKey   string `json:"routeKey"`
		TTLSec     int64  `json:"ttlSec"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Channel == "" {
		errJSON(w, http.StatusBadRequest, "channel required")
		return
	}
	if !routekey.KnownChannel(body.Channel) {
		errJSON(w, http.StatusBadRequest, "unsupported channel")
		return
	}

	if _, err := h.store.PurgeExpiredPairingTokens(); err != nil {
		slog.Warn("pairing token purge failed", "error", err)
	}

	auditPayload := map[string]string{"channel": body.Channel}

	// Discord pairing names its destination up front: the token is
	// issued against a DM route and redeemed inside that DM, activating
	// the pending binding created here.
	if body.Channel == routekey.ChannelDiscord {
		if body.RouteKey == "" {
			errJSON(w, http.StatusBadRequest, "routeKey required for discord")
			return
		}
		parsed, err := routekey.ParseDiscord(body.RouteKey)
		if err != nil {
			errJSON(w, http.StatusBadRequest, "invalid discord route key")
			return
		}
		dm, ok := parsed.(routekey.DiscordDM)
		if !ok {
			errJSON(w, http.StatusBadRequest, "discord pairing supports dm routes only")
			return
		}
		if _, err := h.store.ActiveBindingByRoute(routekey.ChannelDiscord, dm.Key()); err == nil {
			errJSON(w, http.StatusConflict, "route already bound")
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			errJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		pending := &store.Binding{
			TenantID: tenant.ID,
			Channel:  routekey.ChannelDiscord,
			Scope:    "dm",
			RouteKey: dm.Key(),
			Status:   store.BindingPending,
		}
		if err := h.store.InsertBinding(pending); err != nil {
			slog.Error("pending binding insert failed", "tenant", tenant.ID, "error", err)
			errJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
		auditPayload["routeKey"] = dm.Key()
		auditPayload["bindingId"] = pending.BindingID
	}

	token := mux.NewPairingToken()
	now := time.Now()
	expires := now.Add(time.Duration(h.clampTTL(body.TTLSec)) * time.Second).UnixMilli()
	err := h.store.InsertPairingToken(&store.PairingToken{
		TokenHash:   mux.HashKey(token),
		TenantID:    tenant.ID,
		Channel:     body.Channel,
		SessionKey:  body.SessionKey,
		CreatedAtMs: now.UnixMilli(),
		ExpiresAtMs: expires,
	})
	if err != nil {
		slog.Error("pairing token insert failed", "tenant", tenant.ID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload, _ := json.Marshal(auditPayload)
	if err := h.store.AppendAudit(tenant.ID, "pairing_token_issued", string(payload)); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
	slog.Info("pairing token issued", "tenant", tenant.ID, "channel", body.Channel)

	resp := issueTokenResponse{
		OK:          true,
		Channel:     body.Channel,
		Token:       token,
		ExpiresAtMs: expires,
	}
	if body.Channel == routekey.ChannelTelegram {
		resp.StartCommand = "/start " + token
		if h.cfg.Telegram.BotUsername != "" {
			resp.DeepLink = "https://t.me/" + h.cfg.Telegram.BotUsername + "?start=" + token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// clampTTL applies the configured default and ceiling to a requested
// token lifetime.
func (h *PairingsHandler) clampTTL(ttlSec int64) int64 {
	if ttlSec <= 0 {
		return h.cfg.Pairing.TokenTTLSec
	}
	if ceil := h.cfg.Pairing.TokenMaxTTLSec; ceil > 0 && ttlSec > ceil {
		return ceil
	}
	return ttlSec
}

type claimResponse struct {
	BindingID  string `json:"bindingId"`
	Channel    string `json:"channel"`
	Scope      string `json:"scope"`
	RouteKey   string `json:"routeKey"`
	SessionKey string `json:"sessionKey,omitempty"`
}

func (h *PairingsHandler) handleClaim(w http.ResponseWriter, r *http.Request, tenant *store.Tenant) {
	if !h.claims.allow(tenant.ID) {
		errJSON(w, http.StatusTooManyRequests, "too many claim attempts")
		return
	}
	var body struct {
		Code       string `json:"code"`
		SessionKey string `json:"sessionKey"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Code == "" {
		errJSON(w, http.StatusBadRequest, "code required")
		return
	}

	pc, err := h.store.ClaimPairingCode(body.Code, tenant.ID)
	if errors.Is(err, store.ErrNotFound) {
		errJSON(w, http.StatusNotFound, "code not found or expired")
		return
	}
	if errors.Is(err, store.ErrConflict) {
		errJSON(w, http.StatusConflict, "code already claimed")
		return
	}
	if err != nil {
		slog.Error("pairing code claim failed", "tenant", tenant.ID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	b := &store.Binding{
		TenantID: tenant.ID,
		Channel:  pc.Channel,
		Scope:    pc.Scope,
		RouteKey: pc.RouteKey,
		Status:   store.BindingActive,
	}
	if err := h.store.InsertBinding(b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			errJSON(w, http.StatusConflict, "route already bound")
			return
		}
		slog.Error("claim binding insert failed", "tenant", tenant.ID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Without a session route the binding cannot be addressed outbound,
	// so one is registered whenever a deterministic key exists. Guild
	// routes without a channel have none until the tenant supplies a key.
	sessionKey := body.SessionKey
	if sessionKey == "" {
		sessionKey = generatedSessionKey(pc.Channel, pc.RouteKey)
	}
	if sessionKey != "" {
		if err := h.store.UpsertSessionRoute(tenant.ID, pc.Channel, sessionKey, b.BindingID, ""); err != nil {
			slog.Error("claim session route failed", "tenant", tenant.ID, "binding", b.BindingID, "error", err)
			errJSON(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	payload, _ := json.Marshal(map[string]string{
		"bindingId": b.BindingID,
		"channel":   b.Channel,
		"scope":     b.Scope,
		"routeKey":  b.RouteKey,
	})
	if err := h.store.AppendAudit(tenant.ID, "pairing_code_claimed", string(payload)); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
	slog.Info("pairing code claimed", "tenant", tenant.ID, "binding", b.BindingID, "route", b.RouteKey)

	writeJSON(w, http.StatusOK, claimResponse{
		BindingID:  b.BindingID,
		Channel:    b.Channel,
		Scope:      b.Scope,
		RouteKey:   b.RouteKey,
		SessionKey: sessionKey,
	})
}

// generatedSessionKey derives the deterministic session key for a route
// key, or "" when the route has no complete form (a guild binding
// without a channel). Chat type is unknown here, so Telegram and
// WhatsApp use their private-chat grammar; inbound traffic registers
// the group form on first contact.
func generatedSessionKey(channel, key string) string {
	switch channel {
	case routekey.ChannelTelegram:
		r, err := routekey.ParseTelegram(key)
		if err != nil {
			return ""
		}
		return routekey.TelegramSessionKey("", r.ChatID, r.TopicID)
	case routekey.ChannelDiscord:
		r, err := routekey.ParseDiscord(key)
		if err != nil {
			return ""
		}
		switch d := r.(type) {
		case routekey.DiscordDM:
			return routekey.DiscordDMSessionKey(d.UserID)
		case routekey.DiscordGuild:
			if d.ChannelID == "" {
				return ""
			}
			return routekey.DiscordGuildSessionKey(d.GuildID, d.ChannelID, d.ThreadID)
		}
	case routekey.ChannelWhatsApp:
		r, err := routekey.ParseWhatsApp(key)
		if err != nil {
			return ""
		}
		return routekey.WhatsAppSessionKey(r.ChatJID)
	}
	return ""
}

func (h *PairingsHandler) handleUnbind(w http.ResponseWriter, r *http.Request, tenant *store.Tenant) {
	var body struct {
		BindingID string `json:"bindingId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.BindingID == "" {
		errJSON(w, http.StatusBadRequest, "bindingId required")
		return
	}

	err := h.store.Unbind(tenant.ID, body.BindingID)
	if errors.Is(err, store.ErrNotFound) {
		errJSON(w, http.StatusNotFound, "binding not found")
		return
	}
	if err != nil {
		slog.Error("unbind failed", "tenant", tenant.ID, "binding", body.BindingID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload, _ := json.Marshal(map[string]string{"bindingId": body.BindingID})
	if err := h.store.AppendAudit(tenant.ID, "binding_unbound", string(payload)); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
	slog.Info("binding unbound", "tenant", tenant.ID, "binding", body.BindingID)
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{OK: true})
}
