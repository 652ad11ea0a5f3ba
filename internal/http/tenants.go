package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/nextlevelbuilder/msgmux/internal/bootstrap"
	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// TenantsHandler serves the admin bootstrap endpoint and the
// tenant-facing inbound-target endpoints.
type TenantsHandler struct {
	store            *store.Store
	auth             tenantAuth
	adminToken       string
	defaultTimeoutMs int64
}

// NewTenantsHandler creates the tenant management handler.
func NewTenantsHandler(st *store.Store, cfg *config.Config) *TenantsHandler {
	return &TenantsHandler{
		store:            st,
		auth:             tenantAuth{store: st},
		adminToken:       cfg.Server.AdminToken,
		defaultTimeoutMs: cfg.Mux.InboundTimeoutMs,
	}
}

// RegisterRoutes registers the tenant routes on the given mux.
func (h *TenantsHandler) RegisterRoutes(m *http.ServeMux) {
	m.HandleFunc("POST /v1/admin/tenants/bootstrap", h.requireAdmin(h.handleBootstrap))
	m.HandleFunc("GET /v1/tenant/inbound-target", h.auth.wrap(h.handleGetInboundTarget))
	m.HandleFunc("POST /v1/tenant/inbound-target", h.auth.wrap(h.handleSetInboundTarget))
}

// requireAdmin gates a handler on the configured admin token. With no
// token configured the endpoint answers 404, as if it did not exist.
func (h *TenantsHandler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			errJSON(w, http.StatusNotFound, "not found")
			return
		}
		if extractBearer(r) != h.adminToken {
			errJSON(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type bootstrapResponse struct {
	OK               bool   `json:"ok"`
	TenantID         string `json:"tenantId"`
	Name             string `json:"name"`
	InboundURL       string `json:"inboundUrl,omitempty"`
	InboundTimeoutMs int64  `json:"inboundTimeoutMs"`
	InboundToken     string `json:"inboundToken"`
}

func (h *TenantsHandler) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID         string `json:"tenantId"`
		Name             string `json:"name"`
		APIKey           string `json:"apiKey"`
		InboundURL       string `json:"inboundUrl"`
		InboundTimeoutMs int64  `json:"inboundTimeoutMs"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.TenantID == "" || body.APIKey == "" {
		errJSON(w, http.StatusBadRequest, "tenantId and apiKey required")
		return
	}
	if body.InboundURL != "" && !validHTTPURL(body.InboundURL) {
		errJSON(w, http.StatusBadRequest, "inboundUrl must be an http(s) URL")
		return
	}

	// Same upsert path as startup seeding: existing fields survive when
	// the payload leaves them empty, and the inbound token is minted once.
	seed := &config.TenantSeed{
		ID:               body.TenantID,
		Name:             body.Name,
		APIKey:           body.APIKey,
		InboundURL:       body.InboundURL,
		InboundTimeoutMs: body.InboundTimeoutMs,
	}
	if _, err := bootstrap.SeedTenant(h.store, seed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			errJSON(w, http.StatusConflict, "api key already in use")
			return
		}
		slog.Error("tenant bootstrap failed", "tenant", body.TenantID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}

	tenant, err := h.store.TenantByID(body.TenantID)
	if err != nil {
		slog.Error("tenant bootstrap readback failed", "tenant", body.TenantID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("tenant bootstrapped", "tenant", tenant.ID)
	writeJSON(w, http.StatusOK, bootstrapResponse{
		OK:               true,
		TenantID:         tenant.ID,
		Name:             tenant.Name,
		InboundURL:       tenant.InboundURL,
		InboundTimeoutMs: tenant.InboundTimeoutMs,
		InboundToken:     tenant.InboundToken,
	})
}

type inboundTargetResponse struct {
	OK               bool   `json:"ok"`
	Configured       bool   `json:"configured"`
	InboundURL       string `json:"inboundUrl,omitempty"`
	InboundTimeoutMs int64  `json:"inboundTimeoutMs,omitempty"`
}

func (h *TenantsHandler) handleGetInboundTarget(w http.ResponseWriter, _ *http.Request, tenant *store.Tenant) {
	resp := inboundTargetResponse{OK: true, Configured: tenant.InboundURL != ""}
	if resp.Configured {
		resp.InboundURL = tenant.InboundURL
		resp.InboundTimeoutMs = tenant.InboundTimeoutMs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TenantsHandler) handleSetInboundTarget(w http.ResponseWriter, r *http.Request, tenant *store.Tenant) {
	var body struct {
		InboundURL       string `json:"inboundUrl"`
		InboundTimeoutMs int64  `json:"inboundTimeoutMs"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		errJSON(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.InboundURL == "" {
		errJSON(w, http.StatusBadRequest, "inboundUrl required")
		return
	}
	if !validHTTPURL(body.InboundURL) {
		errJSON(w, http.StatusBadRequest, "inboundUrl must be an http(s) URL")
		return
	}
	if body.InboundTimeoutMs <= 0 {
		body.InboundTimeoutMs = h.defaultTimeoutMs
	}

	err := h.store.SetInboundTarget(tenant.ID, body.InboundURL, body.InboundTimeoutMs)
	if errors.Is(err, store.ErrNotFound) {
		errJSON(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		slog.Error("set inbound target failed", "tenant", tenant.ID, "error", err)
		errJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("inbound target updated", "tenant", tenant.ID, "url", body.InboundURL)
	writeJSON(w, http.StatusOK, inboundTargetResponse{
		OK:               true,
		Configured:       true,
		InboundURL:       body.InboundURL,
		InboundTimeoutMs: body.InboundTimeoutMs,
	})
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
