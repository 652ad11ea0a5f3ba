package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// tenantHandlerFunc is a handler running on behalf of a resolved tenant.
type tenantHandlerFunc func(w http.ResponseWriter, r *http.Request, tenant *store.Tenant)

// tenantAuth resolves bearer API keys to active tenants. Lookups go
// through the SHA-256 hash; key material never reaches the store or the
// logs.
type tenantAuth struct {
	store *store.Store
}

func (a tenantAuth) wrap(next tenantHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := extractBearer(r)
		if key == "" {
			errJSON(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		tenant, err := a.store.TenantByAPIKeyHash(mux.HashKey(key))
		if errors.Is(err, store.ErrNotFound) {
			errJSON(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err != nil {
			slog.Error("tenant auth lookup failed", "error", err)
			errJSON(w, http.StatusInternalServerError, "internal error")
			return
		}
		next(w, r, tenant)
	}
}

// extractBearer returns the Authorization bearer value, "" when absent.
func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
