package mux

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// HandleSend runs the idempotency protocol around one outbound send:
// replay a cached response for a matching fingerprint, 409 a mismatched
// one, join an in-flight duplicate, or dispatch and cache. Without a
// key the send dispatches directly.
func (d *Dispatcher) HandleSend(ctx context.Context, tenant *store.Tenant, idemKey string, body []byte) (int, []byte) {
	if idemKey == "" {
		return d.send(ctx, tenant, body)
	}
	fingerprint := string(body)

	if _, err := d.store.PurgeExpiredIdempotency(); err != nil {
		slog.Warn("idempotency purge failed", "error", err)
	}
	if status, resp, ok := d.replay(tenant, idemKey, fingerprint); ok {
		return status, resp
	}

	entry, owner := d.inflight.begin(tenant.ID, idemKey, fingerprint)
	if !owner {
		if entry.fingerprint != fingerprint {
			return shapeSendError(tenant, ErrIdempotencyMismatch)
		}
		select {
		case <-entry.done:
			return entry.status, entry.body
		case <-ctx.Done():
			return shapeSendError(tenant, ctx.Err())
		}
	}

	// A completed duplicate may have persisted its row between the miss
	// above and taking ownership; rows land before entries are removed,
	// so one more lookup closes that window.
	if status, resp, ok := d.replay(tenant, idemKey, fingerprint); ok {
		d.inflight.finish(tenant.ID, idemKey, entry, status, resp)
		return status, resp
	}

	status, resp := d.send(ctx, tenant, body)
	if status == http.StatusOK {
		err := d.store.PutIdempotency(&store.IdempotencyEntry{
			TenantID:           tenant.ID,
			Key:                idemKey,
			RequestFingerprint: fingerprint,
			ResponseStatus:     status,
			ResponseBody:       string(resp),
			ExpiresAtMs:        time.Now().Add(d.idempotencyTTL).UnixMilli(),
		})
		if err != nil {
			slog.Warn("idempotency store failed", "tenant", tenant.ID, "error", err)
		}
	}
	d.inflight.finish(tenant.ID, idemKey, entry, status, resp)
	return status, resp
}

// replay returns the cached response when a live row exists for the
// key. A fingerprint mismatch yields the shaped 409.
func (d *Dispatcher) replay(tenant *store.Tenant, key, fingerprint string) (int, []byte, bool) {
	e, err := d.store.GetIdempotency(tenant.ID, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil, false
	}
	if err != nil {
		slog.Warn("idempotency lookup failed", "tenant", tenant.ID, "error", err)
		return 0, nil, false
	}
	if e.RequestFingerprint != fingerprint {
		status, resp := shapeSendError(tenant, ErrIdempotencyMismatch)
		return status, resp, true
	}
	return e.ResponseStatus, []byte(e.ResponseBody), true
}
