package channels

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
)

// Deliver forwards an inbound envelope to the tenant behind a binding.
// A missing or inactive tenant, or one with no inbound target, drops
// the event rather than blocking the provider stream. A forward failure
// is returned so the caller retries without acking.
func Deliver(ctx context.Context, st *store.Store, fwd *mux.Forwarder, b *store.Binding, env *envelope.Envelope) error {
	tenant, err := st.TenantByID(b.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("inbound drop: binding tenant missing", "channel", env.Channel, "binding", b.BindingID, "tenant", b.TenantID)
		return nil
	}
	if err != nil {
		return err
	}
	if tenant.Status != "active" {
		slog.Warn("inbound drop: tenant inactive", "channel", env.Channel, "tenant", tenant.ID)
		return nil
	}
	if tenant.InboundURL == "" {
		slog.Warn("inbound drop: tenant has no inbound target", "channel", env.Channel, "tenant", tenant.ID)
		return nil
	}

	if err := fwd.Forward(ctx, tenant, env); err != nil {
		status := 0
		var fe *mux.ForwardError
		if errors.As(err, &fe) {
			status = fe.Status
		}
		slog.Warn("inbound_forward_failed", "channel", env.Channel, "tenant", tenant.ID, "status", status)
		return err
	}
	slog.Info("inbound forwarded", "channel", env.Channel, "tenant", tenant.ID, "kind", env.Event.Kind, "session", env.SessionKey)
	return nil
}
