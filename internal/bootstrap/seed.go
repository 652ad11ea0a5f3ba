// Package bootstrap applies startup seed data: tenants and pairing
// codes declared in config are upserted into the store before the
// gateway starts serving.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// defaultCodeTTL applies when a pairing-code seed has no ttlSec.
const defaultCodeTTL = 30 * 24 * time.Hour

// Report summarizes what Apply changed.
type Report struct {
	TenantsSeeded   int
	CodesSeeded     int
	TokensGenerated []string // tenant ids that received a fresh inbound token
}

// Apply upserts seed tenants and pairing codes. It never deletes rows
// and never clobbers fields the seed leaves empty: an existing tenant
// keeps its name, inbound URL, token and timeout unless the seed sets
// them.
func Apply(st *store.Store, cfg *config.Config) (*Report, error) {
	rep := &Report{}
	for i := range cfg.Seed.Tenants {
		seed := &cfg.Seed.Tenants[i]
		generated, err := SeedTenant(st, seed)
		if err != nil {
			return rep, fmt.Errorf("seed tenant %s: %w", seed.ID, err)
		}
		rep.TenantsSeeded++
		if generated {
			rep.TokensGenerated = append(rep.TokensGenerated, seed.ID)
		}
	}

	now := time.Now().UnixMilli()
	for _, seed := range cfg.Seed.PairingCodes {
		ttl := time.Duration(seed.TTLSec) * time.Second
		if ttl <= 0 {
			ttl = defaultCodeTTL
		}
		code := &store.PairingCode{
			Code:        seed.Code,
			Channel:     seed.Channel,
			RouteKey:    seed.RouteKey,
			Scope:       seed.Scope,
			ExpiresAtMs: now + ttl.Milliseconds(),
		}
		if err := st.SeedPairingCode(code); err != nil {
			return rep, fmt.Errorf("seed pairing code %s: %w", seed.Code, err)
		}
		rep.CodesSeeded++
	}

	if rep.TenantsSeeded > 0 || rep.CodesSeeded > 0 {
		slog.Info("bootstrap: seed applied",
			"tenants", rep.TenantsSeeded,
			"codes", rep.CodesSeeded,
			"tokens_generated", len(rep.TokensGenerated))
	}
	return rep, nil
}

// SeedTenant upserts one tenant, hashing its API key and minting an
// inbound token when the tenant has none. The admin bootstrap endpoint
// shares this path with startup seeding. Reports whether a token was
// generated.
func SeedTenant(st *store.Store, seed *config.TenantSeed) (bool, error) {
	t := &store.Tenant{
		ID:               seed.ID,
		Name:             seed.Name,
		APIKeyHash:       mux.HashKey(seed.APIKey),
		InboundURL:       seed.InboundURL,
		InboundToken:     seed.InboundToken,
		InboundTimeoutMs: seed.InboundTimeoutMs,
	}

	existing, err := st.TenantByID(seed.ID)
	switch {
	case err == nil:
		if t.Name == "" {
			t.Name = existing.Name
		}
		if t.InboundURL == "" {
			t.InboundURL = existing.InboundURL
		}
		if t.InboundToken == "" {
			t.InboundToken = existing.InboundToken
		}
		if t.InboundTimeoutMs <= 0 {
			t.InboundTimeoutMs = existing.InboundTimeoutMs
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return false, err
	}

	generated := false
	if t.InboundToken == "" {
		t.InboundToken = mux.NewInboundToken()
		generated = true
	}
	return generated, st.UpsertTenant(t)
}
