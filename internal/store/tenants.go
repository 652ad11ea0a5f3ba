package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Tenant is a mux customer: one API key, one inbound forward target.
type Tenant struct {
	ID               string
	Name             string
	APIKeyHash       string
	Status           string
	InboundURL       string
	InboundToken     string
	InboundTimeoutMs int64
	CreatedAtMs      int64
	UpdatedAtMs      int64
}

// UpsertTenant inserts or updates a tenant by id. A duplicate API-key
// hash belonging to another tenant returns ErrConflict.
func (s *Store) UpsertTenant(t *Tenant) error {
	now := nowMs()
	if t.Status == "" {
		t.Status = "active"
	}
	if t.InboundTimeoutMs <= 0 {
		t.InboundTimeoutMs = 15000
	}
	_, err := s.db.Exec(`
		INSERT INTO tenants (id, name, api_key_hash, status, inbound_url, inbound_token, inbound_timeout_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			api_key_hash = excluded.api_key_hash,
			status = excluded.status,
			inbound_url = excluded.inbound_url,
			inbound_token = excluded.inbound_token,
			inbound_timeout_ms = excluded.inbound_timeout_ms,
			updated_at_ms = excluded.updated_at_ms`,
		t.ID, t.Name, t.APIKeyHash, t.Status, t.InboundURL, t.InboundToken, t.InboundTimeoutMs, now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("api key already in use: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// TenantByAPIKeyHash looks up an active tenant by the SHA-256 hex of its
// API key. Returns ErrNotFound when no active tenant matches.
func (s *Store) TenantByAPIKeyHash(hash string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRow(
		`SELECT id, name, api_key_hash, status, inbound_url, inbound_token, inbound_timeout_ms, created_at_ms, updated_at_ms
		 FROM tenants WHERE api_key_hash = ? AND status = 'active'`, hash))
}

// TenantByID looks up a tenant regardless of status.
func (s *Store) TenantByID(id string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRow(
		`SELECT id, name, api_key_hash, status, inbound_url, inbound_token, inbound_timeout_ms, created_at_ms, updated_at_ms
		 FROM tenants WHERE id = ?`, id))
}

// SetInboundTarget updates a tenant's forward URL and timeout.
func (s *Store) SetInboundTarget(tenantID, inboundURL string, timeoutMs int64) error {
	res, err := s.db.Exec(
		`UPDATE tenants SET inbound_url = ?, inbound_timeout_ms = ?, updated_at_ms = ? WHERE id = ?`,
		inboundURL, timeoutMs, nowMs(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("set inbound target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.Status, &t.InboundURL, &t.InboundToken, &t.InboundTimeoutMs, &t.CreatedAtMs, &t.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}
