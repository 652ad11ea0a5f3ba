package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PairingCode is an admin-seeded code a tenant can claim exactly once.
type PairingCode struct {
	Code              string
	Channel           string
	RouteKey          string
	Scope             string
	ExpiresAtMs       int64
	ClaimedByTenantID string
	ClaimedAtMs       int64
}

// SeedPairingCode inserts or refreshes a code. Claimed codes keep their
// claim; only unclaimed rows get their route refreshed.
func (s *Store) SeedPairingCode(c *PairingCode) error {
	if c.Scope == "" {
		c.Scope = "chat"
	}
	_, err := s.db.Exec(`
		INSERT INTO pairing_codes (code, channel, route_key, scope, expires_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			channel = excluded.channel,
			route_key = excluded.route_key,
			scope = excluded.scope,
			expires_at_ms = excluded.expires_at_ms
		WHERE pairing_codes.claimed_by_tenant_id IS NULL`,
		c.Code, c.Channel, c.RouteKey, c.Scope, c.ExpiresAtMs,
	)
	if err != nil {
		return fmt.Errorf("seed pairing code: %w", err)
	}
	return nil
}

// ClaimPairingCode atomically claims an unclaimed, unexpired code for
// tenantID and returns it. An absent or expired code yields ErrNotFound;
// an already-claimed one yields ErrConflict.
func (s *Store) ClaimPairingCode(code, tenantID string) (*PairingCode, error) {
	now := nowMs()
	res, err := s.db.Exec(`
		UPDATE pairing_codes SET claimed_by_tenant_id = ?, claimed_at_ms = ?
		WHERE code = ? AND claimed_by_tenant_id IS NULL AND expires_at_ms > ?`,
		tenantID, now, code, now,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pairing code: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Distinguish 404 (absent or expired) from 409 (claimed).
		var claimed sql.NullString
		var expires int64
		err := s.db.QueryRow(`SELECT claimed_by_tenant_id, expires_at_ms FROM pairing_codes WHERE code = ?`, code).
			Scan(&claimed, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("inspect pairing code: %w", err)
		}
		if !claimed.Valid && expires <= now {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	return s.pairingCodeByCode(code)
}

func (s *Store) pairingCodeByCode(code string) (*PairingCode, error) {
	var c PairingCode
	var claimedBy sql.NullString
	var claimedAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT code, channel, route_key, scope, expires_at_ms, claimed_by_tenant_id, claimed_at_ms
		 FROM pairing_codes WHERE code = ?`, code).
		Scan(&c.Code, &c.Channel, &c.RouteKey, &c.Scope, &c.ExpiresAtMs, &claimedBy, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pairing code: %w", err)
	}
	c.ClaimedByTenantID = claimedBy.String
	c.ClaimedAtMs = claimedAt.Int64
	return &c, nil
}
