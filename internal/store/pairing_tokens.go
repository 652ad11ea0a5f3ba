package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PairingToken is the stored (hashed) form of a one-time pairing token.
type PairingToken struct {
	TokenHash         string
	TenantID          string
	Channel           string
	SessionKey        string
	CreatedAtMs       int64
	ExpiresAtMs       int64
	ConsumedAtMs      int64
	ConsumedBindingID string
	ConsumedRouteKey  string
}

// InsertPairingToken stores a freshly issued token hash.
func (s *Store) InsertPairingToken(t *PairingToken) error {
	_, err := s.db.Exec(`
		INSERT INTO pairing_tokens (token_hash, tenant_id, channel, session_key, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TokenHash, t.TenantID, t.Channel, nullStr(t.SessionKey), t.CreatedAtMs, t.ExpiresAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert pairing token: %w", err)
	}
	return nil
}

// RedeemPairingToken atomically consumes an unconsumed, unexpired token
// issued for channel and returns it. When tenantID is non-empty the
// token must additionally belong to that tenant; a mismatch behaves
// like an absent token. At most one concurrent redeemer wins; everyone
// else gets ErrNotFound.
func (s *Store) RedeemPairingToken(tokenHash, channel, tenantID string) (*PairingToken, error) {
	now := nowMs()
	q := `UPDATE pairing_tokens SET consumed_at_ms = ?
	      WHERE token_hash = ? AND channel = ? AND consumed_at_ms IS NULL AND expires_at_ms > ?`
	args := []any{now, tokenHash, channel, now}
	if tenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return nil, fmt.Errorf("redeem pairing token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.pairingTokenByHash(tokenHash)
}

// SetTokenConsumption records which binding and route a redeemed token
// produced.
func (s *Store) SetTokenConsumption(tokenHash, bindingID, routeKey string) error {
	_, err := s.db.Exec(
		`UPDATE pairing_tokens SET consumed_binding_id = ?, consumed_route_key = ? WHERE token_hash = ?`,
		bindingID, routeKey, tokenHash,
	)
	if err != nil {
		return fmt.Errorf("set token consumption: %w", err)
	}
	return nil
}

// PurgeExpiredPairingTokens deletes unconsumed tokens past their expiry.
func (s *Store) PurgeExpiredPairingTokens() (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM pairing_tokens WHERE consumed_at_ms IS NULL AND expires_at_ms <= ?`, nowMs())
	if err != nil {
		return 0, fmt.Errorf("purge pairing tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) pairingTokenByHash(hash string) (*PairingToken, error) {
	var t PairingToken
	var sessionKey, bindingID, routeKey sql.NullString
	var consumedAt sql.NullInt64
	err := s.db.QueryRow(`
		SELECT token_hash, tenant_id, channel, session_key, created_at_ms, expires_at_ms,
		       consumed_at_ms, consumed_binding_id, consumed_route_key
		FROM pairing_tokens WHERE token_hash = ?`, hash).
		Scan(&t.TokenHash, &t.TenantID, &t.Channel, &sessionKey, &t.CreatedAtMs, &t.ExpiresAtMs,
			&consumedAt, &bindingID, &routeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pairing token: %w", err)
	}
	t.SessionKey = sessionKey.String
	t.ConsumedAtMs = consumedAt.Int64
	t.ConsumedBindingID = bindingID.String
	t.ConsumedRouteKey = routeKey.String
	return &t, nil
}
