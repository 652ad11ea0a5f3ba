package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// IdempotencyEntry caches a completed outbound response under
// (tenantId, key) until it expires.
type IdempotencyEntry struct {
	TenantID           string
	Key                string
	RequestFingerprint string
	ResponseStatus     int
	ResponseBody       string
	ExpiresAtMs        int64
}

// GetIdempotency returns the unexpired entry for (tenantID, key).
func (s *Store) GetIdempotency(tenantID, key string) (*IdempotencyEntry, error) {
	var e IdempotencyEntry
	err := s.db.QueryRow(`
		SELECT tenant_id, key, request_fingerprint, response_status, response_body, expires_at_ms
		FROM idempotency_keys WHERE tenant_id = ? AND key = ? AND expires_at_ms > ?`,
		tenantID, key, nowMs()).
		Scan(&e.TenantID, &e.Key, &e.RequestFingerprint, &e.ResponseStatus, &e.ResponseBody, &e.ExpiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency entry: %w", err)
	}
	return &e, nil
}

// PutIdempotency stores (replacing) the cached response for a key.
func (s *Store) PutIdempotency(e *IdempotencyEntry) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO idempotency_keys (tenant_id, key, request_fingerprint, response_status, response_body, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.Key, e.RequestFingerprint, e.ResponseStatus, e.ResponseBody, e.ExpiresAtMs,
	)
	if err != nil {
		return fmt.Errorf("put idempotency entry: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency drops entries past their expiry. Called lazily
// at the top of every idempotent send.
func (s *Store) PurgeExpiredIdempotency() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at_ms <= ?`, nowMs())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
