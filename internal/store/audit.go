package store

import "fmt"

// AuditEntry is one append-only pairing/unbind event.
type AuditEntry struct {
	ID          int64
	TenantID    string
	EventType   string
	PayloadJSON string
	CreatedAtMs int64
}

// AppendAudit records a pairing lifecycle event. Payloads never contain
// token material.
func (s *Store) AppendAudit(tenantID, eventType, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (tenant_id, event_type, payload_json, created_at_ms)
		VALUES (?, ?, ?, ?)`,
		tenantID, eventType, payloadJSON, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAuditByTenant returns a tenant's newest audit entries, up to limit.
func (s *Store) ListAuditByTenant(tenantID string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, event_type, payload_json, created_at_ms
		FROM audit_logs WHERE tenant_id = ? ORDER BY created_at_ms DESC, id DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &e.PayloadJSON, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
