package store

import (
	"database/sql"
	"fmt"
)

// WAQueueRow is one durable WhatsApp inbound event awaiting forward.
type WAQueueRow struct {
	ID            int64
	DedupeKey     string
	PayloadJSON   string
	NextAttemptMs int64
	AttemptCount  int
	LastError     string
	CreatedAtMs   int64
}

// EnqueueWhatsApp inserts an inbound snapshot; duplicates (same dedupe
// key) are ignored. Returns true when a new row was created.
func (s *Store) EnqueueWhatsApp(dedupeKey, payloadJSON string) (bool, error) {
	now := nowMs()
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO whatsapp_inbound_queue (dedupe_key, payload_json, next_attempt_at_ms, attempt_count, created_at_ms)
		VALUES (?, ?, ?, 0, ?)`,
		dedupeKey, payloadJSON, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue whatsapp inbound: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DueWhatsAppRows returns up to limit rows whose next attempt is due,
// oldest id first.
func (s *Store) DueWhatsAppRows(limit int) ([]WAQueueRow, error) {
	rows, err := s.db.Query(`
		SELECT id, dedupe_key, payload_json, next_attempt_at_ms, attempt_count, last_error, created_at_ms
		FROM whatsapp_inbound_queue WHERE next_attempt_at_ms <= ? ORDER BY id LIMIT ?`,
		nowMs(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due whatsapp rows: %w", err)
	}
	defer rows.Close()
	var out []WAQueueRow
	for rows.Next() {
		var r WAQueueRow
		var lastErr sql.NullString
		if err := rows.Scan(&r.ID, &r.DedupeKey, &r.PayloadJSON, &r.NextAttemptMs, &r.AttemptCount, &lastErr, &r.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan whatsapp row: %w", err)
		}
		r.LastError = lastErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteWhatsAppRow removes a successfully forwarded row.
func (s *Store) DeleteWhatsAppRow(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM whatsapp_inbound_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete whatsapp row: %w", err)
	}
	return nil
}

// DeferWhatsAppRow reschedules a failed row, bumping its attempt count.
func (s *Store) DeferWhatsAppRow(id int64, nextAttemptMs int64, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE whatsapp_inbound_queue
		SET attempt_count = attempt_count + 1, next_attempt_at_ms = ?, last_error = ?
		WHERE id = ?`,
		nextAttemptMs, lastError, id,
	)
	if err != nil {
		return fmt.Errorf("defer whatsapp row: %w", err)
	}
	return nil
}
