package store

import (
	"database/sql"
	"fmt"
)

// schema is idempotent: every statement is CREATE ... IF NOT EXISTS.
// Column additions for older databases happen in migrate below.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	api_key_hash TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'active',
	inbound_url TEXT NOT NULL DEFAULT '',
	inbound_token TEXT NOT NULL DEFAULT '',
	inbound_timeout_ms INTEGER NOT NULL DEFAULT 15000,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);

CREATE TABLE IF NOT EXISTS pairing_codes (
	code TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	route_key TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT 'chat',
	expires_at_ms INTEGER NOT NULL,
	claimed_by_tenant_id TEXT,
	claimed_at_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_pairing_codes_expires ON pairing_codes(expires_at_ms);

CREATE TABLE IF NOT EXISTS pairing_tokens (
	token_hash TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	session_key TEXT,
	created_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	consumed_at_ms INTEGER,
	consumed_binding_id TEXT,
	consumed_route_key TEXT
);
CREATE INDEX IF NOT EXISTS idx_pairing_tokens_tenant ON pairing_tokens(tenant_id, channel, expires_at_ms);

CREATE TABLE IF NOT EXISTS bindings (
	binding_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT 'chat',
	route_key TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bindings_tenant ON bindings(tenant_id, channel);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_active_route
	ON bindings(channel, route_key) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS session_routes (
	tenant_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	session_key TEXT NOT NULL,
	binding_id TEXT NOT NULL,
	channel_context_json TEXT NOT NULL DEFAULT '{}',
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, channel, session_key)
);
CREATE INDEX IF NOT EXISTS idx_session_routes_binding ON session_routes(binding_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	request_fingerprint TEXT NOT NULL,
	response_status INTEGER NOT NULL,
	response_body TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at_ms);

CREATE TABLE IF NOT EXISTS provider_offsets (
	provider TEXT PRIMARY KEY,
	offset_value TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS whatsapp_inbound_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dedupe_key TEXT NOT NULL UNIQUE,
	payload_json TEXT NOT NULL,
	next_attempt_at_ms INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wa_queue_due ON whatsapp_inbound_queue(next_attempt_at_ms, id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_logs(tenant_id, created_at_ms);
`

// migrate applies the schema and any additive column migrations. Safe to
// run on every start.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	// Inbound target columns arrived after the first tenants schema;
	// older databases gain them here.
	additions := []struct {
		table, column, ddl string
	}{
		{"tenants", "inbound_url", "ALTER TABLE tenants ADD COLUMN inbound_url TEXT NOT NULL DEFAULT ''"},
		{"tenants", "inbound_token", "ALTER TABLE tenants ADD COLUMN inbound_token TEXT NOT NULL DEFAULT ''"},
		{"tenants", "inbound_timeout_ms", "ALTER TABLE tenants ADD COLUMN inbound_timeout_ms INTEGER NOT NULL DEFAULT 15000"},
	}
	for _, a := range additions {
		ok, err := hasColumn(db, a.table, a.column)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := db.Exec(a.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", a.table, a.column, err)
			}
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
