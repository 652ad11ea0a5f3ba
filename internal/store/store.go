// Package store is the persistence layer: a single SQLite file holding
// tenants, bindings, session routes, pairing codes and tokens,
// idempotency entries, provider offsets, the WhatsApp inbound queue,
// and audit logs. No other package issues SQL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors mapped to the HTTP taxonomy by callers.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Store wraps the SQLite handle with typed queries.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path, applies
// pragmas via the DSN, and runs the idempotent migrations. The handle is
// capped to one open connection: SQLite has a single writer and the
// modernc driver serializes through it; WAL readers do not block it.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Counts returns per-table row counts, keyed by table name.
func (s *Store) Counts() (map[string]int64, error) {
	tables := []string{
		"tenants", "pairing_codes", "pairing_tokens", "bindings",
		"session_routes", "idempotency_keys", "provider_offsets",
		"whatsapp_inbound_queue", "audit_logs",
	}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure (modernc surfaces these as plain errors).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
