package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Binding statuses.
const (
	BindingPending  = "pending"
	BindingActive   = "active"
	BindingInactive = "inactive"
)

// Binding maps a tenant to one provider route.
type Binding struct {
	BindingID   string
	TenantID    string
	Channel     string
	Scope       string
	RouteKey    string
	Status      string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// NewBindingID returns a fresh binding id.
func NewBindingID() string {
	return "bind_" + uuid.NewString()
}

// InsertBinding stores a new binding row. Inserting an active binding
// for a (channel, routeKey) that already has one returns ErrConflict
// (enforced by the partial unique index).
func (s *Store) InsertBinding(b *Binding) error {
	now := nowMs()
	if b.BindingID == "" {
		b.BindingID = NewBindingID()
	}
	if b.Scope == "" {
		b.Scope = "chat"
	}
	b.CreatedAtMs, b.UpdatedAtMs = now, now
	_, err := s.db.Exec(`
		INSERT INTO bindings (binding_id, tenant_id, channel, scope, route_key, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BindingID, b.TenantID, b.Channel, b.Scope, b.RouteKey, b.Status, now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("route already bound: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// ActivateBinding flips a pending binding to active. Racing against an
// existing active binding on the same route returns ErrConflict.
func (s *Store) ActivateBinding(bindingID string) error {
	res, err := s.db.Exec(
		`UPDATE bindings SET status = ?, updated_at_ms = ? WHERE binding_id = ? AND status = ?`,
		BindingActive, nowMs(), bindingID, BindingPending,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("route already bound: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("activate binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unbind marks the binding inactive and deletes its session routes in
// one transaction. Unknown or foreign binding ids return ErrNotFound.
func (s *Store) Unbind(tenantID, bindingID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("unbind: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE bindings SET status = ?, updated_at_ms = ? WHERE binding_id = ? AND tenant_id = ? AND status != ?`,
		BindingInactive, nowMs(), bindingID, tenantID, BindingInactive,
	)
	if err != nil {
		return fmt.Errorf("unbind: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM session_routes WHERE binding_id = ?`, bindingID); err != nil {
		return fmt.Errorf("unbind: delete session routes: %w", err)
	}
	return tx.Commit()
}

// BindingByID loads a binding by id.
func (s *Store) BindingByID(bindingID string) (*Binding, error) {
	return s.scanBinding(s.db.QueryRow(
		`SELECT binding_id, tenant_id, channel, scope, route_key, status, created_at_ms, updated_at_ms
		 FROM bindings WHERE binding_id = ?`, bindingID))
}

// ActiveBindingByRoute finds the single active binding for a route key.
func (s *Store) ActiveBindingByRoute(channel, routeKey string) (*Binding, error) {
	return s.scanBinding(s.db.QueryRow(
		`SELECT binding_id, tenant_id, channel, scope, route_key, status, created_at_ms, updated_at_ms
		 FROM bindings WHERE channel = ? AND route_key = ? AND status = ?`,
		channel, routeKey, BindingActive))
}

// ListTenantBindings returns a tenant's active bindings, oldest first.
func (s *Store) ListTenantBindings(tenantID string) ([]Binding, error) {
	return s.listBindings(
		`SELECT binding_id, tenant_id, channel, scope, route_key, status, created_at_ms, updated_at_ms
		 FROM bindings WHERE tenant_id = ? AND status = ? ORDER BY created_at_ms`,
		tenantID, BindingActive)
}

// ListChannelBindings returns a channel's pending and active bindings,
// oldest first. The Discord poller walks these every pass.
func (s *Store) ListChannelBindings(channel string) ([]Binding, error) {
	return s.listBindings(
		`SELECT binding_id, tenant_id, channel, scope, route_key, status, created_at_ms, updated_at_ms
		 FROM bindings WHERE channel = ? AND status IN (?, ?) ORDER BY created_at_ms`,
		channel, BindingPending, BindingActive)
}

func (s *Store) listBindings(query string, args ...any) ([]Binding, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.BindingID, &b.TenantID, &b.Channel, &b.Scope, &b.RouteKey, &b.Status, &b.CreatedAtMs, &b.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) scanBinding(row *sql.Row) (*Binding, error) {
	var b Binding
	err := row.Scan(&b.BindingID, &b.TenantID, &b.Channel, &b.Scope, &b.RouteKey, &b.Status, &b.CreatedAtMs, &b.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	return &b, nil
}
