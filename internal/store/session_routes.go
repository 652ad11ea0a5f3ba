package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ResolvedRoute is the forward-resolution result: the active binding
// behind a tenant's session key.
type ResolvedRoute struct {
	BindingID          string
	TenantID           string
	Channel            string
	Scope              string
	RouteKey           string
	SessionKey         string
	ChannelContextJSON string
}

// UpsertSessionRoute points (tenantId, channel, sessionKey) at a
// binding. The latest upsert wins.
func (s *Store) UpsertSessionRoute(tenantID, channel, sessionKey, bindingID, channelContextJSON string) error {
	if channelContextJSON == "" {
		channelContextJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO session_routes (tenant_id, channel, session_key, binding_id, channel_context_json, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, channel, session_key) DO UPDATE SET
			binding_id = excluded.binding_id,
			channel_context_json = excluded.channel_context_json,
			updated_at_ms = excluded.updated_at_ms`,
		tenantID, channel, sessionKey, bindingID, channelContextJSON, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("upsert session route: %w", err)
	}
	return nil
}

// ResolveRoute joins the session route with its binding and returns the
// provider route, requiring the binding to be active. ErrNotFound maps
// to the ROUTE_NOT_BOUND response upstream.
func (s *Store) ResolveRoute(tenantID, channel, sessionKey string) (*ResolvedRoute, error) {
	var r ResolvedRoute
	err := s.db.QueryRow(`
		SELECT b.binding_id, b.tenant_id, b.channel, b.scope, b.route_key, sr.session_key, sr.channel_context_json
		FROM session_routes sr
		JOIN bindings b ON b.binding_id = sr.binding_id
		WHERE sr.tenant_id = ? AND sr.channel = ? AND sr.session_key = ? AND b.status = ?`,
		tenantID, channel, sessionKey, BindingActive).
		Scan(&r.BindingID, &r.TenantID, &r.Channel, &r.Scope, &r.RouteKey, &r.SessionKey, &r.ChannelContextJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve route: %w", err)
	}
	return &r, nil
}

// LatestSessionKeyForBinding returns the most recently upserted session
// key pointing at the binding, or ErrNotFound. Inbound flows use it to
// address the tenant with the key the tenant already knows.
func (s *Store) LatestSessionKeyForBinding(bindingID string) (string, error) {
	var key string
	err := s.db.QueryRow(`
		SELECT session_key FROM session_routes
		WHERE binding_id = ? ORDER BY updated_at_ms DESC, session_key LIMIT 1`, bindingID).
		Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest session key: %w", err)
	}
	return key, nil
}
