// Package mux is the outbound core: request validation, route
// resolution, idempotent dispatch with in-flight coalescing, and the
// forwarder that delivers inbound envelopes to tenants.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// Dispatcher owns the outbound send path. Channel senders register at
// startup; each send passes tenant auth (done by the HTTP layer),
// validation, route resolution, a per-provider rate limiter, and the
// provider call.
type Dispatcher struct {
	store          *store.Store
	senders        map[string]ChannelSender
	limiters       map[string]*rate.Limiter
	ratePerSec     int
	idempotencyTTL time.Duration
	inflight       *inflightMap
}

// NewDispatcher builds a dispatcher with no senders registered.
func NewDispatcher(st *store.Store, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		store:          st,
		senders:        make(map[string]ChannelSender),
		limiters:       make(map[string]*rate.Limiter),
		ratePerSec:     cfg.Mux.SendRatePerSec,
		idempotencyTTL: time.Duration(cfg.Mux.IdempotencyTTLMs) * time.Millisecond,
		inflight:       newInflightMap(),
	}
}

// Register wires a channel sender. Provider calls through it share one
// rate limiter.
func (d *Dispatcher) Register(channel string, s ChannelSender) {
	d.senders[channel] = s
	d.limiters[channel] = rate.NewLimiter(rate.Limit(d.ratePerSec), d.ratePerSec)
}

// Typing handles the typing shortcut. The response pair is ready to
// write verbatim.
func (d *Dispatcher) Typing(ctx context.Context, tenant *store.Tenant, channel, sessionKey string) (int, []byte) {
	req := &SendRequest{Channel: channel, SessionKey: sessionKey, Op: "action", Action: "typing"}
	route, sender, err := d.prepare(tenant, req)
	if err != nil {
		return shapeSendError(tenant, err)
	}
	if err := d.wait(ctx, channel); err != nil {
		return shapeSendError(tenant, err)
	}
	if err := sender.Typing(ctx, route, req); err != nil {
		return shapeSendError(tenant, err)
	}
	return http.StatusOK, mustJSON(okBody{OK: true})
}

// send parses, validates and dispatches one outbound body, returning
// the response status and JSON exactly as cached and replayed.
func (d *Dispatcher) send(ctx context.Context, tenant *store.Tenant, body []byte) (int, []byte) {
	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return shapeSendError(tenant, Invalidf("invalid JSON body"))
	}

	route, sender, err := d.prepare(tenant, &req)
	if err != nil {
		return shapeSendError(tenant, err)
	}
	if err := d.wait(ctx, req.Channel); err != nil {
		return shapeSendError(tenant, err)
	}

	if req.Op == "action" || req.Action == "typing" {
		if err := sender.Typing(ctx, route, &req); err != nil {
			return shapeSendError(tenant, err)
		}
		return http.StatusOK, mustJSON(okBody{OK: true})
	}

	res, err := sender.Send(ctx, route, &req)
	if err != nil {
		return shapeSendError(tenant, err)
	}
	ids := res.ProviderMessageIDs
	if ids == nil {
		ids = []string{}
	}
	return http.StatusOK, mustJSON(sendOKBody{
		OK:                 true,
		MessageID:          res.MessageID,
		ChatID:             res.ChatID,
		ChannelID:          res.ChannelID,
		ToJID:              res.ToJID,
		ProviderMessageIDs: ids,
	})
}

// prepare runs the shared validation order and resolves the route.
func (d *Dispatcher) prepare(tenant *store.Tenant, req *SendRequest) (*store.ResolvedRoute, ChannelSender, error) {
	if req.Channel == "" {
		return nil, nil, Invalidf("channel required")
	}
	if !routekey.KnownChannel(req.Channel) {
		return nil, nil, ErrUnsupportedChannel
	}
	if req.SessionKey == "" {
		return nil, nil, Invalidf("sessionKey required")
	}
	sender, ok := d.senders[req.Channel]
	if !ok {
		return nil, nil, Invalidf("channel %s is not enabled", req.Channel)
	}

	if req.Op == "action" || req.Action == "typing" {
		if req.Action != "" && req.Action != "typing" {
			return nil, nil, Invalidf("unsupported action %q", req.Action)
		}
	} else if req.Text == "" && len(req.Media()) == 0 && req.Raw == nil {
		return nil, nil, Invalidf("one of text, mediaUrl or raw required")
	}

	route, err := d.store.ResolveRoute(tenant.ID, req.Channel, req.SessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrRouteNotBound
	}
	if err != nil {
		return nil, nil, err
	}
	return route, sender, nil
}

// wait blocks on the channel's rate limiter.
func (d *Dispatcher) wait(ctx context.Context, channel string) error {
	lim, ok := d.limiters[channel]
	if !ok {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

type okBody struct {
	OK bool `json:"ok"`
}

type sendOKBody struct {
	OK                 bool     `json:"ok"`
	MessageID          string   `json:"messageId"`
	ChatID             string   `json:"chatId,omitempty"`
	ChannelID          string   `json:"channelId,omitempty"`
	ToJID              string   `json:"toJid,omitempty"`
	ProviderMessageIDs []string `json:"providerMessageIds"`
}

type sendErrBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// shapeSendError maps a dispatch error onto the wire taxonomy:
// validation 400, unbound route 403, idempotency conflict 409, provider
// failure 502, anything else 500 with a relay_error record.
func shapeSendError(tenant *store.Tenant, err error) (int, []byte) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, mustJSON(sendErrBody{Error: ve.Msg})
	}
	if errors.Is(err, ErrUnsupportedChannel) {
		return http.StatusBadRequest, mustJSON(sendErrBody{Error: "unsupported channel"})
	}
	if errors.Is(err, ErrRouteNotBound) {
		return http.StatusForbidden, mustJSON(sendErrBody{Error: "no active binding for this session", Code: "ROUTE_NOT_BOUND"})
	}
	var fe *ForbiddenError
	if errors.As(err, &fe) {
		return http.StatusForbidden, mustJSON(sendErrBody{Error: fe.Msg})
	}
	if errors.Is(err, ErrIdempotencyMismatch) {
		return http.StatusConflict, mustJSON(sendErrBody{Error: ErrIdempotencyMismatch.Error()})
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return http.StatusBadGateway, mustJSON(sendErrBody{
			Error:   fmt.Sprintf("%s %s failed", pe.Provider, pe.Op),
			Details: pe.Detail,
		})
	}
	tenantID := ""
	if tenant != nil {
		tenantID = tenant.ID
	}
	slog.Error("relay_error", "tenant", tenantID, "error", err)
	return http.StatusInternalServerError, mustJSON(sendErrBody{Error: err.Error()})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
