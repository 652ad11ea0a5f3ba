package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/msgmux/internal/channels"
	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// pass processes one batch of due queue rows. Rows are independent: a
// failure defers that row with backoff and the batch continues.
func (c *Channel) pass(ctx context.Context) {
	rows, err := c.store.DueWhatsAppRows(c.batch)
	if err != nil {
		slog.Warn("whatsapp queue select failed", "error", err)
		return
	}
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		row := &rows[i]
		if err := c.processRow(ctx, row); err != nil {
			delay := backoffDelay(row.AttemptCount, c.initialDelay, c.maxDelay)
			next := time.Now().Add(delay).UnixMilli()
			if derr := c.store.DeferWhatsAppRow(row.ID, next, err.Error()); derr != nil {
				slog.Error("whatsapp row defer failed", "row", row.ID, "error", derr)
				continue
			}
			slog.Warn("whatsapp forward deferred", "row", row.ID, "attempts", row.AttemptCount+1, "delay", delay, "error", err)
			continue
		}
		if derr := c.store.DeleteWhatsAppRow(row.ID); derr != nil {
			slog.Error("whatsapp row delete failed", "row", row.ID, "error", derr)
		}
	}
}

// processRow handles one queue row. A nil return acks the row (delete);
// an error defers it. Rows whose payload no longer parses can never
// succeed and are acked with an error log.
func (c *Channel) processRow(ctx context.Context, row *store.WAQueueRow) error {
	var inb Inbound
	if err := json.Unmarshal([]byte(row.PayloadJSON), &inb); err != nil {
		slog.Error("whatsapp queue row unreadable, dropping", "row", row.ID, "error", err)
		return nil
	}
	if err := c.handleInbound(ctx, &inb); err != nil {
		return err
	}
	c.removeMedia(&inb)
	return nil
}

func (c *Channel) handleInbound(ctx context.Context, inb *Inbound) error {
	route := routekey.WhatsAppRoute{Account: c.account, ChatJID: inb.ChatJID}
	binding, err := c.store.ActiveBindingByRoute(routekey.ChannelWhatsApp, route.Key())
	if errors.Is(err, store.ErrNotFound) {
		if token := mux.ScanPairingToken(inb.Text); token != "" {
			return c.redeemToken(ctx, inb, route, token)
		}
		return nil
	}
	if err != nil {
		return err
	}

	// Bound chat: a pairing token in the text is just message content.
	env, err := c.messageEnvelope(binding, inb)
	if err != nil {
		return err
	}
	return channels.Deliver(ctx, c.store, c.fwd, binding, env)
}

// redeemToken burns a pairing token against this chat. Invalid tokens
// notify the sender and ack the row; only store failures propagate.
func (c *Channel) redeemToken(ctx context.Context, inb *Inbound, route routekey.WhatsAppRoute, token string) error {
	hash := mux.HashKey(token)
	pt, err := c.store.RedeemPairingToken(hash, routekey.ChannelWhatsApp, "")
	if errors.Is(err, store.ErrNotFound) {
		c.notify(ctx, inb.ChatJID, c.cfg.PairingMessage(config.MsgInvalidToken))
		return nil
	}
	if err != nil {
		return err
	}

	b := &store.Binding{
		TenantID: pt.TenantID,
		Channel:  routekey.ChannelWhatsApp,
		Scope:    "chat",
		RouteKey: route.Key(),
		Status:   store.BindingActive,
	}
	if err := c.store.InsertBinding(b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race against a concurrent redeem on the same
			// route. The chat is bound either way; the token stays
			// burned.
			slog.Warn("whatsapp pairing race lost", "route", b.RouteKey)
			return nil
		}
		return err
	}

	sessionKey := pt.SessionKey
	if sessionKey == "" {
		sessionKey = routekey.WhatsAppSessionKey(inb.ChatJID)
	}
	if err := c.store.UpsertSessionRoute(pt.TenantID, routekey.ChannelWhatsApp, sessionKey, b.BindingID, chatContext(inb.ChatJID)); err != nil {
		return err
	}
	if err := c.store.SetTokenConsumption(hash, b.BindingID, b.RouteKey); err != nil {
		slog.Warn("pairing token consumption not recorded", "binding", b.BindingID, "error", err)
	}
	payload, _ := json.Marshal(map[string]string{
		"bindingId":  b.BindingID,
		"channel":    b.Channel,
		"routeKey":   b.RouteKey,
		"sessionKey": sessionKey,
	})
	if err := c.store.AppendAudit(pt.TenantID, "pairing_token_redeemed", string(payload)); err != nil {
		slog.Warn("audit append failed", "error", err)
	}

	slog.Info("whatsapp chat paired", "tenant", pt.TenantID, "binding", b.BindingID, "route", b.RouteKey, "session", sessionKey)
	c.notify(ctx, inb.ChatJID, c.cfg.PairingMessage(config.MsgPaired))
	return nil
}

func (c *Channel) messageEnvelope(b *store.Binding, inb *Inbound) (*envelope.Envelope, error) {
	sessionKey, err := c.sessionKeyFor(b, inb.ChatJID)
	if err != nil {
		return nil, err
	}
	raw := inb.Raw
	if len(raw) == 0 {
		raw, err = json.Marshal(inb)
		if err != nil {
			return nil, err
		}
	}
	atts, summaries := c.attachments(inb)

	wd := map[string]any{
		"chatJid":   inb.ChatJID,
		"senderJid": inb.SenderJID,
	}
	if inb.PushName != "" {
		wd["pushName"] = inb.PushName
	}
	if len(summaries) > 0 {
		wd["media"] = summaries
	}

	return &envelope.Envelope{
		EventID:     envelope.NewEventID(),
		Channel:     routekey.ChannelWhatsApp,
		Event:       envelope.Event{Kind: envelope.KindMessage, Raw: raw},
		Raw:         raw,
		SessionKey:  sessionKey,
		Body:        inb.Text,
		From:        inb.SenderJID,
		To:          inb.ChatJID,
		AccountID:   c.account,
		ChatType:    chatType(inb.ChatJID),
		MessageID:   inb.MessageID,
		TimestampMs: inb.TimestampMs,
		ChannelData: map[string]any{routekey.ChannelWhatsApp: wd},
		Attachments: atts,
	}, nil
}

// sessionKeyFor returns the session key the tenant already uses for a
// binding, minting and registering a generated one on first contact.
func (c *Channel) sessionKeyFor(b *store.Binding, chatJID string) (string, error) {
	key, err := c.store.LatestSessionKeyForBinding(b.BindingID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	key = routekey.WhatsAppSessionKey(chatJID)
	if err := c.store.UpsertSessionRoute(b.TenantID, routekey.ChannelWhatsApp, key, b.BindingID, chatContext(chatJID)); err != nil {
		return "", err
	}
	return key, nil
}

// attachments splits snapshot media into base64 attachments (images the
// listener wrote to disk) and metadata summaries for everything else. A
// file that disappeared across restarts degrades to a summary.
func (c *Channel) attachments(inb *Inbound) ([]envelope.Attachment, []map[string]any) {
	var atts []envelope.Attachment
	var summaries []map[string]any
	for _, m := range inb.Media {
		if m.Kind == "image" && m.Path != "" {
			data, err := os.ReadFile(m.Path)
			if err == nil {
				atts = append(atts, envelope.Attachment{
					Type:     "image",
					MimeType: m.MimeType,
					FileName: attachmentName(m),
					Content:  base64.StdEncoding.EncodeToString(data),
				})
				continue
			}
			slog.Warn("whatsapp media file unreadable, forwarding metadata", "path", m.Path, "error", err)
		}
		summaries = append(summaries, mediaSummary(m))
	}
	return atts, summaries
}

func attachmentName(m InboundMedia) string {
	if m.FileName != "" {
		return m.FileName
	}
	return filepath.Base(m.Path)
}

func mediaSummary(m InboundMedia) map[string]any {
	s := map[string]any{"type": m.Kind}
	if m.MimeType != "" {
		s["mimeType"] = m.MimeType
	}
	if m.FileName != "" {
		s["fileName"] = m.FileName
	}
	if m.Size > 0 {
		s["size"] = m.Size
	}
	return s
}

// removeMedia deletes downloaded media files once the row is acked.
func (c *Channel) removeMedia(inb *Inbound) {
	for _, m := range inb.Media {
		if m.Path == "" {
			continue
		}
		if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("whatsapp media cleanup failed", "path", m.Path, "error", err)
		}
	}
}

// notify sends a best-effort pairing notice into the chat. Failures are
// logged and never block the queue.
func (c *Channel) notify(ctx context.Context, toJID, text string) {
	if _, err := c.runtime.SendText(ctx, toJID, text); err != nil {
		slog.Warn("whatsapp notice failed", "error", err)
	}
}

// chatType maps a JID onto the envelope vocabulary: group JIDs are
// groups, everything else is a direct chat.
func chatType(jid string) string {
	if strings.HasSuffix(jid, "@g.us") {
		return envelope.ChatGroup
	}
	return envelope.ChatDirect
}

func chatContext(chatJID string) string {
	b, _ := json.Marshal(map[string]string{"chatType": chatType(chatJID)})
	return string(b)
}
