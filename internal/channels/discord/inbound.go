package discord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/msgmux/internal/channels"
	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// handleMessage processes one polled message. A nil return means the
// message is acked and the binding offset may advance past it.
func (c *Channel) handleMessage(ctx context.Context, b *store.Binding, route routekey.DiscordRoute, channelID string, m *discordgo.Message) error {
	// Bot and authorless messages are skipped with the offset advanced,
	// otherwise they would replay forever.
	if m.Author == nil || m.Author.ID == "" || m.Author.Bot {
		return nil
	}

	if b.Status == store.BindingPending {
		if token := mux.ScanPairingToken(m.Content); token != "" {
			return c.activateWithToken(ctx, b, route, channelID, token)
		}
		// Not paired yet; nothing to forward.
		return nil
	}

	env, err := c.messageEnvelope(ctx, b, route, channelID, m)
	if err != nil {
		return err
	}
	return channels.Deliver(ctx, c.store, c.fwd, b, env)
}

// activateWithToken redeems a pairing token against this binding's
// tenant and flips the binding pending→active. A token issued by a
// different tenant behaves like an absent one.
func (c *Channel) activateWithToken(ctx context.Context, b *store.Binding, route routekey.DiscordRoute, channelID, token string) error {
	pt, err := c.store.RedeemPairingToken(mux.HashKey(token), routekey.ChannelDiscord, b.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		c.notify(ctx, channelID, c.cfg.PairingMessage(config.MsgInvalidToken))
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.store.ActivateBinding(b.BindingID); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// The route got an active binding some other way while this
			// one was pending. The token stays burned.
			slog.Warn("discord pairing race lost", "binding", b.BindingID, "route", b.RouteKey)
			return nil
		}
		return err
	}
	b.Status = store.BindingActive

	sessionKey := pt.SessionKey
	if sessionKey == "" {
		sessionKey = generatedSessionKey(route)
	}
	if err := c.store.UpsertSessionRoute(b.TenantID, routekey.ChannelDiscord, sessionKey, b.BindingID, chatContext(b.RouteKey)); err != nil {
		return err
	}
	if err := c.store.SetTokenConsumption(pt.TokenHash, b.BindingID, b.RouteKey); err != nil {
		slog.Warn("discord: token consumption not recorded", "binding", b.BindingID, "error", err)
	}
	payload, _ := json.Marshal(map[string]string{
		"bindingId":  b.BindingID,
		"channel":    routekey.ChannelDiscord,
		"routeKey":   b.RouteKey,
		"sessionKey": sessionKey,
	})
	if err := c.store.AppendAudit(b.TenantID, "pairing_token_redeemed", string(payload)); err != nil {
		slog.Warn("discord: audit append failed", "binding", b.BindingID, "error", err)
	}

	slog.Info("discord channel paired", "binding", b.BindingID, "route", b.RouteKey, "tenant", b.TenantID)
	c.notify(ctx, channelID, c.cfg.PairingMessage(config.MsgPaired))
	return nil
}

func (c *Channel) messageEnvelope(ctx context.Context, b *store.Binding, route routekey.DiscordRoute, channelID string, m *discordgo.Message) (*envelope.Envelope, error) {
	sessionKey, err := c.sessionKeyFor(b, route)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	atts, summaries := c.attachments(ctx, m)

	dd := map[string]any{"channelId": channelID}
	if g, ok := route.(routekey.DiscordGuild); ok {
		dd["guildId"] = g.GuildID
	}
	if m.Author.Username != "" {
		dd["username"] = m.Author.Username
	}
	if len(summaries) > 0 {
		dd["media"] = summaries
	}

	chatType := envelope.ChatChannel
	threadID := ""
	switch r := route.(type) {
	case routekey.DiscordDM:
		chatType = envelope.ChatDirect
	case routekey.DiscordGuild:
		threadID = r.ThreadID
	}

	return &envelope.Envelope{
		EventID:     envelope.NewEventID(),
		Channel:     routekey.ChannelDiscord,
		Event:       envelope.Event{Kind: envelope.KindMessage, Raw: raw},
		Raw:         raw,
		SessionKey:  sessionKey,
		Body:        m.Content,
		From:        m.Author.ID,
		To:          channelID,
		AccountID:   c.account,
		ChatType:    chatType,
		MessageID:   m.ID,
		TimestampMs: m.Timestamp.UnixMilli(),
		ThreadID:    threadID,
		ChannelData: map[string]any{"discord": dd},
		Attachments: atts,
	}, nil
}

// sessionKeyFor returns the tenant-facing session key for a binding,
// minting and persisting the generated one on first contact.
func (c *Channel) sessionKeyFor(b *store.Binding, route routekey.DiscordRoute) (string, error) {
	key, err := c.store.LatestSessionKeyForBinding(b.BindingID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	key = generatedSessionKey(route)
	if err := c.store.UpsertSessionRoute(b.TenantID, routekey.ChannelDiscord, key, b.BindingID, chatContext(b.RouteKey)); err != nil {
		return "", err
	}
	return key, nil
}

func generatedSessionKey(route routekey.DiscordRoute) string {
	switch r := route.(type) {
	case routekey.DiscordDM:
		return routekey.DiscordDMSessionKey(r.UserID)
	case routekey.DiscordGuild:
		return routekey.DiscordGuildSessionKey(r.GuildID, r.ChannelID, r.ThreadID)
	}
	return ""
}

func chatContext(routeKey string) string {
	ct := envelope.ChatChannel
	if r, err := routekey.ParseDiscord(routeKey); err == nil {
		if _, ok := r.(routekey.DiscordDM); ok {
			ct = envelope.ChatDirect
		}
	}
	b, _ := json.Marshal(map[string]string{"chatType": ct})
	return string(b)
}

// notify sends a best-effort plain message to a channel. Pairing
// notices must never block or fail the inbound path.
func (c *Channel) notify(ctx context.Context, channelID, text string) {
	if _, err := c.api.SendComplex(ctx, channelID, &discordgo.MessageSend{Content: text}); err != nil {
		slog.Warn("discord notice failed", "channel_id", channelID, "error", err)
	}
}
