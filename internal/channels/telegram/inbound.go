package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/msgmux/internal/channels"
	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// handleUpdate processes one update. A non-nil return means the update
// was not acked and the current pass must stop.
func (c *Channel) handleUpdate(ctx context.Context, u *telego.Update) error {
	switch {
	case u.Message != nil:
		return c.handleMessage(ctx, u, u.Message, envelope.KindMessage)
	case u.EditedMessage != nil:
		return c.handleMessage(ctx, u, u.EditedMessage, envelope.KindEdited)
	case u.CallbackQuery != nil:
		return c.handleCallback(ctx, u, u.CallbackQuery)
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, u *telego.Update, msg *telego.Message, kind string) error {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	topicID := messageTopic(msg)

	binding, err := c.resolveBinding(chatID, topicID)
	if err != nil {
		return err
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if binding == nil {
		if token := mux.ScanPairingToken(text); token != "" {
			return c.redeemToken(ctx, msg, chatID, topicID, token)
		}
		if strings.HasPrefix(strings.TrimSpace(text), "/") {
			c.notify(ctx, msg.Chat.ID, topicID, c.cfg.PairingMessage(config.MsgUnpairedHint))
		}
		return nil
	}

	// Bound chat: a pairing token in the text is just message content.
	env, err := c.messageEnvelope(ctx, u, msg, kind, binding, chatID, topicID, text)
	if err != nil {
		return err
	}
	return channels.Deliver(ctx, c.store, c.fwd, binding, env)
}

func (c *Channel) handleCallback(ctx context.Context, u *telego.Update, q *telego.CallbackQuery) error {
	if q.Message == nil {
		c.answerCallback(ctx, q.ID, "")
		return nil
	}
	chat := q.Message.GetChat()
	chatID := strconv.FormatInt(chat.ID, 10)
	topicID := ""
	if m, ok := q.Message.(*telego.Message); ok && m.MessageThreadID != 0 && chat.IsForum {
		topicID = strconv.Itoa(m.MessageThreadID)
	}

	binding, err := c.resolveBinding(chatID, topicID)
	if err != nil {
		return err
	}
	if binding == nil {
		c.answerCallback(ctx, q.ID, c.cfg.PairingMessage(config.MsgInvalidToken))
		return nil
	}

	sessionKey, err := c.sessionKeyFor(binding, string(chat.Type), chatID, topicID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}

	td := map[string]any{
		"chatId":          chatID,
		"chatType":        string(chat.Type),
		"callbackQueryId": q.ID,
		"data":            q.Data,
	}
	if topicID != "" {
		td["topicId"] = topicID
	}

	env := &envelope.Envelope{
		EventID:     envelope.NewEventID(),
		Channel:     routekey.ChannelTelegram,
		Event:       envelope.Event{Kind: envelope.KindCallback, Raw: raw},
		Raw:         raw,
		SessionKey:  sessionKey,
		Body:        q.Data,
		From:        strconv.FormatInt(q.From.ID, 10),
		To:          chatID,
		AccountID:   c.account,
		ChatType:    chatType(string(chat.Type)),
		MessageID:   strconv.Itoa(q.Message.GetMessageID()),
		TimestampMs: time.Now().UnixMilli(),
		ThreadID:    topicID,
		ChannelData: map[string]any{routekey.ChannelTelegram: td},
	}
	if err := channels.Deliver(ctx, c.store, c.fwd, binding, env); err != nil {
		return err
	}
	c.answerCallback(ctx, q.ID, "")
	return nil
}

// redeemToken burns a pairing token against this chat. Invalid tokens
// notify the user and ack the update; only store failures propagate.
func (c *Channel) redeemToken(ctx context.Context, msg *telego.Message, chatID, topicID, token string) error {
	hash := mux.HashKey(token)
	pt, err := c.store.RedeemPairingToken(hash, routekey.ChannelTelegram, "")
	if errors.Is(err, store.ErrNotFound) {
		c.notify(ctx, msg.Chat.ID, topicID, c.cfg.PairingMessage(config.MsgInvalidToken))
		return nil
	}
	if err != nil {
		return err
	}

	route := routekey.TelegramRoute{Account: c.account, ChatID: chatID, TopicID: topicID}
	b := &store.Binding{
		TenantID: pt.TenantID,
		Channel:  routekey.ChannelTelegram,
		Scope:    "chat",
		RouteKey: route.Key(),
		Status:   store.BindingActive,
	}
	if topicID != "" {
		b.Scope = "topic"
	}
	if err := c.store.InsertBinding(b); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race against a concurrent redeem on the same
			// route. The chat is bound either way; the token stays
			// burned.
			slog.Warn("telegram pairing race lost", "route", b.RouteKey)
			return nil
		}
		return err
	}

	sessionKey := pt.SessionKey
	if sessionKey == "" {
		sessionKey = routekey.TelegramSessionKey(string(msg.Chat.Type), chatID, topicID)
	}
	if err := c.store.UpsertSessionRoute(pt.TenantID, routekey.ChannelTelegram, sessionKey, b.BindingID, chatContext(string(msg.Chat.Type))); err != nil {
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

	slog.Info("telegram chat paired", "tenant", pt.TenantID, "binding", b.BindingID, "route", b.RouteKey, "session", sessionKey)
	c.notify(ctx, msg.Chat.ID, topicID, c.cfg.PairingMessage(config.MsgPaired))
	return nil
}

func (c *Channel) messageEnvelope(ctx context.Context, u *telego.Update, msg *telego.Message, kind string, b *store.Binding, chatID, topicID, text string) (*envelope.Envelope, error) {
	sessionKey, err := c.sessionKeyFor(b, string(msg.Chat.Type), chatID, topicID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	atts, summaries := c.attachments(ctx, msg)

	td := map[string]any{
		"chatId":   chatID,
		"chatType": string(msg.Chat.Type),
	}
	if topicID != "" {
		td["topicId"] = topicID
	}
	if msg.From != nil && msg.From.Username != "" {
		td["username"] = msg.From.Username
	}
	if len(summaries) > 0 {
		td["media"] = summaries
	}

	from := ""
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
	}

	return &envelope.Envelope{
		EventID:     envelope.NewEventID(),
		Channel:     routekey.ChannelTelegram,
		Event:       envelope.Event{Kind: kind, Raw: raw},
		Raw:         raw,
		SessionKey:  sessionKey,
		Body:        text,
		From:        from,
		To:          chatID,
		AccountID:   c.account,
		ChatType:    chatType(string(msg.Chat.Type)),
		MessageID:   strconv.Itoa(msg.MessageID),
		TimestampMs: int64(msg.Date) * 1000,
		ThreadID:    topicID,
		ChannelData: map[string]any{routekey.ChannelTelegram: td},
		Attachments: atts,
	}, nil
}

// sessionKeyFor returns the session key the tenant already uses for a
// binding, minting and registering a generated one on first contact.
func (c *Channel) sessionKeyFor(b *store.Binding, rawChatType, chatID, topicID string) (string, error) {
	key, err := c.store.LatestSessionKeyForBinding(b.BindingID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	key = routekey.TelegramSessionKey(rawChatType, chatID, topicID)
	if err := c.store.UpsertSessionRoute(b.TenantID, routekey.ChannelTelegram, key, b.BindingID, chatContext(rawChatType)); err != nil {
		return "", err
	}
	return key, nil
}

// resolveBinding finds the active binding for a chat, preferring a
// topic-scoped binding over the bare chat.
func (c *Channel) resolveBinding(chatID, topicID string) (*store.Binding, error) {
	if topicID != "" {
		key := routekey.TelegramRoute{Account: c.account, ChatID: chatID, TopicID: topicID}.Key()
		b, err := c.store.ActiveBindingByRoute(routekey.ChannelTelegram, key)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	key := routekey.TelegramRoute{Account: c.account, ChatID: chatID}.Key()
	b, err := c.store.ActiveBindingByRoute(routekey.ChannelTelegram, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// notify sends a best-effort pairing notice into the chat. Failures are
// logged and never block the inbound flow.
func (c *Channel) notify(ctx context.Context, chatID int64, topicID, text string) {
	params := tu.Message(tu.ID(chatID), text)
	if n := sendableTopic(topicID); n > 0 {
		params.MessageThreadID = n
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		slog.Warn("telegram notice failed", "chat_id", chatID, "error", err)
	}
}

func (c *Channel) answerCallback(ctx context.Context, id, text string) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: id, Text: text})
	if err != nil {
		slog.Warn("telegram answerCallbackQuery failed", "error", err)
	}
}

// messageTopic returns the forum topic id of a message. Outside forums
// MessageThreadID is only reply context and is ignored.
func messageTopic(msg *telego.Message) string {
	if msg.MessageThreadID != 0 && msg.Chat.IsForum {
		return strconv.Itoa(msg.MessageThreadID)
	}
	return ""
}

// chatType maps Telegram chat types onto the envelope vocabulary.
func chatType(t string) string {
	switch t {
	case "private":
		return envelope.ChatDirect
	case "channel":
		return envelope.ChatChannel
	}
	return envelope.ChatGroup
}

func chatContext(rawChatType string) string {
	b, _ := json.Marshal(map[string]string{"chatType": rawChatType})
	return string(b)
}
