package mux

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// SendRequest is the parsed body of an outbound send. Raw provider
// payloads ride along untouched so parse_mode, reply_markup and friends
// reach the provider verbatim.
type SendRequest struct {
	RequestID   string          `json:"requestId,omitempty"`
	Channel     string          `json:"channel"`
	SessionKey  string          `json:"sessionKey"`
	AccountID   string          `json:"accountId,omitempty"`
	To          string          `json:"to,omitempty"`
	Text        string          `json:"text,omitempty"`
	MediaURL    string          `json:"mediaUrl,omitempty"`
	MediaURLs   []string        `json:"mediaUrls,omitempty"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	ThreadID    string          `json:"threadId,omitempty"`
	ChannelData json.RawMessage `json:"channelData,omitempty"`
	Raw         *RawPayload     `json:"raw,omitempty"`
	Poll        json.RawMessage `json:"poll,omitempty"`
	Op          string          `json:"op,omitempty"`
	Action      string          `json:"action,omitempty"`
}

// Media returns the media URL list, folding the single-URL form in.
func (r *SendRequest) Media() []string {
	if len(r.MediaURLs) > 0 {
		return r.MediaURLs
	}
	if r.MediaURL != "" {
		return []string{r.MediaURL}
	}
	return nil
}

// RawPayload holds per-provider passthrough payloads.
type RawPayload struct {
	Telegram *TelegramRaw `json:"telegram,omitempty"`
	Discord  *DiscordRaw  `json:"discord,omitempty"`
}

// TelegramRaw names a Bot API method and its body. The sender merges
// routing fields into the body before the call.
type TelegramRaw struct {
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
}

// DiscordRaw is either a verbatim message-create body or a typed send.
type DiscordRaw struct {
	Body json.RawMessage `json:"body,omitempty"`
	Send *DiscordSend    `json:"send,omitempty"`
}

// DiscordSend is the typed Discord send form.
type DiscordSend struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	ReplyToID string   `json:"replyToId,omitempty"`
}

// Media returns the typed-send media list.
func (s *DiscordSend) Media() []string {
	if len(s.MediaURLs) > 0 {
		return s.MediaURLs
	}
	if s.MediaURL != "" {
		return []string{s.MediaURL}
	}
	return nil
}

// SendResult is the provider-facing outcome of one dispatch. Exactly one
// of ChatID / ChannelID / ToJID is set, matching the channel.
type SendResult struct {
	MessageID          string
	ChatID             string
	ChannelID          string
	ToJID              string
	ProviderMessageIDs []string
}

// ChannelSender executes provider calls for one channel. Implementations
// return ValidationError for client mistakes and ProviderError for
// upstream failures; a partial multi-media success (at least one
// provider id) returns the partial result with a nil error.
type ChannelSender interface {
	Send(ctx context.Context, route *store.ResolvedRoute, req *SendRequest) (*SendResult, error)
	Typing(ctx context.Context, route *store.ResolvedRoute, req *SendRequest) error
}
