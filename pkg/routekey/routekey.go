// Package routekey defines canonical provider route keys and session keys.
//
// A route key is the string form of a provider destination. It is stored
// on bindings, returned by the pairing API, and parsed back into typed
// coordinates by the dispatcher and the inbound pollers:
//
//	Telegram chat:  telegram:{account}:chat:{chatId}
//	Telegram topic: telegram:{account}:chat:{chatId}:topic:{topicId}
//	Discord DM:     discord:{account}:dm:user:{userId}
//	Discord guild:  discord:{account}:guild:{guildId}[:channel:{channelId}][:thread:{threadId}]
//	WhatsApp chat:  whatsapp:{account}:chat:{chatJid}
//
// Session keys are the tenant-facing counterpart: opaque identifiers a
// tenant app uses to address outbound sends without learning the route:
//
//	tg:chat:{chatId}                      (private chat)
//	tg:group:{chatId}[:thread:{topicId}]  (group / supergroup)
//	dc:dm:{userId}
//	dc:guild:{guildId}:channel:{channelId}[:thread:{threadId}]
//	wa:chat:{jid} / wa:group:{jid}
package routekey

import (
	"fmt"
	"strings"
)

// Channel names as they appear in route keys and API payloads.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWhatsApp = "whatsapp"
)

// KnownChannel reports whether name is one of the supported channels.
func KnownChannel(name string) bool {
	switch name {
	case ChannelTelegram, ChannelDiscord, ChannelWhatsApp:
		return true
	}
	return false
}

// ChannelOf returns the channel segment of a route key ("" if malformed).
func ChannelOf(key string) string {
	i := strings.IndexByte(key, ':')
	if i <= 0 {
		return ""
	}
	return key[:i]
}

// TelegramRoute is a parsed Telegram destination. TopicID is empty for
// non-forum chats.
type TelegramRoute struct {
	Account string
	ChatID  string
	TopicID string
}

// Key renders the canonical route key.
func (r TelegramRoute) Key() string {
	if r.TopicID != "" {
		return fmt.Sprintf("telegram:%s:chat:%s:topic:%s", r.Account, r.ChatID, r.TopicID)
	}
	return fmt.Sprintf("telegram:%s:chat:%s", r.Account, r.ChatID)
}

// ParseTelegram parses a telegram:{account}:chat:{chatId}[:topic:{topicId}] key.
func ParseTelegram(key string) (TelegramRoute, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 && len(parts) != 6 {
		return TelegramRoute{}, fmt.Errorf("invalid telegram route key %q", key)
	}
	if parts[0] != ChannelTelegram || parts[2] != "chat" || parts[1] == "" || parts[3] == "" {
		return TelegramRoute{}, fmt.Errorf("invalid telegram route key %q", key)
	}
	r := TelegramRoute{Account: parts[1], ChatID: parts[3]}
	if len(parts) == 6 {
		if parts[4] != "topic" || parts[5] == "" {
			return TelegramRoute{}, fmt.Errorf("invalid telegram route key %q", key)
		}
		r.TopicID = parts[5]
	}
	return r, nil
}

// DiscordRoute is either a DiscordDM or a DiscordGuild destination.
type DiscordRoute interface {
	Key() string
	discordRoute()
}

// DiscordDM targets a user's direct-message channel.
type DiscordDM struct {
	Account string
	UserID  string
}

func (DiscordDM) discordRoute() {}

// Key renders the canonical route key.
func (r DiscordDM) Key() string {
	return fmt.Sprintf("discord:%s:dm:user:%s", r.Account, r.UserID)
}

// DiscordGuild targets a guild, optionally narrowed to a channel and/or
// thread.
type DiscordGuild struct {
	Account   string
	GuildID   string
	ChannelID string
	ThreadID  string
}

func (DiscordGuild) discordRoute() {}

// Key renders the canonical route key.
func (r DiscordGuild) Key() string {
	key := fmt.Sprintf("discord:%s:guild:%s", r.Account, r.GuildID)
	if r.ChannelID != "" {
		key += ":channel:" + r.ChannelID
	}
	if r.ThreadID != "" {
		key += ":thread:" + r.ThreadID
	}
	return key
}

// ParseDiscord parses a discord:{account}:dm:user:{id} or
// discord:{account}:guild:{id}[:channel:{id}][:thread:{id}] key.
func ParseDiscord(key string) (DiscordRoute, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 || parts[0] != ChannelDiscord || parts[1] == "" {
		return nil, fmt.Errorf("invalid discord route key %q", key)
	}
	switch parts[2] {
	case "dm":
		if len(parts) != 5 || parts[3] != "user" || parts[4] == "" {
			return nil, fmt.Errorf("invalid discord route key %q", key)
		}
		return DiscordDM{Account: parts[1], UserID: parts[4]}, nil
	case "guild":
		if parts[3] == "" {
			return nil, fmt.Errorf("invalid discord route key %q", key)
		}
		r := DiscordGuild{Account: parts[1], GuildID: parts[3]}
		rest := parts[4:]
		for len(rest) > 0 {
			if len(rest) < 2 || rest[1] == "" {
				return nil, fmt.Errorf("invalid discord route key %q", key)
			}
			switch rest[0] {
			case "channel":
				if r.ChannelID != "" || r.ThreadID != "" {
					return nil, fmt.Errorf("invalid discord route key %q", key)
				}
				r.ChannelID = rest[1]
			case "thread":
				if r.ThreadID != "" {
					return nil, fmt.Errorf("invalid discord route key %q", key)
				}
				r.ThreadID = rest[1]
			default:
				return nil, fmt.Errorf("invalid discord route key %q", key)
			}
			rest = rest[2:]
		}
		return r, nil
	}
	return nil, fmt.Errorf("invalid discord route key %q", key)
}

// WhatsAppRoute is a parsed WhatsApp destination. ChatJID keeps the full
// JID including the server part (user@s.whatsapp.net, group@g.us).
type WhatsAppRoute struct {
	Account string
	ChatJID string
}

// Key renders the canonical route key.
func (r WhatsAppRoute) Key() string {
	return fmt.Sprintf("whatsapp:%s:chat:%s", r.Account, r.ChatJID)
}

// ParseWhatsApp parses a whatsapp:{account}:chat:{jid} key. The JID is
// the remainder of the string and may itself contain colons (device
// suffixes).
func ParseWhatsApp(key string) (WhatsAppRoute, error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != ChannelWhatsApp || parts[1] == "" || parts[2] != "chat" || parts[3] == "" {
		return WhatsAppRoute{}, fmt.Errorf("invalid whatsapp route key %q", key)
	}
	return WhatsAppRoute{Account: parts[1], ChatJID: parts[3]}, nil
}

// TelegramSessionKey builds the generated session key for a Telegram
// chat. Group-like chat types (group, supergroup) use the tg:group form;
// everything else uses tg:chat.
func TelegramSessionKey(chatType, chatID, topicID string) string {
	kind := "chat"
	if chatType == "group" || chatType == "supergroup" {
		kind = "group"
	}
	if topicID != "" {
		return fmt.Sprintf("tg:%s:%s:thread:%s", kind, chatID, topicID)
	}
	return fmt.Sprintf("tg:%s:%s", kind, chatID)
}

// DiscordDMSessionKey builds the generated session key for a Discord DM.
func DiscordDMSessionKey(userID string) string {
	return "dc:dm:" + userID
}

// DiscordGuildSessionKey builds the generated session key for a guild
// channel, optionally narrowed to a thread.
func DiscordGuildSessionKey(guildID, channelID, threadID string) string {
	key := fmt.Sprintf("dc:guild:%s:channel:%s", guildID, channelID)
	if threadID != "" {
		key += ":thread:" + threadID
	}
	return key
}

// WhatsAppSessionKey builds the generated session key for a WhatsApp
// chat. Group JIDs (…@g.us) use the wa:group form.
func WhatsAppSessionKey(jid string) string {
	if strings.HasSuffix(jid, "@g.us") {
		return "wa:group:" + jid
	}
	return "wa:chat:" + jid
}
