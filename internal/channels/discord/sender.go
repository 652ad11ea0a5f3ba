package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// Send implements mux.ChannelSender. A raw.discord.body is posted to
// the channel verbatim; otherwise the typed form (text, media urls,
// replyTo) goes through the client, first media carrying the text as
// caption and extra media as separate messages.
func (c *Channel) Send(ctx context.Context, route *store.ResolvedRoute, req *mux.SendRequest) (*mux.SendResult, error) {
	r, err := routekey.ParseDiscord(route.RouteKey)
	if err != nil {
		return nil, err
	}
	channelID, err := c.destination(ctx, r, req.To)
	if err != nil {
		return nil, err
	}

	if req.Raw != nil && req.Raw.Discord != nil && len(req.Raw.Discord.Body) > 0 {
		m, err := c.api.Post(ctx, channelID, req.Raw.Discord.Body)
		if err != nil {
			return nil, providerErr("postMessage", err)
		}
		return &mux.SendResult{MessageID: m.ID, ChannelID: channelID, ProviderMessageIDs: []string{m.ID}}, nil
	}

	text, media, replyTo := req.Text, req.Media(), req.ReplyToID
	if req.Raw != nil && req.Raw.Discord != nil && req.Raw.Discord.Send != nil {
		s := req.Raw.Discord.Send
		if s.Text != "" {
			text = s.Text
		}
		if m := s.Media(); len(m) > 0 {
			media = m
		}
		if s.ReplyToID != "" {
			replyTo = s.ReplyToID
		}
	}
	if text == "" && len(media) == 0 {
		return nil, mux.Invalidf("discord sends require text, media or raw.discord")
	}

	if len(media) == 0 {
		m, err := c.api.SendComplex(ctx, channelID, messageSend(text, replyTo, channelID, nil))
		if err != nil {
			return nil, providerErr("sendMessage", err)
		}
		return &mux.SendResult{MessageID: m.ID, ChannelID: channelID, ProviderMessageIDs: []string{m.ID}}, nil
	}

	// Media go out one message each; the first carries the caption and
	// reply reference. After one success, later failures degrade to a
	// partial result instead of an error.
	var ids []string
	for i, mediaURL := range media {
		file, err := c.fetchMedia(ctx, mediaURL)
		if err != nil {
			if len(ids) > 0 {
				slog.Warn("discord media send incomplete", "sent", len(ids), "error", err)
				break
			}
			return nil, err
		}
		msg := &discordgo.MessageSend{Files: []*discordgo.File{file}}
		if i == 0 {
			msg = messageSend(text, replyTo, channelID, []*discordgo.File{file})
		}
		m, err := c.api.SendComplex(ctx, channelID, msg)
		if err != nil {
			if len(ids) > 0 {
				slog.Warn("discord media send incomplete", "sent", len(ids), "error", err)
				break
			}
			return nil, providerErr("sendMessage", err)
		}
		ids = append(ids, m.ID)
	}
	return &mux.SendResult{MessageID: ids[0], ChannelID: channelID, ProviderMessageIDs: ids}, nil
}

// Typing implements mux.ChannelSender.
func (c *Channel) Typing(ctx context.Context, route *store.ResolvedRoute, req *mux.SendRequest) error {
	r, err := routekey.ParseDiscord(route.RouteKey)
	if err != nil {
		return err
	}
	channelID, err := c.destination(ctx, r, req.To)
	if err != nil {
		return err
	}
	if err := c.api.Typing(ctx, channelID); err != nil {
		return providerErr("typing", err)
	}
	return nil
}

// destination picks the target channel. DM routes ignore the requested
// `to`; guild routes accept a `to` only when it resolves to a channel
// of the bound guild.
func (c *Channel) destination(ctx context.Context, route routekey.DiscordRoute, to string) (string, error) {
	switch r := route.(type) {
	case routekey.DiscordDM:
		return c.dmChannel(ctx, r.UserID)
	case routekey.DiscordGuild:
		base := r.ThreadID
		if base == "" {
			base = r.ChannelID
		}
		if to == "" || to == base {
			if base == "" {
				return "", mux.Invalidf("guild binding names no channel; provide to")
			}
			return base, nil
		}
		gid, err := c.guildOf(ctx, to)
		if err != nil {
			return "", err
		}
		if gid != r.GuildID {
			return "", mux.Forbiddenf("channel %s is outside the bound guild", to)
		}
		return to, nil
	}
	return "", fmt.Errorf("unsupported discord route")
}

func messageSend(text, replyTo, channelID string, files []*discordgo.File) *discordgo.MessageSend {
	msg := &discordgo.MessageSend{Content: text, Files: files}
	if replyTo != "" {
		msg.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	return msg
}

// fetchMedia downloads an outbound media URL into an upload-ready file,
// bounded by the configured byte cap.
func (c *Channel) fetchMedia(ctx context.Context, rawURL string) (*discordgo.File, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, mux.Invalidf("invalid media url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, mux.Invalidf("invalid media url")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, providerErr("fetchMedia", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr("fetchMedia", fmt.Errorf("status %d fetching media", resp.StatusCode))
	}

	maxBytes := c.maxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMediaMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, providerErr("fetchMedia", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, mux.Invalidf("media exceeds %d byte cap", maxBytes)
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &discordgo.File{Name: name, ContentType: ct, Reader: bytes.NewReader(data)}, nil
}
