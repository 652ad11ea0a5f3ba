// Package discord polls bound Discord channels over REST and executes
// outbound Discord sends.
//
// Unlike a gateway (websocket) bot this reads each bound channel with
// GET /channels/{id}/messages?after=<offset>, which keeps inbound
// delivery ack-safe: the per-binding offset is committed only after the
// tenant acknowledged a message, so a crash replays instead of drops.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

const (
	defaultPollInterval = 2 * time.Second
	pollLimit           = 50

	dmCacheTTL    = 10 * time.Minute
	guildCacheTTL = 30 * time.Second
)

// Channel is the Discord poller and sender for one bot account.
type Channel struct {
	api          restAPI
	client       *http.Client
	store        *store.Store
	fwd          *mux.Forwarder
	cfg          *config.Config
	account      string
	maxBytes     int64
	pollInterval time.Duration
	dm           *ttlCache
	guilds       *ttlCache
}

// New builds the channel from config. The discordgo session is REST
// only; no gateway connection is opened.
func New(st *store.Store, fwd *mux.Forwarder, cfg *config.Config) (*Channel, error) {
	dc := cfg.Discord
	if dc.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token required")
	}
	session, err := discordgo.New("Bot " + dc.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	if dc.APIBase != "" {
		// discordgo routes all calls through package-level endpoint
		// vars; repointing them is the supported way to target a
		// different API host. Process-wide, set once at startup.
		base := strings.TrimSuffix(dc.APIBase, "/") + "/"
		discordgo.EndpointAPI = base
		discordgo.EndpointChannels = base + "channels/"
		discordgo.EndpointUsers = base + "users/"
	}

	interval := defaultPollInterval
	if dc.PollMs > 0 {
		interval = time.Duration(dc.PollMs) * time.Millisecond
	}
	return &Channel{
		api:          sessionAPI{session},
		client:       &http.Client{Timeout: 60 * time.Second},
		store:        st,
		fwd:          fwd,
		cfg:          cfg,
		account:      dc.Account,
		maxBytes:     dc.MediaMaxBytes,
		pollInterval: interval,
		dm:           newTTLCache(dmCacheTTL),
		guilds:       newTTLCache(guildCacheTTL),
	}, nil
}

// Name implements channels.Poller.
func (c *Channel) Name() string { return routekey.ChannelDiscord }

// Run polls on a fixed interval until the context is done. Failures are
// contained per binding; Run itself only exits on shutdown.
func (c *Channel) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		c.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pass walks every pending and active Discord binding once. A failing
// binding is logged and skipped; it retries on its own offset next pass
// without holding up the others.
func (c *Channel) pass(ctx context.Context) {
	bindings, err := c.store.ListChannelBindings(routekey.ChannelDiscord)
	if err != nil {
		slog.Warn("discord: list bindings failed", "error", err)
		return
	}
	for i := range bindings {
		if ctx.Err() != nil {
			return
		}
		b := &bindings[i]
		if err := c.pollBinding(ctx, b); err != nil {
			slog.Warn("discord binding poll failed", "binding", b.BindingID, "route", b.RouteKey, "error", err)
		}
	}
}

func (c *Channel) pollBinding(ctx context.Context, b *store.Binding) error {
	route, err := routekey.ParseDiscord(b.RouteKey)
	if err != nil {
		return err
	}
	channelID, err := c.inboundChannelID(ctx, route)
	if err != nil {
		return err
	}
	after, err := c.store.DiscordOffset(b.BindingID)
	if err != nil {
		return err
	}
	msgs, err := c.api.Messages(ctx, channelID, pollLimit, after)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	sortBySnowflake(msgs)

	for _, m := range msgs {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.handleMessage(ctx, b, route, channelID, m); err != nil {
			// Not acked: leave the offset so the message replays.
			return fmt.Errorf("message %s not acked: %w", m.ID, err)
		}
		if err := c.store.SetDiscordOffset(b.BindingID, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// inboundChannelID resolves the channel a binding listens on: the DM
// channel for user routes, the stored thread or channel for guild
// routes.
func (c *Channel) inboundChannelID(ctx context.Context, route routekey.DiscordRoute) (string, error) {
	switch r := route.(type) {
	case routekey.DiscordDM:
		return c.dmChannel(ctx, r.UserID)
	case routekey.DiscordGuild:
		if r.ThreadID != "" {
			return r.ThreadID, nil
		}
		if r.ChannelID != "" {
			return r.ChannelID, nil
		}
		return "", fmt.Errorf("guild route %s names no channel to poll", r.Key())
	}
	return "", fmt.Errorf("unsupported discord route")
}

func (c *Channel) dmChannel(ctx context.Context, userID string) (string, error) {
	if id, ok := c.dm.get(userID); ok {
		return id, nil
	}
	ch, err := c.api.CreateDM(ctx, userID)
	if err != nil {
		return "", providerErr("createDM", err)
	}
	c.dm.put(userID, ch.ID)
	return ch.ID, nil
}

func (c *Channel) guildOf(ctx context.Context, channelID string) (string, error) {
	if gid, ok := c.guilds.get(channelID); ok {
		return gid, nil
	}
	ch, err := c.api.ChannelInfo(ctx, channelID)
	if err != nil {
		return "", providerErr("getChannel", err)
	}
	c.guilds.put(channelID, ch.GuildID)
	return ch.GuildID, nil
}

// sortBySnowflake orders messages oldest first. Snowflakes are decimal
// strings, so the longer string is always the larger id.
func sortBySnowflake(msgs []*discordgo.Message) {
	sort.Slice(msgs, func(i, j int) bool { return snowflakeLess(msgs[i].ID, msgs[j].ID) })
}

func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func providerErr(op string, err error) error {
	return &mux.ProviderError{Provider: routekey.ChannelDiscord, Op: op, Detail: err.Error()}
}
