// Package telegram runs the Telegram side of the relay: a getUpdates
// long-poll loop that redeems pairing tokens and forwards bound chat
// messages as tenant envelopes, plus the outbound sender that relays
// raw Bot API calls for bound routes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

const (
	// longPollTimeout is the provider-side getUpdates timeout in seconds.
	longPollTimeout = 25

	// pollRetryDelay is the pause after a failed getUpdates call or a
	// halted pass before polling again.
	pollRetryDelay = 2 * time.Second
)

// Channel is the Telegram poller and sender for one bot account.
type Channel struct {
	bot        *telego.Bot
	client     *http.Client
	store      *store.Store
	fwd        *mux.Forwarder
	cfg        *config.Config
	account    string
	apiBase    string
	botToken   string
	maxBytes   int64
	retryDelay time.Duration
}

// New builds the Telegram channel from config. The bot token is only
// validated against the API on the first getUpdates call.
func New(st *store.Store, fwd *mux.Forwarder, cfg *config.Config) (*Channel, error) {
	tc := cfg.Telegram
	if tc.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token required")
	}
	bot, err := telego.NewBot(tc.BotToken, telego.WithAPIServer(tc.APIBase))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		bot:        bot,
		client:     &http.Client{Timeout: 60 * time.Second},
		store:      st,
		fwd:        fwd,
		cfg:        cfg,
		account:    tc.Account,
		apiBase:    tc.APIBase,
		botToken:   tc.BotToken,
		maxBytes:   tc.MediaMaxBytes,
		retryDelay: pollRetryDelay,
	}, nil
}

// Name implements channels.Poller.
func (c *Channel) Name() string { return routekey.ChannelTelegram }

// Run long-polls getUpdates until ctx is cancelled. Updates are handled
// in order and the offset is persisted after each acked update, so a
// failed forward halts the pass and the update is re-fetched next poll.
func (c *Channel) Run(ctx context.Context) error {
	last, ok, err := c.store.TelegramOffset()
	if err != nil {
		return err
	}
	if !ok {
		last, err = c.skipBacklog(ctx)
		if err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		params := &telego.GetUpdatesParams{
			Timeout:        longPollTimeout,
			AllowedUpdates: []string{"message", "edited_message", "callback_query"},
		}
		if last > 0 {
			params.Offset = int(last) + 1
		}

		updates, err := c.bot.GetUpdates(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("telegram getUpdates failed", "error", err)
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		halted := false
		for i := range updates {
			u := &updates[i]
			if err := c.handleUpdate(ctx, u); err != nil {
				slog.Warn("telegram update not acked", "update_id", u.UpdateID, "error", err)
				halted = true
				break
			}
			last = int64(u.UpdateID)
			if err := c.store.SetTelegramOffset(last); err != nil {
				return err
			}
		}
		if halted && !sleep(ctx, c.retryDelay) {
			return nil
		}
	}
}

// skipBacklog discards updates that piled up while no offset was stored
// yet. Asking for only the newest update confirms everything before it;
// recording its id as the offset skips it too.
func (c *Channel) skipBacklog(ctx context.Context) (int64, error) {
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Offset: -1, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("telegram: skip backlog: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	last := int64(updates[len(updates)-1].UpdateID)
	if err := c.store.SetTelegramOffset(last); err != nil {
		return 0, err
	}
	slog.Info("telegram backlog skipped", "last_update_id", last)
	return last, nil
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
