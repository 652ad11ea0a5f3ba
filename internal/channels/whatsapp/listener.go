package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

const (
	defaultQueueBatch = 10
	defaultQueuePoll  = time.Second
)

// Channel runs the WhatsApp side of the relay: a session listener that
// snapshots inbound messages into the durable queue, the worker loop
// that forwards due rows, and the outbound send path.
type Channel struct {
	runtime Runtime
	store   *store.Store
	fwd     *mux.Forwarder
	cfg     *config.Config
	client  *http.Client
	account string

	batch        int
	pollEvery    time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration
}

// New builds the channel over a live whatsmeow session.
func New(st *store.Store, fwd *mux.Forwarder, cfg *config.Config) (*Channel, error) {
	rt, err := newMeowRuntime(cfg.WhatsApp)
	if err != nil {
		return nil, err
	}
	return newChannel(rt, st, fwd, cfg), nil
}

func newChannel(rt Runtime, st *store.Store, fwd *mux.Forwarder, cfg *config.Config) *Channel {
	wc := cfg.WhatsApp
	c := &Channel{
		runtime:      rt,
		store:        st,
		fwd:          fwd,
		cfg:          cfg,
		client:       &http.Client{Timeout: 60 * time.Second},
		account:      wc.Account,
		batch:        wc.QueueBatch,
		pollEvery:    time.Duration(wc.QueuePollMs) * time.Millisecond,
		initialDelay: time.Duration(wc.BackoffInitialMs) * time.Millisecond,
		maxDelay:     time.Duration(wc.BackoffMaxMs) * time.Millisecond,
	}
	if c.account == "" {
		c.account = "default"
	}
	if c.batch <= 0 {
		c.batch = defaultQueueBatch
	}
	if c.pollEvery <= 0 {
		c.pollEvery = defaultQueuePoll
	}
	return c
}

// Name implements channels.Poller.
func (c *Channel) Name() string { return routekey.ChannelWhatsApp }

// Run connects the session and drives the queue worker until ctx is
// cancelled. One batch of due rows is processed per pass.
func (c *Channel) Run(ctx context.Context) error {
	if err := c.runtime.Start(ctx, c.enqueue); err != nil {
		return fmt.Errorf("whatsapp session start: %w", err)
	}
	defer c.runtime.Stop()

	for {
		c.pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.pollEvery):
		}
	}
}

// enqueue is the session callback: serialize the snapshot and insert
// it. The dedupe key absorbs library redeliveries; the worker does the
// rest off the event goroutine.
func (c *Channel) enqueue(inb *Inbound) {
	payload, err := json.Marshal(inb)
	if err != nil {
		slog.Error("whatsapp snapshot marshal failed", "message_id", inb.MessageID, "error", err)
		return
	}
	inserted, err := c.store.EnqueueWhatsApp(c.dedupeKey(inb), string(payload))
	if err != nil {
		slog.Error("whatsapp enqueue failed", "message_id", inb.MessageID, "error", err)
		return
	}
	if !inserted {
		slog.Debug("whatsapp duplicate event dropped", "message_id", inb.MessageID)
	}
}

// dedupeKey is account:chatJid:messageId, with a synthetic tail when
// the provider supplied no id (such rows cannot dedupe).
func (c *Channel) dedupeKey(inb *Inbound) string {
	id := inb.MessageID
	if id == "" {
		id = "synthetic-" + uuid.NewString()
	}
	return fmt.Sprintf("%s:%s:%s", c.account, inb.ChatJID, id)
}
