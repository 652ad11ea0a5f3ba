// Package channels runs the provider-facing side of the relay: one
// long-lived poller per enabled channel (Telegram long poll, Discord
// REST poll, WhatsApp socket), supervised so a failure in one provider
// loop never takes down the others.
package channels

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultRestartDelay is the pause before a failed poller is restarted.
const defaultRestartDelay = 5 * time.Second

// Poller is a long-running provider loop. Run blocks until ctx is
// cancelled or the loop fails; the manager restarts failed pollers
// after a delay.
type Poller interface {
	Name() string
	Run(ctx context.Context) error
}

// Manager supervises the registered pollers.
type Manager struct {
	pollers      []Poller
	restartDelay time.Duration
}

// NewManager creates an empty manager with the default restart delay.
func NewManager() *Manager {
	return &Manager{restartDelay: defaultRestartDelay}
}

// SetRestartDelay overrides the pause between poller restarts.
func (m *Manager) SetRestartDelay(d time.Duration) {
	if d > 0 {
		m.restartDelay = d
	}
}

// Register adds a poller to the supervised set. Must be called before
// StartAll.
func (m *Manager) Register(p Poller) {
	m.pollers = append(m.pollers, p)
}

// Names returns the names of all registered pollers.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.pollers))
	for _, p := range m.pollers {
		names = append(names, p.Name())
	}
	return names
}

// StartAll runs every registered poller until ctx is cancelled and
// then returns. With no pollers registered it just waits for cancel,
// so a relay configured with zero providers still serves its HTTP API.
func (m *Manager) StartAll(ctx context.Context) error {
	if len(m.pollers) == 0 {
		slog.Warn("no channels enabled, running API only")
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.pollers {
		g.Go(func() error {
			return m.supervise(ctx, p)
		})
	}
	return g.Wait()
}

// supervise runs one poller in a restart loop. It only returns when
// ctx is cancelled; poller errors are logged and absorbed so one
// channel cannot cancel the group.
func (m *Manager) supervise(ctx context.Context, p Poller) error {
	for {
		slog.Info("channel starting", "channel", p.Name())
		err := p.Run(ctx)
		if ctx.Err() != nil {
			slog.Info("channel stopped", "channel", p.Name())
			return nil
		}
		if err != nil {
			slog.Error("channel failed, restarting", "channel", p.Name(), "error", err, "delay", m.restartDelay)
		} else {
			slog.Warn("channel exited, restarting", "channel", p.Name(), "delay", m.restartDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.restartDelay):
		}
	}
}
