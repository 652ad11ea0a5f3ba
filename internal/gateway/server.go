// Package gateway assembles one mux process: store, outbound
// dispatcher, channel pollers and the HTTP API listener.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/msgmux/internal/channels"
	"github.com/nextlevelbuilder/msgmux/internal/channels/discord"
	"github.com/nextlevelbuilder/msgmux/internal/channels/telegram"
	"github.com/nextlevelbuilder/msgmux/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/msgmux/internal/config"
	httpapi "github.com/nextlevelbuilder/msgmux/internal/http"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// shutdownGrace is how long in-flight HTTP requests get after cancel.
const shutdownGrace = 5 * time.Second

// Server wires the store, the dispatcher, the channel manager and the
// HTTP API into one process.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *mux.Dispatcher
	manager    *channels.Manager

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the process graph. Each enabled channel registers
// its sender on the dispatcher and its poller on the manager; the
// WhatsApp channel is both at once.
func NewServer(cfg *config.Config, st *store.Store) (*Server, error) {
	fwd := mux.NewForwarder()
	d := mux.NewDispatcher(st, cfg)
	mgr := channels.NewManager()

	if cfg.Telegram.Enabled {
		ch, err := telegram.New(st, fwd, cfg)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		d.Register(routekey.ChannelTelegram, ch)
		mgr.Register(ch)
	}
	if cfg.Discord.Enabled {
		ch, err := discord.New(st, fwd, cfg)
		if err != nil {
			return nil, fmt.Errorf("discord channel: %w", err)
		}
		d.Register(routekey.ChannelDiscord, ch)
		mgr.Register(ch)
	}
	if cfg.WhatsApp.Enabled {
		ch, err := whatsapp.New(st, fwd, cfg)
		if err != nil {
			return nil, fmt.Errorf("whatsapp channel: %w", err)
		}
		d.Register(routekey.ChannelWhatsApp, ch)
		mgr.Register(ch)
	}

	return &Server{cfg: cfg, store: st, dispatcher: d, manager: mgr}, nil
}

// BuildMux creates and caches the HTTP route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	m := http.NewServeMux()
	m.HandleFunc("GET /health", s.handleHealth)
	httpapi.NewTenantsHandler(s.store, s.cfg).RegisterRoutes(m)
	httpapi.NewPairingsHandler(s.store, s.cfg).RegisterRoutes(m)
	httpapi.NewOutboundHandler(s.dispatcher, s.store).RegisterRoutes(m)
	s.mux = m
	return m
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"ok":true}`)
}

// Start runs the HTTP listener and the channel pollers until ctx is
// cancelled, then shuts the listener down with a grace period.
func (s *Server) Start(ctx context.Context) error {
	m := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: m}

	slog.Info("mux starting", "addr", addr, "channels", s.manager.Names())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.manager.StartAll(ctx)
	})
	return g.Wait()
}

// StartTestServer binds the full API plus channel loops to a random
// loopback port and returns the address and a blocking start function.
// Used by end-to-end tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	m := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: m}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.manager.StartAll(ctx)
		s.httpServer.Serve(ln)
	}
	return addr, start
}
