package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/msgmux/internal/bootstrap"
	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/gateway"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

func runGateway() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	closeLog := setupLogging(cfg)
	defer closeLog()

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Storage.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Seed tenants and pairing codes from config before serving.
	rep, err := bootstrap.Apply(st, cfg)
	if err != nil {
		slog.Error("bootstrap seed failed", "error", err)
		os.Exit(1)
	}
	if len(rep.TokensGenerated) > 0 {
		slog.Info("inbound tokens minted for seeded tenants", "tenants", rep.TokensGenerated)
	}

	server, err := gateway.NewServer(cfg, st)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig.String())
		cancel()
	}()

	slog.Info("msgmux starting", "version", Version)
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// setupLogging routes slog to the configured JSON-lines log file, or to
// stdout when none is set. The returned func closes the file.
func setupLogging(cfg *config.Config) func() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var dst io.Writer = os.Stdout
	closer := func() {}
	if path := cfg.Storage.LogPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("log file unavailable, logging to stdout", "path", path, "error", err)
		} else {
			dst = f
			closer = func() { f.Close() }
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(dst, &slog.HandlerOptions{Level: level})))
	return closer
}
