package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// Load reads config from a JSON5 file, then overlays env vars and
// validates the result. A missing file is not an error; env-only
// deployments are the common case.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays MSGMUX_* env vars onto the config.
// Env vars take precedence over file values. Numeric env values must be
// positive integers; anything else aborts startup.
func (c *Config) applyEnvOverrides() error {
	var envErr error

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			if envErr == nil {
				envErr = fmt.Errorf("%s must be a positive integer, got %q", key, v)
			}
			return
		}
		*dst = n
	}
	envInt64 := func(key string, dst *int64) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			if envErr == nil {
				envErr = fmt.Errorf("%s must be a positive integer, got %q", key, v)
			}
			return
		}
		*dst = n
	}
	envJSON := func(key string, dst any) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		if err := json.Unmarshal([]byte(v), dst); err != nil && envErr == nil {
			envErr = fmt.Errorf("%s: invalid JSON: %w", key, err)
		}
	}

	envStr("MSGMUX_HOST", &c.Server.Host)
	envInt("MSGMUX_PORT", &c.Server.Port)
	envStr("MSGMUX_ADMIN_TOKEN", &c.Server.AdminToken)

	envStr("MSGMUX_DB_PATH", &c.Storage.DBPath)
	envStr("MSGMUX_LOG_PATH", &c.Storage.LogPath)

	envInt64("MSGMUX_IDEMPOTENCY_TTL_MS", &c.Mux.IdempotencyTTLMs)
	envInt64("MSGMUX_INBOUND_TIMEOUT_MS", &c.Mux.InboundTimeoutMs)
	envInt("MSGMUX_SEND_RATE_PER_SEC", &c.Mux.SendRatePerSec)

	envInt64("MSGMUX_PAIRING_TOKEN_TTL_SEC", &c.Pairing.TokenTTLSec)
	envInt64("MSGMUX_PAIRING_TOKEN_MAX_TTL_SEC", &c.Pairing.TokenMaxTTLSec)
	envJSON("MSGMUX_PAIRING_MESSAGES", &c.Pairing.Messages)

	envBool("MSGMUX_TELEGRAM_ENABLED", &c.Telegram.Enabled)
	envStr("MSGMUX_TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	envStr("MSGMUX_TELEGRAM_API_BASE", &c.Telegram.APIBase)
	envStr("MSGMUX_TELEGRAM_BOT_USERNAME", &c.Telegram.BotUsername)
	envInt64("MSGMUX_TELEGRAM_MEDIA_MAX_BYTES", &c.Telegram.MediaMaxBytes)
	envStr("MSGMUX_TELEGRAM_ACCOUNT", &c.Telegram.Account)

	envBool("MSGMUX_DISCORD_ENABLED", &c.Discord.Enabled)
	envStr("MSGMUX_DISCORD_BOT_TOKEN", &c.Discord.BotToken)
	envStr("MSGMUX_DISCORD_API_BASE", &c.Discord.APIBase)
	envInt64("MSGMUX_DISCORD_POLL_MS", &c.Discord.PollMs)
	envInt64("MSGMUX_DISCORD_MEDIA_MAX_BYTES", &c.Discord.MediaMaxBytes)
	envStr("MSGMUX_DISCORD_ACCOUNT", &c.Discord.Account)

	envBool("MSGMUX_WHATSAPP_ENABLED", &c.WhatsApp.Enabled)
	envStr("MSGMUX_WHATSAPP_ACCOUNT", &c.WhatsApp.Account)
	envStr("MSGMUX_WHATSAPP_AUTH_DIR", &c.WhatsApp.AuthDir)
	envInt("MSGMUX_WHATSAPP_QUEUE_BATCH", &c.WhatsApp.QueueBatch)
	envInt64("MSGMUX_WHATSAPP_QUEUE_POLL_MS", &c.WhatsApp.QueuePollMs)
	envInt64("MSGMUX_WHATSAPP_BACKOFF_INITIAL_MS", &c.WhatsApp.BackoffInitialMs)
	envInt64("MSGMUX_WHATSAPP_BACKOFF_MAX_MS", &c.WhatsApp.BackoffMaxMs)

	envJSON("MSGMUX_TENANT_SEED", &c.Seed.Tenants)
	envJSON("MSGMUX_PAIRING_CODE_SEED", &c.Seed.PairingCodes)

	return envErr
}

// Validate checks cross-field constraints. It runs after env overlay so
// it sees the effective configuration.
func (c *Config) Validate() error {
	if c.Mux.InboundTimeoutMs <= 0 {
		return fmt.Errorf("mux.inbound_timeout_ms must be positive")
	}
	if c.Mux.IdempotencyTTLMs <= 0 {
		return fmt.Errorf("mux.idempotency_ttl_ms must be positive")
	}
	if c.Pairing.TokenMaxTTLSec < c.Pairing.TokenTTLSec {
		return fmt.Errorf("pairing.token_max_ttl_sec is below pairing.token_ttl_sec")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram enabled but no bot token configured")
	}
	if c.Discord.Enabled && c.Discord.BotToken == "" {
		return fmt.Errorf("discord enabled but no bot token configured")
	}
	if c.WhatsApp.Enabled && c.WhatsApp.AuthDir == "" {
		return fmt.Errorf("whatsapp enabled but no auth dir configured")
	}

	seenIDs := make(map[string]bool)
	seenKeys := make(map[string]bool)
	for i, t := range c.Seed.Tenants {
		if t.ID == "" {
			return fmt.Errorf("seed.tenants[%d]: id required", i)
		}
		if t.APIKey == "" {
			return fmt.Errorf("seed.tenants[%d] (%s): apiKey required", i, t.ID)
		}
		if seenIDs[t.ID] {
			return fmt.Errorf("seed.tenants: duplicate id %q", t.ID)
		}
		if seenKeys[t.APIKey] {
			return fmt.Errorf("seed.tenants: duplicate apiKey for tenant %q", t.ID)
		}
		if t.InboundTimeoutMs < 0 {
			return fmt.Errorf("seed.tenants[%d] (%s): inboundTimeoutMs must be positive", i, t.ID)
		}
		seenIDs[t.ID] = true
		seenKeys[t.APIKey] = true
	}

	seenCodes := make(map[string]bool)
	for i, p := range c.Seed.PairingCodes {
		if p.Code == "" {
			return fmt.Errorf("seed.pairing_codes[%d]: code required", i)
		}
		if seenCodes[p.Code] {
			return fmt.Errorf("seed.pairing_codes: duplicate code %q", p.Code)
		}
		if !routekey.KnownChannel(p.Channel) {
			return fmt.Errorf("seed.pairing_codes[%d] (%s): unsupported channel %q", i, p.Code, p.Channel)
		}
		if err := validateRouteKey(p.Channel, p.RouteKey); err != nil {
			return fmt.Errorf("seed.pairing_codes[%d] (%s): %w", i, p.Code, err)
		}
		seenCodes[p.Code] = true
	}
	return nil
}

func validateRouteKey(channel, key string) error {
	switch channel {
	case routekey.ChannelTelegram:
		_, err := routekey.ParseTelegram(key)
		return err
	case routekey.ChannelDiscord:
		_, err := routekey.ParseDiscord(key)
		return err
	case routekey.ChannelWhatsApp:
		_, err := routekey.ParseWhatsApp(key)
		return err
	}
	return fmt.Errorf("unsupported channel %q", channel)
}
