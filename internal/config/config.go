// Package config holds the mux configuration tree: an optional JSON5
// file overlaid with MSGMUX_* environment variables. Env always wins.
package config

// Config is the full configuration for one mux process.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Mux      MuxConfig      `json:"mux"`
	Pairing  PairingConfig  `json:"pairing"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Seed     SeedConfig     `json:"seed"`
}

// ServerConfig configures the HTTP listener and the admin token.
// An empty AdminToken disables the admin endpoints (they return 404).
type ServerConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	AdminToken string `json:"admin_token,omitempty"`
}

// StorageConfig locates the SQLite database and the JSON-lines log file.
type StorageConfig struct {
	DBPath  string `json:"db_path"`
	LogPath string `json:"log_path"`
}

// MuxConfig tunes the outbound send path.
type MuxConfig struct {
	IdempotencyTTLMs int64 `json:"idempotency_ttl_ms"`
	InboundTimeoutMs int64 `json:"inbound_timeout_ms"`
	SendRatePerSec   int   `json:"send_rate_per_sec"`
}

// PairingConfig tunes pairing-token lifetimes and user-facing notices.
type PairingConfig struct {
	TokenTTLSec    int64             `json:"token_ttl_sec"`
	TokenMaxTTLSec int64             `json:"token_max_ttl_sec"`
	Messages       map[string]string `json:"messages,omitempty"`
}

// SeedConfig is applied at startup: tenants and pairing codes are
// upserted, never deleted.
type SeedConfig struct {
	Tenants      []TenantSeed      `json:"tenants,omitempty"`
	PairingCodes []PairingCodeSeed `json:"pairing_codes,omitempty"`
}

// TenantSeed declares one tenant. Field names match the admin bootstrap
// API payload so the same JSON works in both places.
type TenantSeed struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	APIKey           string `json:"apiKey"`
	InboundURL       string `json:"inboundUrl,omitempty"`
	InboundToken     string `json:"inboundToken,omitempty"`
	InboundTimeoutMs int64  `json:"inboundTimeoutMs,omitempty"`
}

// PairingCodeSeed declares one claimable pairing code. TTLSec of zero
// falls back to thirty days.
type PairingCodeSeed struct {
	Code     string `json:"code"`
	Channel  string `json:"channel"`
	RouteKey string `json:"routeKey"`
	Scope    string `json:"scope,omitempty"`
	TTLSec   int64  `json:"ttlSec,omitempty"`
}

// Pairing message keys. Unknown keys in the configured map are ignored.
const (
	MsgPaired       = "paired"
	MsgInvalidToken = "invalid_token"
	MsgUnpairedHint = "unpaired_hint"
)

// PairingMessage returns the configured notice for key, falling back to
// the built-in English text.
func (c *Config) PairingMessage(key string) string {
	if v, ok := c.Pairing.Messages[key]; ok && v != "" {
		return v
	}
	switch key {
	case MsgPaired:
		return "Paired. This chat is now connected."
	case MsgInvalidToken:
		return "That pairing token is invalid or expired."
	case MsgUnpairedHint:
		return "This chat is not paired yet. Ask your operator for a pairing token and send: /start <token>"
	}
	return ""
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Storage: StorageConfig{
			DBPath:  "msgmux.db",
			LogPath: "msgmux.log.jsonl",
		},
		Mux: MuxConfig{
			IdempotencyTTLMs: 600_000,
			InboundTimeoutMs: 15_000,
			SendRatePerSec:   25,
		},
		Pairing: PairingConfig{
			TokenTTLSec:    600,
			TokenMaxTTLSec: 86_400,
		},
		Telegram: TelegramConfig{
			APIBase:       "https://api.telegram.org",
			MediaMaxBytes: 5 << 20,
			Account:       "default",
		},
		Discord: DiscordConfig{
			PollMs:        2000,
			MediaMaxBytes: 5 << 20,
			Account:       "default",
		},
		WhatsApp: WhatsAppConfig{
			Account:          "default",
			AuthDir:          "wa-auth",
			QueueBatch:       10,
			QueuePollMs:      1000,
			BackoffInitialMs: 5000,
			BackoffMaxMs:     300_000,
		},
	}
}
