package config

// TelegramConfig configures the Telegram bot account and poller.
type TelegramConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"bot_token,omitempty"`
	APIBase       string `json:"api_base,omitempty"`   // overridable for tests
	BotUsername   string `json:"bot_username,omitempty"` // enables t.me deep links
	MediaMaxBytes int64  `json:"media_max_bytes"`
	Account       string `json:"account"`
}

// DiscordConfig configures the Discord bot account and poller.
type DiscordConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"bot_token,omitempty"`
	APIBase       string `json:"api_base,omitempty"` // overridable for tests
	PollMs        int64  `json:"poll_ms"`
	MediaMaxBytes int64  `json:"media_max_bytes"`
	Account       string `json:"account"`
}

// WhatsAppConfig configures the WhatsApp runtime and its retry queue.
type WhatsAppConfig struct {
	Enabled          bool   `json:"enabled"`
	Account          string `json:"account"`
	AuthDir          string `json:"auth_dir"` // whatsmeow credential store lives here
	QueueBatch       int    `json:"queue_batch"`
	QueuePollMs      int64  `json:"queue_poll_ms"`
	BackoffInitialMs int64  `json:"backoff_initial_ms"`
	BackoffMaxMs     int64  `json:"backoff_max_ms"`
}
