// Package whatsapp relays WhatsApp chats through a durable queue: a
// session listener snapshots every inbound message into
// whatsapp_inbound_queue, and a worker loop forwards due rows to the
// bound tenant with exponential backoff. The split keeps the socket
// callback cheap and makes delivery survive restarts.
package whatsapp

import (
	"context"
	"encoding/json"
)

// Runtime is the WhatsApp session surface the channel depends on. The
// production implementation wraps a whatsmeow client; tests swap in a
// recording fake.
type Runtime interface {
	// Start connects the session and registers handler for inbound
	// messages. The handler runs on the library's event goroutine and
	// must return quickly.
	Start(ctx context.Context, handler func(*Inbound)) error
	// Stop tears the session down. Safe after a failed Start.
	Stop()

	SendText(ctx context.Context, toJID, text string) (*SendReceipt, error)
	SendMedia(ctx context.Context, toJID string, m *OutboundMedia) (*SendReceipt, error)
	SendTyping(ctx context.Context, toJID string, typing bool) error
}

// Inbound is the durable snapshot of one received message. It is
// serialized into the retry queue, so it carries everything the tenant
// envelope is later built from.
type Inbound struct {
	MessageID   string          `json:"messageId"`
	ChatJID     string          `json:"chatJid"`
	SenderJID   string          `json:"senderJid"`
	PushName    string          `json:"pushName,omitempty"`
	Text        string          `json:"text"`
	TimestampMs int64           `json:"timestampMs"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Media       []InboundMedia  `json:"media,omitempty"`
}

// InboundMedia describes one media item on an inbound message. Path is
// set when the runtime downloaded the bytes to a local file (images);
// other kinds carry metadata only.
type InboundMedia struct {
	Kind     string `json:"kind"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Size     uint64 `json:"size,omitempty"`
}

// OutboundMedia is one uploadable item for SendMedia.
type OutboundMedia struct {
	Data     []byte
	MimeType string
	FileName string
	Caption  string
}

// SendReceipt is the provider acknowledgement of one send.
type SendReceipt struct {
	MessageID   string
	TimestampMs int64
}
