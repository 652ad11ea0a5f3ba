// Package envelope defines the normalized inbound payload the mux posts
// to tenant inbound URLs. The shape is identical across channels; only
// the channel name and the channelData sub-object vary.
package envelope

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Event kinds carried in Envelope.Event.Kind.
const (
	KindMessage  = "message"
	KindEdited   = "edited"
	KindCallback = "callback"
)

// Chat types carried in Envelope.ChatType.
const (
	ChatDirect  = "direct"
	ChatGroup   = "group"
	ChatChannel = "channel"
)

// Event wraps the kind tag with the raw provider event.
type Event struct {
	Kind string          `json:"kind"`
	Raw  json.RawMessage `json:"raw"`
}

// Attachment is a downloaded media item, base64-encoded.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Content  string `json:"content"`
}

// Envelope is the tenant-facing inbound event. Body carries the original
// message text verbatim; it must never be trimmed or re-encoded.
type Envelope struct {
	EventID     string          `json:"eventId"`
	Channel     string          `json:"channel"`
	Event       Event           `json:"event"`
	Raw         json.RawMessage `json:"raw"`
	SessionKey  string          `json:"sessionKey"`
	Body        string          `json:"body"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	AccountID   string          `json:"accountId"`
	ChatType    string          `json:"chatType"`
	MessageID   string          `json:"messageId"`
	TimestampMs int64           `json:"timestampMs"`
	ThreadID    string          `json:"threadId,omitempty"`
	ChannelData map[string]any  `json:"channelData"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

// NewEventID returns a fresh envelope event id.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}
