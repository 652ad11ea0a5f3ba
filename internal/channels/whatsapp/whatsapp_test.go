package whatsapp

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestBackoffDelay(t *testing.T) {
	initial := 5 * time.Second
	max := 300 * time.Second
	tests := []struct {
		name string
		n    int
		want time.Duration
	}{
		{"first failure", 0, 5 * time.Second},
		{"second failure", 1, 10 * time.Second},
		{"fourth failure", 3, 40 * time.Second},
		{"capped at max", 7, 300 * time.Second},
		{"exponent capped at ten", 40, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.n, initial, max); got != tt.want {
				t.Errorf("backoffDelay(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}

	if got := backoffDelay(20, initial, max); got != backoffDelay(10, initial, max) {
		t.Errorf("delay must stop growing past ten doublings: %v vs %v", got, backoffDelay(10, initial, max))
	}
	if got := backoffDelay(0, 10*time.Second, 2*time.Second); got != 2*time.Second {
		t.Errorf("max below initial: got %v, want 2s", got)
	}
	if got := backoffDelay(3, 0, 30*time.Second); got != 30*time.Second {
		t.Errorf("zero initial must fall back to max, got %v", got)
	}
}

func TestChatType(t *testing.T) {
	if got := chatType("123435@g.us"); got != "group" {
		t.Errorf("group jid = %q, want group", got)
	}
	if got := chatType("555@s.whatsapp.net"); got != "direct" {
		t.Errorf("user jid = %q, want direct", got)
	}
}

func TestChatContext(t *testing.T) {
	if got := chatContext("1@g.us"); got != `{"chatType":"group"}` {
		t.Errorf("group context = %s", got)
	}
	if got := chatContext("1@s.whatsapp.net"); got != `{"chatType":"direct"}` {
		t.Errorf("direct context = %s", got)
	}
}

func TestDedupeKey(t *testing.T) {
	c := &Channel{account: "default"}
	got := c.dedupeKey(&Inbound{MessageID: "3EB0AF", ChatJID: "555@s.whatsapp.net"})
	if got != "default:555@s.whatsapp.net:3EB0AF" {
		t.Errorf("dedupe key = %q", got)
	}

	a := c.dedupeKey(&Inbound{ChatJID: "555@s.whatsapp.net"})
	b := c.dedupeKey(&Inbound{ChatJID: "555@s.whatsapp.net"})
	if a == b {
		t.Error("synthetic keys for id-less messages must be unique")
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("plain")}, "plain"},
		{
			"extended text",
			&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked")}},
			"linked",
		},
		{
			"image caption",
			&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}},
			"look",
		},
		{
			"video caption",
			&waE2E.Message{VideoMessage: &waE2E.VideoMessage{Caption: proto.String("clip")}},
			"clip",
		},
		{"empty", &waE2E.Message{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageText(tt.msg); got != tt.want {
				t.Errorf("messageText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtensionForMime(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/jpeg", ".jpg"},
		{"image/png", ".png"},
		{"image/webp", ".webp"},
		{"application/pdf", ".bin"},
		{"", ".bin"},
	}
	for _, tt := range tests {
		if got := extensionForMime(tt.mime); got != tt.want {
			t.Errorf("extensionForMime(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestSafeFileName(t *testing.T) {
	if got := safeFileName("3EB0_AF-12"); got != "3EB0_AF-12" {
		t.Errorf("safe id mangled: %q", got)
	}
	if got := safeFileName("a/b:c d"); got != "a_b_c_d" {
		t.Errorf("unsafe id = %q, want a_b_c_d", got)
	}
}

func TestMediaSummary(t *testing.T) {
	s := mediaSummary(InboundMedia{Kind: "video", MimeType: "video/mp4", Size: 42})
	if s["type"] != "video" || s["mimeType"] != "video/mp4" || s["size"] != uint64(42) {
		t.Errorf("summary = %v", s)
	}
	if _, ok := s["fileName"]; ok {
		t.Error("empty fileName must be omitted")
	}

	s = mediaSummary(InboundMedia{Kind: "document", FileName: "report.pdf"})
	if s["fileName"] != "report.pdf" {
		t.Errorf("summary = %v", s)
	}
	if _, ok := s["size"]; ok {
		t.Error("zero size must be omitted")
	}
}
