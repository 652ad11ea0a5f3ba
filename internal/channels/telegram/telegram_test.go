package telegram

import (
	"encoding/json"
	"testing"

	"github.com/mymmrac/telego"
)

func TestChatType(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"private", "direct"},
		{"group", "group"},
		{"supergroup", "group"},
		{"channel", "channel"},
		{"sender", "group"},
	}
	for _, tt := range tests {
		if got := chatType(tt.raw); got != tt.want {
			t.Errorf("chatType(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestMessageTopic(t *testing.T) {
	forum := &telego.Message{
		MessageThreadID: 17,
		Chat:            telego.Chat{ID: 1, IsForum: true},
	}
	if got := messageTopic(forum); got != "17" {
		t.Errorf("forum topic = %q, want 17", got)
	}

	// Outside a forum, message_thread_id is reply context, not a topic.
	reply := &telego.Message{
		MessageThreadID: 17,
		Chat:            telego.Chat{ID: 1},
	}
	if got := messageTopic(reply); got != "" {
		t.Errorf("non-forum topic = %q, want empty", got)
	}
}

func TestInjectTopic(t *testing.T) {
	tests := []struct {
		name        string
		body        map[string]any
		routeTopic  string
		reqThread   string
		keepGeneral bool
		want        any
	}{
		{"route topic wins", map[string]any{}, "17", "22", false, 17},
		{"request fallback", map[string]any{}, "", "22", false, 22},
		{"tenant value untouched", map[string]any{"message_thread_id": 5}, "17", "", false, 5},
		{"general dropped for sends", map[string]any{}, "1", "", false, nil},
		{"general kept for actions", map[string]any{}, "1", "", true, 1},
		{"no topic", map[string]any{}, "", "", false, nil},
		{"non-numeric ignored", map[string]any{}, "abc", "", false, nil},
	}
	for _, tt := range tests {
		injectTopic(tt.body, tt.routeTopic, tt.reqThread, tt.keepGeneral)
		got, ok := tt.body["message_thread_id"]
		if tt.want == nil {
			if ok {
				t.Errorf("%s: message_thread_id = %v, want absent", tt.name, got)
			}
			continue
		}
		if got != tt.want {
			t.Errorf("%s: message_thread_id = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSendableTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  int
	}{
		{"", 0},
		{"1", 0},
		{"17", 17},
		{"abc", 0},
	}
	for _, tt := range tests {
		if got := sendableTopic(tt.topic); got != tt.want {
			t.Errorf("sendableTopic(%q) = %d, want %d", tt.topic, got, tt.want)
		}
	}
}

func TestResultMessageID(t *testing.T) {
	tests := []struct {
		result string
		want   string
	}{
		{`{"message_id":42,"chat":{"id":1}}`, "42"},
		{`true`, ""},
		{`{}`, ""},
		{`garbage`, ""},
	}
	for _, tt := range tests {
		if got := resultMessageID(json.RawMessage(tt.result)); got != tt.want {
			t.Errorf("resultMessageID(%s) = %q, want %q", tt.result, got, tt.want)
		}
	}
}
