package mux

import (
	"strings"
	"testing"
)

func TestHashKey(t *testing.T) {
	h := HashKey("secret")
	if len(h) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(h))
	}
	if h != HashKey("secret") {
		t.Error("digest not stable")
	}
	if h == HashKey("Secret") {
		t.Error("distinct inputs collided")
	}
}

func TestNewPairingToken(t *testing.T) {
	a, b := NewPairingToken(), NewPairingToken()
	if !strings.HasPrefix(a, PairingTokenPrefix) {
		t.Errorf("token %q lacks prefix", a)
	}
	if a == b {
		t.Error("tokens not unique")
	}
}

func TestScanPairingToken(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/start mpt_abc123", "mpt_abc123"},
		{"mpt_solo", "mpt_solo"},
		{"here is my token mpt_xyz please pair", "mpt_xyz"},
		{"/start", ""},
		{"no token here", ""},
		{"", ""},
		{"prefix_mpt_nope", ""},
	}
	for _, tt := range tests {
		if got := ScanPairingToken(tt.text); got != tt.want {
			t.Errorf("ScanPairingToken(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
