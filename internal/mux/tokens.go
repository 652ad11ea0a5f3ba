package mux

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// HashKey returns the SHA-256 hex digest of a secret. API keys and
// pairing tokens are stored and compared only in this form; plaintext
// never reaches the store or the logs.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// PairingTokenPrefix marks pairing tokens in chat text. Pollers scan
// inbound messages for it.
const PairingTokenPrefix = "mpt_"

// NewPairingToken mints a single-use pairing token. The plaintext is
// returned to the caller exactly once; only HashKey of it is persisted.
func NewPairingToken() string {
	return PairingTokenPrefix + randURLSafe(24)
}

// NewInboundToken mints the bearer token presented to a tenant's
// inbound endpoint.
func NewInboundToken() string {
	return randURLSafe(32)
}

// ScanPairingToken extracts the first pairing token appearing as its
// own whitespace-separated word in text ("" if none). Covers both the
// bare token and command forms like "/start <token>".
func ScanPairingToken(text string) string {
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, PairingTokenPrefix) {
			return field
		}
	}
	return ""
}

func randURLSafe(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
