// Package http holds the tenant-facing REST handlers: admin bootstrap,
// inbound-target management, pairing lifecycle, and the outbound send
// front. Handlers register themselves on a ServeMux; the gateway owns
// the listener.
package http

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRaw writes a pre-encoded JSON body. The send path uses it so
// cached idempotency replays stay byte-for-byte identical.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

type errBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func errJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errBody{Error: msg})
}
