package mux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
)

// Forwarder delivers inbound envelopes to tenant inbound endpoints.
// Pollers treat any non-nil error as "do not ack".
type Forwarder struct {
	client *http.Client
}

func NewForwarder() *Forwarder {
	return &Forwarder{client: &http.Client{}}
}

// ForwardError reports a non-2xx response from a tenant inbound
// endpoint.
type ForwardError struct {
	Status int
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("tenant inbound returned %d", e.Status)
}

// Forward posts the envelope to the tenant's inbound URL with its
// bearer token, bounded by the tenant's inbound timeout. Returns nil
// only for a 2xx response.
func (f *Forwarder) Forward(ctx context.Context, tenant *store.Tenant, env *envelope.Envelope) error {
	if tenant.InboundURL == "" {
		return fmt.Errorf("tenant %s has no inbound url", tenant.ID)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	timeout := time.Duration(tenant.InboundTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.InboundURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build inbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant.InboundToken != "" {
		req.Header.Set("Authorization", "Bearer "+tenant.InboundToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post inbound envelope: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ForwardError{Status: resp.StatusCode}
	}
	return nil
}
