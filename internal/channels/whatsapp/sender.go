package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// outboundMediaMaxBytes caps outbound media fetches.
const outboundMediaMaxBytes int64 = 16 << 20

// Send delivers an outbound message to the routed chat. The route owns
// the destination; a supplied `to` is ignored. Media URLs are sent in
// order, one provider message each, the first carrying the text as
// caption.
func (c *Channel) Send(ctx context.Context, route *store.ResolvedRoute, req *mux.SendRequest) (*mux.SendResult, error) {
	r, err := routekey.ParseWhatsApp(route.RouteKey)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: bad route key %q: %w", route.RouteKey, err)
	}

	text := req.Text
	media := req.Media()
	if text == "" && len(media) == 0 {
		return nil, mux.Invalidf("whatsapp sends require text or media")
	}

	if len(media) == 0 {
		receipt, err := c.runtime.SendText(ctx, r.ChatJID, text)
		if err != nil {
			return nil, providerErr("sendMessage", err)
		}
		return &mux.SendResult{
			MessageID:          receipt.MessageID,
			ToJID:              r.ChatJID,
			ProviderMessageIDs: []string{receipt.MessageID},
		}, nil
	}

	// After one success, later failures degrade to a partial result.
	var ids []string
	for i, mediaURL := range media {
		caption := ""
		if i == 0 {
			caption = text
		}
		receipt, err := c.sendOneMedia(ctx, r.ChatJID, mediaURL, caption)
		if err != nil {
			if len(ids) == 0 {
				return nil, err
			}
			slog.Warn("whatsapp media send incomplete", "sent", len(ids), "error", err)
			break
		}
		ids = append(ids, receipt.MessageID)
	}
	return &mux.SendResult{MessageID: ids[0], ToJID: r.ChatJID, ProviderMessageIDs: ids}, nil
}

// Typing implements the typing action via chat presence.
func (c *Channel) Typing(ctx context.Context, route *store.ResolvedRoute, req *mux.SendRequest) error {
	r, err := routekey.ParseWhatsApp(route.RouteKey)
	if err != nil {
		return fmt.Errorf("whatsapp: bad route key %q: %w", route.RouteKey, err)
	}
	if err := c.runtime.SendTyping(ctx, r.ChatJID, true); err != nil {
		return providerErr("typing", err)
	}
	return nil
}

func (c *Channel) sendOneMedia(ctx context.Context, toJID, mediaURL, caption string) (*SendReceipt, error) {
	item, err := c.fetchMedia(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	item.Caption = caption
	receipt, err := c.runtime.SendMedia(ctx, toJID, item)
	if err != nil {
		return nil, providerErr("sendMedia", err)
	}
	return receipt, nil
}

// fetchMedia downloads an outbound media URL into an upload-ready item,
// bounded by the byte cap. The mime type decides the upload kind, so a
// missing Content-Type falls back to the filename extension.
func (c *Channel) fetchMedia(ctx context.Context, rawURL string) (*OutboundMedia, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, mux.Invalidf("invalid media url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, mux.Invalidf("invalid media url")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, providerErr("fetchMedia", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr("fetchMedia", fmt.Errorf("status %d fetching media", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, outboundMediaMaxBytes+1))
	if err != nil {
		return nil, providerErr("fetchMedia", err)
	}
	if int64(len(data)) > outboundMediaMaxBytes {
		return nil, mux.Invalidf("media exceeds %d byte cap", outboundMediaMaxBytes)
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	ct := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		ct = mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &OutboundMedia{Data: data, MimeType: ct, FileName: name}, nil
}

func providerErr(op string, err error) error {
	return &mux.ProviderError{Provider: routekey.ChannelWhatsApp, Op: op, Detail: err.Error()}
}
