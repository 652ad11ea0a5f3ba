package discord

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
)

const defaultMediaMaxBytes int64 = 5 * 1024 * 1024

// attachments downloads a message's image attachments as base64 and
// summarizes everything else (and anything over the byte cap) into
// channelData entries.
func (c *Channel) attachments(ctx context.Context, m *discordgo.Message) ([]envelope.Attachment, []map[string]any) {
	var atts []envelope.Attachment
	var summaries []map[string]any
	maxBytes := c.maxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMediaMaxBytes
	}

	for _, att := range m.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		if !isImage(att) {
			summaries = append(summaries, mediaSummary(att))
			continue
		}
		if int64(att.Size) > maxBytes {
			slog.Warn("discord attachment over media cap", "file", att.Filename, "size", att.Size)
			summaries = append(summaries, mediaSummary(att))
			continue
		}
		a, err := c.download(ctx, att, maxBytes)
		if err != nil {
			slog.Warn("discord attachment download failed", "file", att.Filename, "error", err)
			continue
		}
		atts = append(atts, *a)
	}
	return atts, summaries
}

func (c *Channel) download(ctx context.Context, att *discordgo.MessageAttachment, maxBytes int64) (*envelope.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d downloading attachment", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("attachment exceeds %d byte cap", maxBytes)
	}
	return &envelope.Attachment{
		Type:     "image",
		MimeType: attachmentMime(att),
		FileName: att.Filename,
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// isImage accepts attachments Discord typed image/* plus bare uploads
// whose filename extension infers an image type.
func isImage(att *discordgo.MessageAttachment) bool {
	return strings.HasPrefix(attachmentMime(att), "image/")
}

func attachmentMime(att *discordgo.MessageAttachment) string {
	if att.ContentType != "" {
		return att.ContentType
	}
	if mt := mime.TypeByExtension(strings.ToLower(path.Ext(att.Filename))); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func mediaSummary(att *discordgo.MessageAttachment) map[string]any {
	mt := attachmentMime(att)
	kind := "file"
	switch {
	case strings.HasPrefix(mt, "video/"):
		kind = "video"
	case strings.HasPrefix(mt, "audio/"):
		kind = "audio"
	}
	s := map[string]any{"type": kind, "url": att.URL}
	if mt != "application/octet-stream" {
		s["mimeType"] = mt
	}
	if att.Filename != "" {
		s["fileName"] = att.Filename
	}
	if att.Size > 0 {
		s["size"] = att.Size
	}
	return s
}
