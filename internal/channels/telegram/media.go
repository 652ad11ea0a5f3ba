package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
)

// defaultMediaMaxBytes caps attachment downloads when no cap is
// configured (20MB, the Bot API download limit).
const defaultMediaMaxBytes int64 = 20 * 1024 * 1024

// attachments downloads the forwardable media on a message and
// summarizes the rest. The largest photo size and image documents are
// fetched as base64 attachments; videos, animations and non-image
// documents only contribute summary entries for channelData.
func (c *Channel) attachments(ctx context.Context, msg *telego.Message) ([]envelope.Attachment, []map[string]any) {
	var atts []envelope.Attachment
	var summaries []map[string]any

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1] // highest resolution last
		if att, err := c.download(ctx, photo.FileID, "image/jpeg", ""); err != nil {
			slog.Warn("telegram photo download failed", "file_id", photo.FileID, "error", err)
		} else {
			atts = append(atts, att)
		}
	}

	if doc := msg.Document; doc != nil {
		if strings.HasPrefix(doc.MimeType, "image/") {
			if att, err := c.download(ctx, doc.FileID, doc.MimeType, doc.FileName); err != nil {
				slog.Warn("telegram document download failed", "file_id", doc.FileID, "error", err)
			} else {
				atts = append(atts, att)
			}
		} else {
			summaries = append(summaries, mediaSummary("document", doc.MimeType, doc.FileName, doc.FileSize))
		}
	}

	if v := msg.Video; v != nil {
		summaries = append(summaries, mediaSummary("video", v.MimeType, v.FileName, v.FileSize))
	}
	if a := msg.Animation; a != nil {
		summaries = append(summaries, mediaSummary("animation", a.MimeType, a.FileName, a.FileSize))
	}

	return atts, summaries
}

func mediaSummary(typ, mime, name string, size int64) map[string]any {
	m := map[string]any{"type": typ}
	if mime != "" {
		m["mimeType"] = mime
	}
	if name != "" {
		m["fileName"] = name
	}
	if size > 0 {
		m["fileSize"] = size
	}
	return m
}

// download fetches a file by id and returns it as a base64 attachment.
// Oversized files are rejected before the transfer when the API reports
// a size, and during it otherwise.
func (c *Channel) download(ctx context.Context, fileID, mimeType, fileName string) (envelope.Attachment, error) {
	maxBytes := c.maxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMediaMaxBytes
	}

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return envelope.Attachment{}, fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return envelope.Attachment{}, fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if file.FileSize > maxBytes {
		return envelope.Attachment{}, fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.botToken, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return envelope.Attachment{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return envelope.Attachment{}, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return envelope.Attachment{}, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return envelope.Attachment{}, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return envelope.Attachment{}, fmt.Errorf("file exceeds max size during download: %d bytes", len(data))
	}

	if fileName == "" {
		fileName = path.Base(file.FilePath)
	}
	return envelope.Attachment{
		Type:     "image",
		MimeType: mimeType,
		FileName: fileName,
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}
