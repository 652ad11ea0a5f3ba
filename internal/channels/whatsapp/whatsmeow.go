package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/nextlevelbuilder/msgmux/internal/config"
)

const (
	// maxInboundImageBytes caps image downloads; larger images are
	// forwarded as metadata only.
	maxInboundImageBytes = 5 << 20
	downloadTimeout      = 30 * time.Second
)

// meowRuntime is the production Runtime over a whatsmeow session. Its
// credential store is a separate SQLite file under the auth dir, apart
// from the relay schema.
type meowRuntime struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	mediaDir  string
	handlerID uint32
	handler   func(*Inbound)
}

func newMeowRuntime(cfg config.WhatsAppConfig) (*meowRuntime, error) {
	if cfg.AuthDir == "" {
		return nil, fmt.Errorf("whatsapp auth_dir is required")
	}
	mediaDir := filepath.Join(cfg.AuthDir, "media")
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return nil, fmt.Errorf("create whatsapp auth dir: %w", err)
	}

	// The "sqlite" driver comes from the modernc import in
	// internal/store; whatsmeow shares it but not the database file.
	ctx := context.Background()
	dsn := "file:" + filepath.Join(cfg.AuthDir, "session.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger{name: "wa/db"})
	if err != nil {
		return nil, fmt.Errorf("open whatsapp credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger{name: "wa/client"})
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	return &meowRuntime{client: client, container: container, mediaDir: mediaDir}, nil
}

// Start registers the inbound handler and connects. A store without
// device credentials starts the QR pairing flow; the codes are logged
// for the operator to scan.
func (r *meowRuntime) Start(ctx context.Context, handler func(*Inbound)) error {
	r.handler = handler
	r.handlerID = r.client.AddEventHandler(r.handleEvent)

	if r.client.Store.ID == nil {
		qr, err := r.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("whatsapp qr channel: %w", err)
		}
		go r.logQR(qr)
	}
	if err := r.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp connect: %w", err)
	}
	return nil
}

func (r *meowRuntime) Stop() {
	if r.handlerID != 0 {
		r.client.RemoveEventHandler(r.handlerID)
		r.handlerID = 0
	}
	r.client.Disconnect()
	if r.container != nil {
		_ = r.container.Close()
	}
}

func (r *meowRuntime) logQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			slog.Info("whatsapp pairing required, scan from the linked-devices screen", "qr", item.Code)
		case "success":
			slog.Info("whatsapp QR pairing complete")
		default:
			slog.Warn("whatsapp QR pairing event", "event", item.Event, "error", item.Error)
		}
	}
}

func (r *meowRuntime) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		r.onMessage(evt)
	case *events.Connected:
		slog.Info("whatsapp session connected")
	case *events.PairSuccess:
		slog.Info("whatsapp device paired", "device", evt.ID.String())
	case *events.LoggedOut:
		slog.Warn("whatsapp session logged out, delete the auth dir and restart to re-pair")
	case *events.StreamReplaced:
		slog.Error("whatsapp stream replaced by another session")
	}
}

// onMessage snapshots an inbound message and hands it to the channel.
// Own messages and broadcast/newsletter traffic never reach tenants.
func (r *meowRuntime) onMessage(evt *events.Message) {
	info := evt.Info
	if info.IsFromMe {
		return
	}
	switch info.Chat.Server {
	case types.BroadcastServer, types.NewsletterServer:
		return
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("whatsapp event marshal failed", "message_id", info.ID, "error", err)
	}
	r.handler(&Inbound{
		MessageID:   info.ID,
		ChatJID:     info.Chat.String(),
		SenderJID:   info.Sender.String(),
		PushName:    info.PushName,
		Text:        messageText(evt.Message),
		TimestampMs: info.Timestamp.UnixMilli(),
		Raw:         raw,
		Media:       r.extractMedia(info.ID, evt.Message),
	})
}

// messageText pulls the user-visible text out of the message proto,
// falling back to media captions.
func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if t := m.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := m.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	if t := m.GetVideoMessage().GetCaption(); t != "" {
		return t
	}
	return m.GetDocumentMessage().GetCaption()
}

// extractMedia lists the media on a message. Images (including
// image-typed documents) are downloaded to the media dir so the worker
// can attach their bytes; everything else is metadata.
func (r *meowRuntime) extractMedia(messageID string, m *waE2E.Message) []InboundMedia {
	if m == nil {
		return nil
	}
	var out []InboundMedia
	if img := m.GetImageMessage(); img != nil {
		media := InboundMedia{
			Kind:     "image",
			MimeType: img.GetMimetype(),
			Caption:  img.GetCaption(),
			Size:     img.GetFileLength(),
		}
		media.Path = r.download(messageID, len(out), img, img.GetFileLength(), img.GetMimetype())
		out = append(out, media)
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		media := InboundMedia{
			Kind:     "document",
			MimeType: doc.GetMimetype(),
			FileName: doc.GetFileName(),
			Caption:  doc.GetCaption(),
			Size:     doc.GetFileLength(),
		}
		if strings.HasPrefix(doc.GetMimetype(), "image/") {
			media.Kind = "image"
			media.Path = r.download(messageID, len(out), doc, doc.GetFileLength(), doc.GetMimetype())
		}
		out = append(out, media)
	}
	if vid := m.GetVideoMessage(); vid != nil {
		out = append(out, InboundMedia{
			Kind:     "video",
			MimeType: vid.GetMimetype(),
			Caption:  vid.GetCaption(),
			Size:     vid.GetFileLength(),
		})
	}
	if aud := m.GetAudioMessage(); aud != nil {
		out = append(out, InboundMedia{
			Kind:     "audio",
			MimeType: aud.GetMimetype(),
			Size:     aud.GetFileLength(),
		})
	}
	if st := m.GetStickerMessage(); st != nil {
		out = append(out, InboundMedia{
			Kind:     "sticker",
			MimeType: st.GetMimetype(),
			Size:     st.GetFileLength(),
		})
	}
	return out
}

// download fetches image bytes to a local file and returns its path,
// or "" when the item exceeds the byte cap or the fetch fails; the
// worker then falls back to metadata.
func (r *meowRuntime) download(messageID string, idx int, msg whatsmeow.DownloadableMessage, size uint64, mimeType string) string {
	if size > maxInboundImageBytes {
		slog.Warn("whatsapp image exceeds byte cap, forwarding metadata only", "message_id", messageID, "size", size)
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()
	data, err := r.client.Download(ctx, msg)
	if err != nil {
		slog.Warn("whatsapp media download failed", "message_id", messageID, "error", err)
		return ""
	}
	name := fmt.Sprintf("%s-%d%s", safeFileName(messageID), idx, extensionForMime(mimeType))
	path := filepath.Join(r.mediaDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		slog.Warn("whatsapp media write failed", "path", path, "error", err)
		return ""
	}
	return path
}

func (r *meowRuntime) SendText(ctx context.Context, toJID, text string) (*SendReceipt, error) {
	jid, err := types.ParseJID(toJID)
	if err != nil {
		return nil, fmt.Errorf("invalid jid %q: %w", toJID, err)
	}
	resp, err := r.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return nil, err
	}
	return &SendReceipt{MessageID: resp.ID, TimestampMs: resp.Timestamp.UnixMilli()}, nil
}

func (r *meowRuntime) SendMedia(ctx context.Context, toJID string, m *OutboundMedia) (*SendReceipt, error) {
	jid, err := types.ParseJID(toJID)
	if err != nil {
		return nil, fmt.Errorf("invalid jid %q: %w", toJID, err)
	}

	mType := whatsmeow.MediaDocument
	switch {
	case strings.HasPrefix(m.MimeType, "image/"):
		mType = whatsmeow.MediaImage
	case strings.HasPrefix(m.MimeType, "video/"):
		mType = whatsmeow.MediaVideo
	case strings.HasPrefix(m.MimeType, "audio/"):
		mType = whatsmeow.MediaAudio
	}
	up, err := r.client.Upload(ctx, m.Data, mType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	msg := &waE2E.Message{}
	switch mType {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(m.Caption),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(m.Caption),
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(m.Caption),
			FileName:      proto.String(m.FileName),
		}
	}

	resp, err := r.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, err
	}
	return &SendReceipt{MessageID: resp.ID, TimestampMs: resp.Timestamp.UnixMilli()}, nil
}

func (r *meowRuntime) SendTyping(ctx context.Context, toJID string, typing bool) error {
	jid, err := types.ParseJID(toJID)
	if err != nil {
		return fmt.Errorf("invalid jid %q: %w", toJID, err)
	}
	state := types.ChatPresenceComposing
	if !typing {
		state = types.ChatPresencePaused
	}
	return r.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// safeFileName keeps message ids usable as file names.
func safeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func extensionForMime(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}

// waLogger adapts whatsmeow's logger onto slog so library logs land in
// the same stream as the rest of the relay.
type waLogger struct{ name string }

func (l waLogger) Errorf(msg string, args ...any) { slog.Error(fmt.Sprintf(msg, args...), "module", l.name) }
func (l waLogger) Warnf(msg string, args ...any)  { slog.Warn(fmt.Sprintf(msg, args...), "module", l.name) }
func (l waLogger) Infof(msg string, args ...any)  { slog.Info(fmt.Sprintf(msg, args...), "module", l.name) }
func (l waLogger) Debugf(msg string, args ...any) { slog.Debug(fmt.Sprintf(msg, args...), "module", l.name) }
func (l waLogger) Sub(module string) waLog.Logger { return waLogger{name: l.name + "/" + module} }
