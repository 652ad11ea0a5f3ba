package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/envelope"
)

var testBotToken = "123456789:" + strings.Repeat("A", 35)

// fakeBotAPI is an httptest stand-in for the Telegram Bot API. It
// serves pending updates to getUpdates and records sends.
type fakeBotAPI struct {
	srv *httptest.Server

	mu      sync.Mutex
	updates []telego.Update
	sent    []map[string]any
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	f := &fakeBotAPI{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	switch method {
	case "getUpdates":
		out := f.pendingLocked(body)
		f.mu.Unlock()
		if len(out) == 0 {
			time.Sleep(20 * time.Millisecond) // stand in for the long-poll wait
		}
		writeBotAPI(w, out)
	case "sendMessage":
		f.sent = append(f.sent, body)
		f.mu.Unlock()
		writeBotAPI(w, map[string]any{"message_id": 321, "chat": map[string]any{"id": 1}})
	default:
		f.mu.Unlock()
		writeBotAPI(w, true)
	}
}

func (f *fakeBotAPI) pendingLocked(body map[string]any) []telego.Update {
	offset := 0
	if v, ok := body["offset"].(float64); ok {
		offset = int(v)
	}
	if offset == -1 {
		if n := len(f.updates); n > 0 {
			return f.updates[n-1:]
		}
		return nil
	}
	var out []telego.Update
	for _, u := range f.updates {
		if u.UpdateID >= offset {
			out = append(out, u)
		}
	}
	return out
}

func (f *fakeBotAPI) add(u telego.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeBotAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if s, ok := m["text"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeBotAPI) sentBodies() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func writeBotAPI(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

// fakeDiscord is an httptest stand-in for the slice of the Discord REST
// API the poller and sender hit. DM channels are minted as
// "dm-<userId>".
type fakeDiscord struct {
	srv *httptest.Server

	mu   sync.Mutex
	msgs map[string][]map[string]any
	sent []map[string]any
	seq  int
}

func newFakeDiscord(t *testing.T) *fakeDiscord {
	f := &fakeDiscord{msgs: make(map[string][]map[string]any), seq: 1000}
	m := http.NewServeMux()
	m.HandleFunc("POST /users/@me/channels", f.handleCreateDM)
	m.HandleFunc("GET /channels/{id}/messages", f.handleMessages)
	m.HandleFunc("POST /channels/{id}/messages", f.handleSend)
	m.HandleFunc("POST /channels/{id}/typing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	m.HandleFunc("GET /channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeDiscordJSON(w, map[string]any{"id": r.PathValue("id")})
	})
	f.srv = httptest.NewServer(m)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDiscord) handleCreateDM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecipientID string `json:"recipient_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeDiscordJSON(w, map[string]any{"id": "dm-" + body.RecipientID, "type": 1})
}

func (f *fakeDiscord) handleMessages(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	f.mu.Lock()
	var out []map[string]any
	for _, m := range f.msgs[r.PathValue("id")] {
		id, _ := m["id"].(string)
		if after == "" || flakeLess(after, id) {
			out = append(out, m)
		}
	}
	f.mu.Unlock()
	// The real API hands messages back newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []map[string]any{}
	}
	writeDiscordJSON(w, out)
}

func (f *fakeDiscord) handleSend(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	channelID := r.PathValue("id")

	f.mu.Lock()
	f.sent = append(f.sent, body)
	f.seq++
	id := strconv.Itoa(f.seq)
	f.mu.Unlock()
	writeDiscordJSON(w, map[string]any{"id": id, "channel_id": channelID})
}

func (f *fakeDiscord) add(channelID string, m map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[channelID] = append(f.msgs[channelID], m)
}

func (f *fakeDiscord) sentContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if s, ok := m["content"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func writeDiscordJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// flakeLess compares Discord snowflakes: decimal strings, so the longer
// one is always larger.
func flakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func dcMsg(id, authorID, content string) map[string]any {
	return map[string]any{
		"id":      id,
		"content": content,
		"author":  map[string]any{"id": authorID, "username": "user" + authorID},
		// 2023-11-14T22:13:20Z is 1700000000000 ms.
		"timestamp": "2023-11-14T22:13:20Z",
	}
}

// tenantServer records inbound envelope posts and can fail the first n.
type tenantServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	failures int
	bodies   [][]byte
}

func newTenantServer(t *testing.T) *tenantServer {
	ts := &tenantServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.bodies = append(ts.bodies, body)
		if ts.failures > 0 {
			ts.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *tenantServer) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.bodies)
}

func (ts *tenantServer) envelope(t *testing.T, i int) *envelope.Envelope {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if i >= len(ts.bodies) {
		t.Fatalf("no envelope %d (have %d)", i, len(ts.bodies))
	}
	var env envelope.Envelope
	if err := json.Unmarshal(ts.bodies[i], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return &env
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/mux.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// muxHarness is a full mux process against fake providers: real store,
// real HTTP API on a loopback port, telegram and discord pollers
// polling httptest servers.
type muxHarness struct {
	st     *store.Store
	cfg    *config.Config
	tg     *fakeBotAPI
	dc     *fakeDiscord
	tenant *tenantServer
	base   string
}

func newHarness(t *testing.T) *muxHarness {
	t.Helper()
	st := openStore(t)
	tg := newFakeBotAPI(t)
	dc := newFakeDiscord(t)
	tenant := newTenantServer(t)

	err := st.UpsertTenant(&store.Tenant{
		ID:           "t1",
		Name:         "Tenant One",
		APIKeyHash:   mux.HashKey("key-a"),
		InboundURL:   tenant.srv.URL,
		InboundToken: "inbound-secret",
	})
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	// Pin the offset so the poller does not treat test updates as
	// pre-start backlog.
	if err := st.SetTelegramOffset(99); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Telegram.Enabled = true
	cfg.Telegram.BotToken = testBotToken
	cfg.Telegram.APIBase = tg.srv.URL
	cfg.Telegram.BotUsername = "muxbot"
	cfg.Discord.Enabled = true
	cfg.Discord.BotToken = "discord-token"
	cfg.Discord.APIBase = dc.srv.URL
	cfg.Discord.PollMs = 10

	s, err := NewServer(cfg, st)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	done := make(chan struct{})
	go func() {
		start()
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after cancel")
		}
	})

	return &muxHarness{st: st, cfg: cfg, tg: tg, dc: dc, tenant: tenant, base: "http://" + addr}
}

func (h *muxHarness) request(t *testing.T, method, path, bearer, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.base+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

func jsonMap(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *muxHarness) bindTelegram(t *testing.T, chatID, sessionKey string) *store.Binding {
	t.Helper()
	b := &store.Binding{
		TenantID: "t1",
		Channel:  "telegram",
		RouteKey: "telegram:default:chat:" + chatID,
		Status:   store.BindingActive,
	}
	if err := h.st.InsertBinding(b); err != nil {
		t.Fatalf("insert binding: %v", err)
	}
	if err := h.st.UpsertSessionRoute("t1", "telegram", sessionKey, b.BindingID, ""); err != nil {
		t.Fatalf("upsert session route: %v", err)
	}
	return b
}

func tgUpdate(id int, chatID int64, text string) telego.Update {
	return telego.Update{
		UpdateID: id,
		Message: &telego.Message{
			MessageID: id,
			From:      &telego.User{ID: 9},
			Date:      1700000000,
			Chat:      telego.Chat{ID: chatID, Type: "private"},
			Text:      text,
		},
	}
}

func TestOutboundSendRoutesViaSession(t *testing.T) {
	h := newHarness(t)
	h.bindTelegram(t, "-100123", "tg:group:-100123")

	body := `{"channel":"telegram","sessionKey":"tg:group:-100123","raw":{"telegram":{"method":"sendMessage","body":{"text":"hi"}}}}`
	status, resp := h.request(t, "POST", "/v1/mux/outbound/send", "key-a", body, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, resp)
	}
	m := jsonMap(t, resp)
	if m["ok"] != true || m["messageId"] != "321" || m["chatId"] != "-100123" {
		t.Errorf("response = %v", m)
	}

	sent := h.tg.sentBodies()
	if len(sent) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(sent))
	}
	if sent[0]["chat_id"] != "-100123" || sent[0]["text"] != "hi" {
		t.Errorf("provider body = %v, want chat_id from route merged with tenant fields", sent[0])
	}
}

func TestIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	h.bindTelegram(t, "-100123", "tg:group:-100123")
	hdr := map[string]string{"Idempotency-Key": "k1"}

	body := `{"channel":"telegram","sessionKey":"tg:group:-100123","raw":{"telegram":{"method":"sendMessage","body":{"text":"hi"}}}}`
	status1, resp1 := h.request(t, "POST", "/v1/mux/outbound/send", "key-a", body, hdr)
	status2, resp2 := h.request(t, "POST", "/v1/mux/outbound/send", "key-a", body, hdr)
	if status1 != http.StatusOK || status2 != http.StatusOK {
		t.Fatalf("statuses = %d, %d", status1, status2)
	}
	if string(resp1) != string(resp2) {
		t.Errorf("replay differs:\n%s\n%s", resp1, resp2)
	}
	if sent := h.tg.sentBodies(); len(sent) != 1 {
		t.Errorf("provider calls = %d, want 1 (replay served from cache)", len(sent))
	}

	other := `{"channel":"telegram","sessionKey":"tg:group:-100123","raw":{"telegram":{"method":"sendMessage","body":{"text":"bye"}}}}`
	status3, resp3 := h.request(t, "POST", "/v1/mux/outbound/send", "key-a", other, hdr)
	if status3 != http.StatusConflict {
		t.Errorf("reused key with new body: status = %d, body %s", status3, resp3)
	}
}

func TestClaimThenUnbind(t *testing.T) {
	h := newHarness(t)
	err := h.st.SeedPairingCode(&store.PairingCode{
		Code:        "PAIR-1",
		Channel:     "telegram",
		RouteKey:    "telegram:default:chat:-100123",
		Scope:       "chat",
		ExpiresAtMs: time.Now().Add(10 * time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("seed code: %v", err)
	}

	status, resp := h.request(t, "POST", "/v1/pairings/claim", "key-a", `{"code":"PAIR-1"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", status, resp)
	}
	bindingID, _ := jsonMap(t, resp)["bindingId"].(string)
	if bindingID == "" {
		t.Fatalf("no bindingId in %s", resp)
	}

	status, resp = h.request(t, "GET", "/v1/pairings", "key-a", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	items, _ := jsonMap(t, resp)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v, want one binding", items)
	}
	if it := items[0].(map[string]any); it["routeKey"] != "telegram:default:chat:-100123" {
		t.Errorf("item = %v", it)
	}

	status, _ = h.request(t, "POST", "/v1/pairings/unbind", "key-a", `{"bindingId":"`+bindingID+`"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("unbind status = %d", status)
	}
	_, resp = h.request(t, "GET", "/v1/pairings", "key-a", "", nil)
	if !strings.Contains(string(resp), `"items":[]`) {
		t.Errorf("list after unbind = %s, want empty items", resp)
	}
}

func TestTelegramTokenPairing(t *testing.T) {
	h := newHarness(t)

	status, resp := h.request(t, "POST", "/v1/pairings/token", "key-a", `{"channel":"telegram"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("issue status = %d, body %s", status, resp)
	}
	m := jsonMap(t, resp)
	token, _ := m["token"].(string)
	if !strings.HasPrefix(token, "mpt_") {
		t.Fatalf("token = %q", token)
	}
	if m["startCommand"] != "/start "+token {
		t.Errorf("startCommand = %v", m["startCommand"])
	}
	if m["deepLink"] != "https://t.me/muxbot?start="+token {
		t.Errorf("deepLink = %v", m["deepLink"])
	}

	h.tg.add(tgUpdate(100, 555, "/start "+token))
	waitFor(t, "binding", func() bool {
		_, err := h.st.ActiveBindingByRoute("telegram", "telegram:default:chat:555")
		return err == nil
	})
	waitFor(t, "paired notice", func() bool {
		for _, s := range h.tg.sentTexts() {
			if s == "Paired. This chat is now connected." {
				return true
			}
		}
		return false
	})
	waitFor(t, "update acked", func() bool {
		last, ok, _ := h.st.TelegramOffset()
		return ok && last == 100
	})

	h.tg.add(tgUpdate(101, 555, "/help"))
	waitFor(t, "forward", func() bool { return h.tenant.count() == 1 })
	env := h.tenant.envelope(t, 0)
	if env.Channel != "telegram" || env.Body != "/help" {
		t.Errorf("envelope = channel %q body %q", env.Channel, env.Body)
	}
	if env.SessionKey != "tg:chat:555" {
		t.Errorf("sessionKey = %q", env.SessionKey)
	}
}

func TestDiscordDMTokenPairing(t *testing.T) {
	h := newHarness(t)

	status, resp := h.request(t, "POST", "/v1/pairings/token", "key-a",
		`{"channel":"discord","routeKey":"discord:default:dm:user:42"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("issue status = %d, body %s", status, resp)
	}
	token, _ := jsonMap(t, resp)["token"].(string)
	if !strings.HasPrefix(token, "mpt_") {
		t.Fatalf("token = %q", token)
	}

	pending, err := h.st.ListChannelBindings("discord")
	if err != nil || len(pending) != 1 {
		t.Fatalf("bindings = %v, %v, want one pending", pending, err)
	}
	if pending[0].Status != store.BindingPending || pending[0].Scope != "dm" {
		t.Errorf("binding = %+v", pending[0])
	}

	h.dc.add("dm-42", dcMsg("100", "42", token))
	waitFor(t, "binding activation", func() bool {
		_, err := h.st.ActiveBindingByRoute("discord", "discord:default:dm:user:42")
		return err == nil
	})
	waitFor(t, "paired notice", func() bool {
		for _, s := range h.dc.sentContents() {
			if s == "Paired. This chat is now connected." {
				return true
			}
		}
		return false
	})

	h.dc.add("dm-42", dcMsg("101", "42", "hello"))
	waitFor(t, "forward", func() bool { return h.tenant.count() == 1 })
	env := h.tenant.envelope(t, 0)
	if env.Channel != "discord" || env.ChatType != "direct" || env.Body != "hello" {
		t.Errorf("envelope = channel %q chatType %q body %q", env.Channel, env.ChatType, env.Body)
	}
	if env.SessionKey != "dc:dm:42" {
		t.Errorf("sessionKey = %q", env.SessionKey)
	}
}
