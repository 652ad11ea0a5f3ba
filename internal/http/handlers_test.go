package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/msgmux/internal/config"
	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
)

// fakeSender stands in for a provider-backed channel sender.
type fakeSender struct {
	mu     sync.Mutex
	sends  int
	typing int
	fail   bool
}

func (f *fakeSender) Send(_ context.Context, _ *store.ResolvedRoute, _ *mux.SendRequest) (*mux.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &mux.ProviderError{Provider: "telegram", Op: "sendMessage", Detail: "upstream down"}
	}
	f.sends++
	id := fmt.Sprintf("m%d", f.sends)
	return &mux.SendResult{MessageID: id, ChatID: "555", ProviderMessageIDs: []string{id}}, nil
}

func (f *fakeSender) Typing(_ context.Context, _ *store.ResolvedRoute, _ *mux.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type testAPI struct {
	srv    *httptest.Server
	st     *store.Store
	cfg    *config.Config
	sender *fakeSender
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mux.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Server.AdminToken = "admin-secret"
	cfg.Telegram.BotUsername = "muxbot"

	sender := &fakeSender{}
	d := mux.NewDispatcher(st, cfg)
	d.Register("telegram", sender)
	d.Register("discord", sender)

	m := http.NewServeMux()
	NewTenantsHandler(st, cfg).RegisterRoutes(m)
	NewPairingsHandler(st, cfg).RegisterRoutes(m)
	NewOutboundHandler(d, st).RegisterRoutes(m)

	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	for _, seed := range []struct{ id, key string }{{"t1", "k1"}, {"t2", "k2"}} {
		err := st.UpsertTenant(&store.Tenant{
			ID:         seed.id,
			Name:       "Tenant " + seed.id,
			APIKeyHash: mux.HashKey(seed.key),
			InboundURL: "http://tenant.example/inbound",
		})
		if err != nil {
			t.Fatalf("seed tenant: %v", err)
		}
	}
	return &testAPI{srv: srv, st: st, cfg: cfg, sender: sender}
}

// request sends body verbatim so idempotency fingerprints stay stable.
func (a *testAPI) request(t *testing.T, method, path, bearer, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.srv.Client().Do(req)
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

func TestBootstrapAdminGate(t *testing.T) {
	a := newTestAPI(t)
	body := `{"tenantId":"t3","apiKey":"k3","inboundUrl":"http://t3.example/hook"}`

	status, _ := a.request(t, "POST", "/v1/admin/tenants/bootstrap", "wrong-admin", body, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("wrong admin token: status = %d, want 401", status)
	}

	status, data := a.request(t, "POST", "/v1/admin/tenants/bootstrap", "admin-secret", body, nil)
	if status != http.StatusOK {
		t.Fatalf("bootstrap: status = %d, body %s", status, data)
	}
	resp := jsonMap(t, data)
	if resp["tenantId"] != "t3" || resp["inboundToken"] == "" || resp["inboundToken"] == nil {
		t.Errorf("bootstrap response = %v", resp)
	}

	tenant, err := a.st.TenantByAPIKeyHash(mux.HashKey("k3"))
	if err != nil {
		t.Fatalf("tenant not stored: %v", err)
	}
	if tenant.InboundURL != "http://t3.example/hook" {
		t.Errorf("inboundUrl = %q", tenant.InboundURL)
	}
}

func TestBootstrapDisabledWithoutAdminToken(t *testing.T) {
	a := newTestAPI(t)
	a.cfg.Server.AdminToken = ""

	// Handler captured the token at construction, so rebuild.
	m := http.NewServeMux()
	NewTenantsHandler(a.st, a.cfg).RegisterRoutes(m)
	srv := httptest.NewServer(m)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/v1/admin/tenants/bootstrap", strings.NewReader(`{"tenantId":"x","apiKey":"y"}`))
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("admin endpoint without token: status = %d, want 404", resp.StatusCode)
	}
}

func TestBootstrapDuplicateAPIKey(t *testing.T) {
	a := newTestAPI(t)

	status, _ := a.request(t, "POST", "/v1/admin/tenants/bootstrap", "admin-secret",
		`{"tenantId":"t9","apiKey":"k1"}`, nil)
	if status != http.StatusConflict {
		t.Errorf("duplicate api key: status = %d, want 409", status)
	}
}

func TestBootstrapKeepsInboundToken(t *testing.T) {
	a := newTestAPI(t)

	_, data := a.request(t, "POST", "/v1/admin/tenants/bootstrap", "admin-secret",
		`{"tenantId":"t4","apiKey":"k4"}`, nil)
	first := jsonMap(t, data)["inboundToken"]

	_, data = a.request(t, "POST", "/v1/admin/tenants/bootstrap", "admin-secret",
		`{"tenantId":"t4","apiKey":"k4","name":"Renamed"}`, nil)
	second := jsonMap(t, data)["inboundToken"]
	if first != second {
		t.Errorf("re-bootstrap rotated the inbound token: %v != %v", first, second)
	}
}

func TestBootstrapValidation(t *testing.T) {
	a := newTestAPI(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing tenantId", `{"apiKey":"k"}`},
		{"missing apiKey", `{"tenantId":"t"}`},
		{"bad inboundUrl", `{"tenantId":"t","apiKey":"k","inboundUrl":"not a url"}`},
		{"bad JSON", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := a.request(t, "POST", "/v1/admin/tenants/bootstrap", "admin-secret", tt.body, nil)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}
		})
	}
}

func TestInboundTarget(t *testing.T) {
	a := newTestAPI(t)

	status, data := a.request(t, "GET", "/v1/tenant/inbound-target", "k1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("get: status = %d", status)
	}
	if resp := jsonMap(t, data); resp["configured"] != true || resp["inboundUrl"] != "http://tenant.example/inbound" {
		t.Errorf("get response = %v", resp)
	}

	status, _ = a.request(t, "POST", "/v1/tenant/inbound-target", "k1",
		`{"inboundUrl":"http://tenant.example/v2","inboundTimeoutMs":9000}`, nil)
	if status != http.StatusOK {
		t.Fatalf("set: status = %d", status)
	}

	_, data = a.request(t, "GET", "/v1/tenant/inbound-target", "k1", "", nil)
	resp := jsonMap(t, data)
	if resp["inboundUrl"] != "http://tenant.example/v2" || resp["inboundTimeoutMs"] != float64(9000) {
		t.Errorf("after set: %v", resp)
	}

	status, _ = a.request(t, "POST", "/v1/tenant/inbound-target", "k1", `{"inboundUrl":"ftp://nope"}`, nil)
	if status != http.StatusBadRequest {
		t.Errorf("non-http url: status = %d, want 400", status)
	}

	status, _ = a.request(t, "GET", "/v1/tenant/inbound-target", "not-a-key", "", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("bad bearer: status = %d, want 401", status)
	}
}

func TestIssueTokenTelegram(t *testing.T) {
	a := newTestAPI(t)

	status, data := a.request(t, "POST", "/v1/pairings/token", "k1", `{"channel":"telegram"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("issue: status = %d, body %s", status, data)
	}
	resp := jsonMap(t, data)
	token, _ := resp["token"].(string)
	if !strings.HasPrefix(token, "mpt_") {
		t.Errorf("token = %q", token)
	}
	if resp["startCommand"] != "/start "+token {
		t.Errorf("startCommand = %v", resp["startCommand"])
	}
	if resp["deepLink"] != "https://t.me/muxbot?start="+token {
		t.Errorf("deepLink = %v", resp["deepLink"])
	}

	// Default TTL is 600s.
	expires := int64(resp["expiresAtMs"].(float64))
	want := time.Now().Add(600 * time.Second).UnixMilli()
	if expires < want-5000 || expires > want+5000 {
		t.Errorf("expiresAtMs = %d, want about %d", expires, want)
	}

	// The plaintext is redeemable exactly once through the store.
	if _, err := a.st.RedeemPairingToken(mux.HashKey(token), "telegram", ""); err != nil {
		t.Errorf("token not redeemable: %v", err)
	}

	entries, err := a.st.ListAuditByTenant("t1", 5)
	if err != nil || len(entries) == 0 || entries[0].EventType != "pairing_token_issued" {
		t.Errorf("audit = %v, %v", entries, err)
	}
}

func TestIssueTokenTTLClamp(t *testing.T) {
	a := newTestAPI(t)

	status, data := a.request(t, "POST", "/v1/pairings/token", "k1",
		`{"channel":"whatsapp","ttlSec":99999999}`, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	resp := jsonMap(t, data)
	if resp["deepLink"] != nil {
		t.Errorf("whatsapp token has a telegram deep link: %v", resp["deepLink"])
	}
	expires := int64(resp["expiresAtMs"].(float64))
	want := time.Now().Add(86400 * time.Second).UnixMilli()
	if expires < want-5000 || expires > want+5000 {
		t.Errorf("expiresAtMs = %d, want clamp to about %d", expires, want)
	}
}

func TestIssueTokenDiscordPendingBinding(t *testing.T) {
	a := newTestAPI(t)

	status, _ := a.request(t, "POST", "/v1/pairings/token", "k1", `{"channel":"discord"}`, nil)
	if status != http.StatusBadRequest {
		t.Errorf("missing routeKey: status = %d, want 400", status)
	}

	status, _ = a.request(t, "POST", "/v1/pairings/token", "k1",
		`{"channel":"discord","routeKey":"discord:default:guild:42"}`, nil)
	if status != http.StatusBadRequest {
		t.Errorf("guild routeKey: status = %d, want 400", status)
	}

	status, data := a.request(t, "POST", "/v1/pairings/token", "k1",
		`{"channel":"discord","routeKey":"discord:default:dm:user:777"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("dm routeKey: status = %d, body %s", status, data)
	}

	bindings, err := a.st.ListChannelBindings("discord")
	if err != nil || len(bindings) != 1 {
		t.Fatalf("bindings = %v, %v", bindings, err)
	}
	b := bindings[0]
	if b.Status != store.BindingPending || b.RouteKey != "discord:default:dm:user:777" || b.Scope != "dm" {
		t.Errorf("pending binding = %+v", b)
	}

	// An activated route rejects further token issues.
	if err := a.st.ActivateBinding(b.BindingID); err != nil {
		t.Fatal(err)
	}
	status, _ = a.request(t, "POST", "/v1/pairings/token", "k2",
		`{"channel":"discord","routeKey":"discord:default:dm:user:777"}`, nil)
	if status != http.StatusConflict {
		t.Errorf("bound route: status = %d, want 409", status)
	}
}

func TestIssueTokenUnsupportedChannel(t *testing.T) {
	a := newTestAPI(t)
	status, data := a.request(t, "POST", "/v1/pairings/token", "k1", `{"channel":"smoke-signal"}`, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	if resp := jsonMap(t, data); resp["error"] != "unsupported channel" {
		t.Errorf("error = %v", resp["error"])
	}
}

func seedCode(t *testing.T, st *store.Store, code, channel, routeKey string, ttl time.Duration) {
	t.Helper()
	err := st.SeedPairingCode(&store.PairingCode{
		Code:        code,
		Channel:     channel,
		RouteKey:    routeKey,
		ExpiresAtMs: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("seed code: %v", err)
	}
}

func TestClaimCode(t *testing.T) {
	a := newTestAPI(t)
	seedCode(t, a.st, "CODE-1", "telegram", "telegram:default:chat:555", time.Hour)

	status, data := a.request(t, "POST", "/v1/pairings/claim", "k1", `{"code":"CODE-1"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("claim: status = %d, body %s", status, data)
	}
	resp := jsonMap(t, data)
	if resp["channel"] != "telegram" || resp["routeKey"] != "telegram:default:chat:555" {
		t.Errorf("claim response = %v", resp)
	}
	if resp["sessionKey"] != "tg:chat:555" {
		t.Errorf("sessionKey = %v, want generated tg:chat:555", resp["sessionKey"])
	}
	bindingID, _ := resp["bindingId"].(string)

	rr, err := a.st.ResolveRoute("t1", "telegram", "tg:chat:555")
	if err != nil || rr.BindingID != bindingID {
		t.Errorf("session route not registered: %v, %v", rr, err)
	}

	// Claimed once means claimed for everyone.
	status, _ = a.request(t, "POST", "/v1/pairings/claim", "k2", `{"code":"CODE-1"}`, nil)
	if status != http.StatusConflict {
		t.Errorf("second claim: status = %d, want 409", status)
	}

	entries, _ := a.st.ListAuditByTenant("t1", 5)
	if len(entries) == 0 || entries[0].EventType != "pairing_code_claimed" {
		t.Errorf("audit = %v", entries)
	}
}

func TestClaimCodeNotFoundAndExpired(t *testing.T) {
	a := newTestAPI(t)
	seedCode(t, a.st, "OLD-1", "telegram", "telegram:default:chat:1", -time.Minute)

	status, _ := a.request(t, "POST", "/v1/pairings/claim", "k1", `{"code":"NOPE"}`, nil)
	if status != http.StatusNotFound {
		t.Errorf("absent code: status = %d, want 404", status)
	}
	status, _ = a.request(t, "POST", "/v1/pairings/claim", "k1", `{"code":"OLD-1"}`, nil)
	if status != http.StatusNotFound {
		t.Errorf("expired code: status = %d, want 404", status)
	}
}

func TestClaimExplicitSessionKey(t *testing.T) {
	a := newTestAPI(t)
	seedCode(t, a.st, "CODE-G", "discord", "discord:default:guild:42:channel:99", time.Hour)

	status, data := a.request(t, "POST", "/v1/pairings/claim", "k1",
		`{"code":"CODE-G","sessionKey":"support-room"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp := jsonMap(t, data); resp["sessionKey"] != "support-room" {
		t.Errorf("sessionKey = %v", resp["sessionKey"])
	}
	if _, err := a.st.ResolveRoute("t1", "discord", "support-room"); err != nil {
		t.Errorf("explicit session route missing: %v", err)
	}
}

func TestClaimBareGuildHasNoGeneratedKey(t *testing.T) {
	a := newTestAPI(t)
	seedCode(t, a.st, "CODE-BG", "discord", "discord:default:guild:42", time.Hour)

	status, data := a.request(t, "POST", "/v1/pairings/claim", "k1", `{"code":"CODE-BG"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp := jsonMap(t, data); resp["sessionKey"] != nil {
		t.Errorf("bare guild claim generated sessionKey %v", resp["sessionKey"])
	}
}

func TestClaimRateLimit(t *testing.T) {
	a := newTestAPI(t)

	last := 0
	for i := 0; i < claimBurst+1; i++ {
		last, _ = a.request(t, "POST", "/v1/pairings/claim", "k1", `{"code":"GUESS"}`, nil)
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("after %d rapid claims: status = %d, want 429", claimBurst+1, last)
	}
}

func TestUnbind(t *testing.T) {
	a := newTestAPI(t)
	b := &store.Binding{TenantID: "t1", Channel: "telegram", RouteKey: "telegram:default:chat:555", Status: store.BindingActive}
	if err := a.st.InsertBinding(b); err != nil {
		t.Fatal(err)
	}
	if err := a.st.UpsertSessionRoute("t1", "telegram", "tg:chat:555", b.BindingID, ""); err != nil {
		t.Fatal(err)
	}

	status, _ := a.request(t, "POST", "/v1/pairings/unbind", "k2",
		fmt.Sprintf(`{"bindingId":%q}`, b.BindingID), nil)
	if status != http.StatusNotFound {
		t.Errorf("foreign tenant unbind: status = %d, want 404", status)
	}

	status, data := a.request(t, "POST", "/v1/pairings/unbind", "k1",
		fmt.Sprintf(`{"bindingId":%q}`, b.BindingID), nil)
	if status != http.StatusOK {
		t.Fatalf("unbind: status = %d, body %s", status, data)
	}

	got, err := a.st.BindingByID(b.BindingID)
	if err != nil || got.Status != store.BindingInactive {
		t.Errorf("binding after unbind = %+v, %v", got, err)
	}
	if _, err := a.st.ResolveRoute("t1", "telegram", "tg:chat:555"); err == nil {
		t.Error("session route survived unbind")
	}

	status, _ = a.request(t, "POST", "/v1/pairings/unbind", "k1", `{"bindingId":"bind_missing"}`, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown binding: status = %d, want 404", status)
	}
}

func TestListPairings(t *testing.T) {
	a := newTestAPI(t)

	status, data := a.request(t, "GET", "/v1/pairings", "k1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(data), `"items":[]`) {
		t.Errorf("empty list body = %s", data)
	}

	b := &store.Binding{TenantID: "t1", Channel: "whatsapp", RouteKey: "whatsapp:default:chat:9@s.whatsapp.net", Status: store.BindingActive}
	if err := a.st.InsertBinding(b); err != nil {
		t.Fatal(err)
	}
	_, data = a.request(t, "GET", "/v1/pairings", "k1", "", nil)
	var resp struct {
		Items []pairingItem `json:"items"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0].BindingID != b.BindingID || resp.Items[0].Channel != "whatsapp" {
		t.Errorf("items = %v", resp.Items)
	}

	// Other tenants see nothing.
	_, data = a.request(t, "GET", "/v1/pairings", "k2", "", nil)
	if !strings.Contains(string(data), `"items":[]`) {
		t.Errorf("cross-tenant list body = %s", data)
	}
}

func bindSession(t *testing.T, st *store.Store, channel, routeKey, sessionKey string) {
	t.Helper()
	b := &store.Binding{TenantID: "t1", Channel: channel, RouteKey: routeKey, Status: store.BindingActive}
	if err := st.InsertBinding(b); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertSessionRoute("t1", channel, sessionKey, b.BindingID, ""); err != nil {
		t.Fatal(err)
	}
}

func TestSendEndpoint(t *testing.T) {
	a := newTestAPI(t)
	bindSession(t, a.st, "telegram", "telegram:default:chat:555", "tg:chat:555")

	body := `{"channel":"telegram","sessionKey":"tg:chat:555","text":"hi"}`
	status, data := a.request(t, "POST", "/v1/mux/outbound/send", "k1", body, nil)
	if status != http.StatusOK {
		t.Fatalf("send: status = %d, body %s", status, data)
	}
	resp := jsonMap(t, data)
	if resp["ok"] != true || resp["messageId"] != "m1" || resp["chatId"] != "555" {
		t.Errorf("send response = %v", resp)
	}

	status, data = a.request(t, "POST", "/v1/mux/outbound/send", "k1",
		`{"channel":"telegram","sessionKey":"tg:chat:999","text":"hi"}`, nil)
	if status != http.StatusForbidden {
		t.Fatalf("unbound: status = %d", status)
	}
	if resp := jsonMap(t, data); resp["code"] != "ROUTE_NOT_BOUND" {
		t.Errorf("unbound code = %v", resp["code"])
	}

	status, _ = a.request(t, "POST", "/v1/mux/outbound/send", "k1",
		`{"sessionKey":"tg:chat:555","text":"hi"}`, nil)
	if status != http.StatusBadRequest {
		t.Errorf("missing channel: status = %d, want 400", status)
	}

	status, _ = a.request(t, "POST", "/v1/mux/outbound/send", "bad-key", body, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("bad bearer: status = %d, want 401", status)
	}
}

func TestSendIdempotencyReplay(t *testing.T) {
	a := newTestAPI(t)
	bindSession(t, a.st, "telegram", "telegram:default:chat:555", "tg:chat:555")

	body := `{"channel":"telegram","sessionKey":"tg:chat:555","text":"hi"}`
	hdr := map[string]string{"Idempotency-Key": "key-1"}

	status1, data1 := a.request(t, "POST", "/v1/mux/outbound/send", "k1", body, hdr)
	status2, data2 := a.request(t, "POST", "/v1/mux/outbound/send", "k1", body, hdr)
	if status1 != http.StatusOK || status2 != http.StatusOK {
		t.Fatalf("statuses = %d, %d", status1, status2)
	}
	if string(data1) != string(data2) {
		t.Errorf("replay body differs:\n%s\n%s", data1, data2)
	}
	if n := a.sender.sendCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}

	// Same key, different payload.
	status3, _ := a.request(t, "POST", "/v1/mux/outbound/send", "k1",
		`{"channel":"telegram","sessionKey":"tg:chat:555","text":"bye"}`, hdr)
	if status3 != http.StatusConflict {
		t.Errorf("fingerprint mismatch: status = %d, want 409", status3)
	}
}

func TestSendProviderFailure(t *testing.T) {
	a := newTestAPI(t)
	bindSession(t, a.st, "telegram", "telegram:default:chat:555", "tg:chat:555")
	a.sender.fail = true

	status, data := a.request(t, "POST", "/v1/mux/outbound/send", "k1",
		`{"channel":"telegram","sessionKey":"tg:chat:555","text":"hi"}`, nil)
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
	if resp := jsonMap(t, data); resp["details"] != "upstream down" {
		t.Errorf("details = %v", resp["details"])
	}
}

func TestTypingEndpoint(t *testing.T) {
	a := newTestAPI(t)
	bindSession(t, a.st, "telegram", "telegram:default:chat:555", "tg:chat:555")

	status, data := a.request(t, "POST", "/v1/mux/outbound/typing", "k1",
		`{"channel":"telegram","sessionKey":"tg:chat:555"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("typing: status = %d, body %s", status, data)
	}
	if resp := jsonMap(t, data); resp["ok"] != true {
		t.Errorf("typing response = %v", resp)
	}
	a.sender.mu.Lock()
	defer a.sender.mu.Unlock()
	if a.sender.typing != 1 {
		t.Errorf("typing calls = %d, want 1", a.sender.typing)
	}
}
