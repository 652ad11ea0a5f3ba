package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/msgmux/internal/mux"
	"github.com/nextlevelbuilder/msgmux/internal/store"
	"github.com/nextlevelbuilder/msgmux/pkg/routekey"
)

// generalTopicID is the forum General topic. The Bot API rejects
// message sends that name it explicitly, so it is stripped from
// outgoing bodies; chat actions accept it.
const generalTopicID = "1"

// rawMethod describes how routing fields are merged into one allowed
// Bot API method.
type rawMethod struct {
	chatID      bool // enforce chat_id from the route
	thread      bool // inject message_thread_id when absent
	keepGeneral bool // keep the General topic id on injection
}

// rawMethods is the allowlist for raw.telegram.method.
var rawMethods = map[string]rawMethod{
	"sendMessage":         {chatID: true, thread: true},
	"sendPhoto":           {chatID: true, thread: true},
	"sendChatAction":      {chatID: true, thread: true, keepGeneral: true},
	"editMessageText":     {chatID: true},
	"answerCallbackQuery": {},
}

// Send implements mux.ChannelSender. Telegram sends are raw Bot API
// calls: the tenant supplies {method, body}, the mux pins chat_id and
// message_thread_id to the bound route and passes everything else
// through verbatim, so parse_mode, reply_parameters and reply_markup
// survive untouched.
func (c *Channel) Send(ctx context.Context, route *store.ResolvedRoute, req *mux.SendRequest) (*mux.SendResult, error) {
	r, err := routekey.ParseTelegram(route.RouteKey)
	if err != nil {
		return nil, fmt.Errorf("telegram: bad route key %q: %w", route.RouteKey, err)
	}
	if req.Raw == nil || req.Raw.Telegram == nil {
		return nil, mux.Invalidf("telegram sends require raw.telegram")
	}
	method := req.Raw.Telegram.Method
	rule, ok := rawMethods[method]
	if !ok {
		return nil, mux.Invalidf("unsupported telegram method %q", method)
	}

	body := map[string]any{}
	if len(req.Raw.Telegram.Body) > 0 {
		if err := json.Unmarshal(req.Raw.Telegram.Body, &body); err != nil {
			return nil, mux.Invalidf("raw.telegram.body must be a JSON object")
		}
	}
	if rule.chatID {
		body["chat_id"] = r.ChatID
	}
	if rule.thread {
		injectTopic(body, r.TopicID, req.ThreadID, rule.keepGeneral)
	}

	result, err := c.call(ctx, method, body)
	if err != nil {
		return nil, err
	}

	res := &mux.SendResult{ChatID: r.ChatID}
	if id := resultMessageID(result); id != "" {
		res.MessageID = id
		res.ProviderMessageIDs = []string{id}
	}
	return res, nil
}

// Typing implements mux.ChannelSender via sendChatAction.
func (c *Channel) Typing(ctx context.Context, route *store.ResolvedRoute, req *mux.SendRequest) error {
	r, err := routekey.ParseTelegram(route.RouteKey)
	if err != nil {
		return fmt.Errorf("telegram: bad route key %q: %w", route.RouteKey, err)
	}
	chatID, err := strconv.ParseInt(r.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q in route %q", r.ChatID, route.RouteKey)
	}

	params := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	topic := r.TopicID
	if topic == "" {
		topic = req.ThreadID
	}
	if n, err := strconv.Atoi(topic); err == nil && n > 0 {
		params.MessageThreadID = n
	}
	if err := c.bot.SendChatAction(ctx, params); err != nil {
		return &mux.ProviderError{Provider: routekey.ChannelTelegram, Op: "sendChatAction", Detail: err.Error()}
	}
	return nil
}

// injectTopic merges the topic id into an outgoing body unless the
// tenant already set one. The route's topic wins over the request hint.
func injectTopic(body map[string]any, routeTopic, reqThread string, keepGeneral bool) {
	if _, ok := body["message_thread_id"]; ok {
		return
	}
	topic := routeTopic
	if topic == "" {
		topic = reqThread
	}
	if topic == "" || (topic == generalTopicID && !keepGeneral) {
		return
	}
	n, err := strconv.Atoi(topic)
	if err != nil {
		return
	}
	body["message_thread_id"] = n
}

// sendableTopic converts a topic id for outgoing messages, dropping the
// General topic.
func sendableTopic(topicID string) int {
	if topicID == "" || topicID == generalTopicID {
		return 0
	}
	n, err := strconv.Atoi(topicID)
	if err != nil {
		return 0
	}
	return n
}

// apiEnvelope is the Bot API response wrapper.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// call POSTs one Bot API method. telego exposes no public raw-method
// entry point, so raw sends speak the wire format directly.
func (c *Channel) call(ctx context.Context, method string, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s body: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.botToken, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &mux.ProviderError{Provider: routekey.ChannelTelegram, Op: method, Detail: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &mux.ProviderError{Provider: routekey.ChannelTelegram, Op: method, Detail: err.Error()}
	}

	var api apiEnvelope
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, &mux.ProviderError{Provider: routekey.ChannelTelegram, Op: method, Detail: fmt.Sprintf("status %d from bot api", resp.StatusCode)}
	}
	if !api.OK {
		detail := api.Description
		if detail == "" {
			detail = fmt.Sprintf("status %d from bot api", resp.StatusCode)
		}
		return nil, &mux.ProviderError{Provider: routekey.ChannelTelegram, Op: method, Detail: detail}
	}
	return api.Result, nil
}

// resultMessageID extracts message_id from a Bot API result for methods
// that return a message.
func resultMessageID(result json.RawMessage) string {
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil || msg.MessageID == 0 {
		return ""
	}
	return strconv.FormatInt(msg.MessageID, 10)
}
