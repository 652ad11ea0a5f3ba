package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// restAPI is the slice of the Discord REST surface the channel uses.
// The production implementation wraps *discordgo.Session; tests swap in
// a recording fake.
type restAPI interface {
	Messages(ctx context.Context, channelID string, limit int, afterID string) ([]*discordgo.Message, error)
	Post(ctx context.Context, channelID string, body json.RawMessage) (*discordgo.Message, error)
	SendComplex(ctx context.Context, channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	CreateDM(ctx context.Context, userID string) (*discordgo.Channel, error)
	Typing(ctx context.Context, channelID string) error
	ChannelInfo(ctx context.Context, channelID string) (*discordgo.Channel, error)
}

type sessionAPI struct {
	s *discordgo.Session
}

func (a sessionAPI) Messages(ctx context.Context, channelID string, limit int, afterID string) ([]*discordgo.Message, error) {
	return a.s.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
}

// Post writes a verbatim message-create body. discordgo has no typed
// entry point for caller-supplied JSON, so this goes through the
// session's request layer directly (keeps auth and rate limiting).
func (a sessionAPI) Post(ctx context.Context, channelID string, body json.RawMessage) (*discordgo.Message, error) {
	endpoint := discordgo.EndpointChannelMessages(channelID)
	resp, err := a.s.RequestWithBucketID("POST", endpoint, body, endpoint, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	var m discordgo.Message
	if err := json.Unmarshal(resp, &m); err != nil {
		return nil, fmt.Errorf("decode message response: %w", err)
	}
	return &m, nil
}

func (a sessionAPI) SendComplex(ctx context.Context, channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return a.s.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
}

func (a sessionAPI) CreateDM(ctx context.Context, userID string) (*discordgo.Channel, error) {
	return a.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
}

func (a sessionAPI) Typing(ctx context.Context, channelID string) error {
	return a.s.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func (a sessionAPI) ChannelInfo(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	return a.s.Channel(channelID, discordgo.WithContext(ctx))
}

// ttlCache is a small expiring string→string map. DM channel ids and
// guild-of-channel lookups go through it so steady-state polling costs
// one REST call per new destination, not per pass.
type ttlCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]ttlEntry
}

type ttlEntry struct {
	val string
	exp time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, m: make(map[string]ttlEntry)}
}

func (c *ttlCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.exp) {
		delete(c.m, key)
		return "", false
	}
	return e.val, true
}

func (c *ttlCache) put(key, val string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = ttlEntry{val: val, exp: time.Now().Add(c.ttl)}
}
