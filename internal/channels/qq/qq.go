// Package qq implements the QQ bot adapter: gateway WebSocket for inbound
// events, HTTP API for replies. Unlike DingTalk there is no request-reply
// coupling; replies always go out through the send endpoints.
package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

const queueSize = 1000

// messageEvent is the shared shape of the gateway message dispatch payloads.
type messageEvent struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  struct {
		ID           string `json:"id"`
		Username     string `json:"username"`
		UserOpenID   string `json:"user_openid"`
		MemberOpenID string `json:"member_openid"`
	} `json:"author"`
	ChannelID   string `json:"channel_id"`
	GuildID     string `json:"guild_id"`
	GroupOpenID string `json:"group_openid"`
	Attachments []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Filename    string `json:"filename"`
	} `json:"attachments"`
}

// Channel is the QQ adapter.
type Channel struct {
	*channels.BaseChannel
	cfg config.QQConfig

	api     *apiClient
	gw      *gateway
	limiter *channels.SendLimiter
	queue   chan *channels.Incoming

	cancel context.CancelFunc
	done   chan struct{}
}

var _ channels.Channel = (*Channel)(nil)

// New creates the QQ adapter.
func New(cfg config.QQConfig, opts channels.Options) *Channel {
	opts.Enabled = cfg.Enabled
	if cfg.BotPrefix != "" {
		opts.BotPrefix = cfg.BotPrefix
	}
	opts.ShowToolDetails = cfg.ShowToolDetails

	c := &Channel{
		BaseChannel: channels.NewBaseChannel(channels.NameQQ, opts),
		cfg: cfg,
		api: newAPIClient(cfg.AppID, cfg.AppSecret, cfg.Sandbox),
		// Bot send endpoints throttle per target; pace to stay under the cap.
		limiter: channels.NewSendLimiter(5, 3),
		queue:   make(chan *channels.Incoming, queueSize),
	}
	c.gw = newGateway(c.api, c.onEvent)
	return c
}

// Start opens the gateway connection and the consumer.
func (c *Channel) Start(ctx context.Context) error {
	if !c.Enabled() || c.IsRunning() {
		return nil
	}
	if c.cfg.AppID == "" || c.cfg.AppSecret == "" {
		return fmt.Errorf("qq app_id and app_secret are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go c.gw.Run(ctx)
	go func() {
		defer close(c.done)
		c.ConsumeLoop(ctx, c, c.queue, func(in *channels.Incoming) string {
			return in.Sender
		})
	}()
	slog.Info("qq channel started", "app_id", c.cfg.AppID)
	return nil
}

// Stop tears down the gateway and consumer.
func (c *Channel) Stop(ctx context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	c.SetRunning(false)
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return nil
}

// onEvent converts one gateway dispatch into an Incoming. Each message event
// carries its routing (message type, ids) in meta so the reply path can pick
// the right send endpoint.
func (c *Channel) onEvent(eventType string, data json.RawMessage) {
	var messageType string
	switch eventType {
	case "C2C_MESSAGE_CREATE":
		messageType = "c2c"
	case "AT_MESSAGE_CREATE":
		messageType = "guild"
	case "DIRECT_MESSAGE_CREATE":
		messageType = "dm"
	case "GROUP_AT_MESSAGE_CREATE":
		messageType = "group"
	default:
		return
	}

	var ev messageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("qq: bad message event", "type", eventType, "error", err)
		return
	}
	text := strings.TrimSpace(ev.Content)
	if text == "" && len(ev.Attachments) == 0 {
		return
	}
	// Echo guard: skip our own prefixed replies.
	if c.BotPrefix() != "" && strings.HasPrefix(text, c.BotPrefix()) {
		return
	}

	var sender string
	switch messageType {
	case "c2c":
		sender = firstNonEmpty(ev.Author.UserOpenID, ev.Author.ID)
	case "group":
		sender = firstNonEmpty(ev.Author.MemberOpenID, ev.Author.ID)
	default:
		sender = firstNonEmpty(ev.Author.ID, ev.Author.Username)
	}
	if sender == "" {
		return
	}

	var content []agent.ContentItem
	for _, att := range ev.Attachments {
		if att.URL == "" {
			continue
		}
		itemType := agent.BlockFile
		if strings.HasPrefix(att.ContentType, "image/") {
			itemType = agent.BlockImage
		}
		content = append(content, agent.ContentItem{
			Type: itemType,
			URL:  att.URL,
			Meta: map[string]any{"file_name": att.Filename},
		})
	}

	in := &channels.Incoming{
		Channel: channels.NameQQ,
		Sender:  sender,
		Text:    text,
		Content: content,
		Meta: map[string]any{
			"message_type": messageType,
			"message_id":   ev.ID,
			"sender_id":    sender,
			"channel_id":   ev.ChannelID,
			"guild_id":     ev.GuildID,
			"group_openid": ev.GroupOpenID,
		},
	}
	slog.Info("qq received",
		"type", messageType, "from", sender, "preview", channels.Truncate(text, 100))
	select {
	case c.queue <- in:
	default:
		slog.Warn("qq queue full, dropping message", "from", sender)
	}
}

// Send routes one text through the matching send endpoint. Routing comes from
// meta (inbound replies) or the handle prefix (group:/channel:), defaulting
// to a c2c message to the handle as user openid.
func (c *Channel) Send(ctx context.Context, toHandle, text string, meta map[string]any) error {
	if !c.Enabled() || strings.TrimSpace(text) == "" {
		return nil
	}
	text = strings.TrimSpace(text)

	messageType := metaString(meta, "message_type")
	msgID := metaString(meta, "message_id")
	senderID := firstNonEmpty(metaString(meta, "sender_id"), toHandle)
	channelID := metaString(meta, "channel_id")
	groupOpenID := metaString(meta, "group_openid")

	if messageType == "" {
		switch {
		case strings.HasPrefix(toHandle, "group:"):
			messageType = "group"
			groupOpenID = strings.TrimPrefix(toHandle, "group:")
		case strings.HasPrefix(toHandle, "channel:"):
			messageType = "guild"
			channelID = strings.TrimPrefix(toHandle, "channel:")
		default:
			messageType = "c2c"
		}
	}

	switch {
	case messageType == "c2c":
		if err := c.limiter.Wait(ctx, "c2c:"+senderID); err != nil {
			return err
		}
		return c.api.SendC2C(ctx, senderID, text, msgID)
	case messageType == "group" && groupOpenID != "":
		if err := c.limiter.Wait(ctx, "group:"+groupOpenID); err != nil {
			return err
		}
		return c.api.SendGroup(ctx, groupOpenID, text, msgID)
	case channelID != "":
		if err := c.limiter.Wait(ctx, "channel:"+channelID); err != nil {
			return err
		}
		return c.api.SendChannel(ctx, channelID, text, msgID)
	default:
		if err := c.limiter.Wait(ctx, "c2c:"+senderID); err != nil {
			return err
		}
		return c.api.SendC2C(ctx, senderID, text, msgID)
	}
}

// SendParts delivers via the default path: merged text body with media
// degraded to bracketed references (the send API is text-only).
func (c *Channel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	return c.DeliverParts(ctx, c, toHandle, parts, meta)
}

// SendEvent forwards through the default event path.
func (c *Channel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return c.ForwardEvent(ctx, c, userID, sessionID, ev, meta)
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
