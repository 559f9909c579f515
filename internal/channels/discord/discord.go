// Package discord implements the Discord bot adapter on the gateway API.
// Inbound messages (DM and guild) are normalized with their attachments into
// typed content items; outbound sends resolve either a channel id or a user
// DM from routing meta.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

var _ channels.Channel = (*Channel)(nil)

// New creates the Discord adapter.
func New(cfg config.DiscordConfig, opts channels.Options) (*Channel, error) {
	opts.Enabled = cfg.Enabled
	if cfg.BotPrefix != "" {
		opts.BotPrefix = cfg.BotPrefix
	}
	opts.ShowToolDetails = cfg.ShowToolDetails

	c := &Channel{
		BaseChannel: channels.NewBaseChannel(channels.NameDiscord, opts),
	}
	if !cfg.Enabled {
		return c, nil
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	c.session = session
	return c, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	if !c.Enabled() || c.IsRunning() {
		return nil
	}

	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	text := strings.TrimSpace(m.Content)
	var content []agent.ContentItem
	if text != "" {
		content = append(content, agent.ContentItem{Type: agent.BlockText, Text: text})
	}
	for _, att := range m.Attachments {
		content = append(content, agent.ContentItem{
			Type: classifyAttachment(att.ContentType, att.Filename),
			URL:  att.URL,
		})
	}
	if len(content) == 0 {
		return
	}

	in := &channels.Incoming{
		Channel: channels.NameDiscord,
		Sender:  m.Author.Username,
		Text:    text,
		Content: content,
		Meta: map[string]any{
			"user_id":    m.Author.ID,
			"channel_id": m.ChannelID,
			"guild_id":   m.GuildID,
			"message_id": m.ID,
			"is_dm":      m.GuildID == "",
		},
	}
	slog.Debug("discord message received",
		"sender", m.Author.Username, "channel_id", m.ChannelID,
		"is_dm", m.GuildID == "", "preview", channels.Truncate(text, 50))

	// The gateway dispatches handlers on their own goroutines, so the
	// pipeline runs inline here.
	c.RunIncoming(ctx, c, in, m.ChannelID)
}

// ToAgentRequest routes DMs by user and guild messages by channel: the
// session id carries the conversation, not the individual sender.
func (c *Channel) ToAgentRequest(in *channels.Incoming) *agent.Request {
	userID := in.MetaString("user_id")
	if userID == "" {
		userID = in.Sender
	}
	channelID := in.MetaString("channel_id")
	isDM, _ := in.Meta["is_dm"].(bool)

	sessionID := "discord:dm:" + userID
	if !isDM && channelID != "" {
		sessionID = "discord:ch:" + channelID
	}
	return &agent.Request{
		SessionID: sessionID,
		UserID:    userID,
		Channel:   in.Channel,
		Input:     in.ContentList(),
	}
}

// HandleFromTarget routes out-of-band sends by session id, which embeds the
// channel-or-DM distinction.
func (c *Channel) HandleFromTarget(_, sessionID string) string { return sessionID }

// Send resolves a destination channel and delivers the text in 2000-char
// chunks. An unresolvable target is a programmer error and returns an error,
// unlike a missing routing token elsewhere.
func (c *Channel) Send(ctx context.Context, toHandle, text string, meta map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID, _ := meta["channel_id"].(string)
	userID, _ := meta["user_id"].(string)
	if channelID == "" && userID == "" {
		channelID, userID = routeFromHandle(toHandle)
	}

	switch {
	case channelID != "":
		return c.sendChunked(channelID, text)
	case userID != "":
		dm, err := c.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("open discord dm: %w", err)
		}
		return c.sendChunked(dm.ID, text)
	}
	return fmt.Errorf("discord send requires a channel_id or user_id (handle %q)", toHandle)
}

// SendParts uses the default text-merging delivery; Discord renders media
// URLs inline so the bracketed fallback already shows previews.
func (c *Channel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	return c.DeliverParts(ctx, c, toHandle, parts, meta)
}

// SendEvent forwards through the default event path.
func (c *Channel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return c.ForwardEvent(ctx, c, userID, sessionID, ev, meta)
}

// sendChunked splits content over Discord's 2000-char message limit,
// preferring newline boundaries.
func (c *Channel) sendChunked(channelID, content string) error {
	const maxLen = 2000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// routeFromHandle parses "discord:ch:<channel_id>" / "discord:dm:<user_id>".
func routeFromHandle(toHandle string) (channelID, userID string) {
	parts := strings.SplitN(toHandle, ":", 3)
	if len(parts) != 3 || parts[0] != channels.NameDiscord || parts[2] == "" {
		return "", ""
	}
	switch parts[1] {
	case "ch":
		return parts[2], ""
	case "dm":
		return "", parts[2]
	}
	return "", ""
}

var imageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff"}
var videoExts = []string{".mp4", ".mov", ".mkv", ".webm", ".avi"}
var audioExts = []string{".mp3", ".wav", ".m4a", ".aac", ".ogg", ".flac"}

// classifyAttachment types an attachment by content type, falling back to the
// file extension (Discord omits content types on some uploads).
func classifyAttachment(contentType, filename string) string {
	ctype := strings.ToLower(contentType)
	name := strings.ToLower(filename)
	switch {
	case strings.HasPrefix(ctype, "image/") || hasAnySuffix(name, imageExts):
		return agent.BlockImage
	case strings.HasPrefix(ctype, "video/") || hasAnySuffix(name, videoExts):
		return agent.BlockVideo
	case strings.HasPrefix(ctype, "audio/") || hasAnySuffix(name, audioExts):
		return agent.BlockAudio
	}
	return agent.BlockFile
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
