// Package dingtalk implements the DingTalk stream-mode adapter.
//
// Why replies are one-shot: the stream callback is request-reply. The socket
// handler parks on a reply future until it is resolved exactly once, then
// answers the callback. When the message carries a sessionWebhook (it
// normally does) the consumer sends every completed message through that
// webhook instead and resolves the future with a sentinel so the handler
// skips the single reply.
package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/media"
	"github.com/nextlevelbuilder/copaw/internal/store/file"
)

// SentViaWebhook resolves a reply future whose messages already went out
// through the session webhook.
const SentViaWebhook = "__SENT_VIA_WEBHOOK__"

const (
	// sessionIDSuffixLen shortens conversation ids into session ids. The
	// webhook store is keyed by the same suffix so scheduled dispatch can
	// address a conversation with just the short session id.
	sessionIDSuffixLen = 8

	defaultDebounce = 300 * time.Millisecond

	queueSize = 1000

	// markdownMaxLen is the payload size above which replies degrade to a
	// plain text message.
	markdownMaxLen = 3500

	// replyTimeout bounds how long a parked stream callback waits for its
	// future before giving up.
	replyTimeout = 10 * time.Minute
)

// replyFuture is the one-shot reply continuation handed to the consumer
// through Incoming meta.
type replyFuture struct {
	once sync.Once
	ch   chan string
}

func newReplyFuture() *replyFuture {
	return &replyFuture{ch: make(chan string, 1)}
}

// Resolve delivers the reply text. Only the first call wins.
func (f *replyFuture) Resolve(text string) {
	f.once.Do(func() { f.ch <- text })
}

// Wait blocks until resolved or the context/timeout expires.
func (f *replyFuture) Wait(ctx context.Context, timeout time.Duration) (string, bool) {
	select {
	case text := <-f.ch:
		return text, true
	case <-ctx.Done():
		return "", false
	case <-time.After(timeout):
		return "", false
	}
}

func futureFrom(meta map[string]any) *replyFuture {
	if meta == nil {
		return nil
	}
	f, _ := meta["reply_future"].(*replyFuture)
	return f
}

// chatbotMessage is the inbound payload of a stream chatbot callback.
type chatbotMessage struct {
	MsgType        string `json:"msgtype"`
	SenderNick     string `json:"senderNick"`
	SenderID       string `json:"senderId"`
	ConversationID string `json:"conversationId"`
	SessionWebhook string `json:"sessionWebhook"`
	RobotCode      string `json:"robotCode"`
	Text           struct {
		Content string `json:"content"`
	} `json:"text"`
	Content struct {
		DownloadCode string `json:"downloadCode"`
		RichText     []struct {
			Type         string `json:"type"`
			Text         string `json:"text"`
			DownloadCode string `json:"downloadCode"`
		} `json:"richText"`
	} `json:"content"`
}

// Channel is the DingTalk adapter.
type Channel struct {
	*channels.BaseChannel
	cfg       config.DingTalkConfig
	markdown  bool
	robotCode string

	api      *apiClient
	stream   *streamClient
	webhooks *file.RoutingStore
	debounce *debouncer
	limiter  *channels.SendLimiter
	queue    chan *channels.Incoming

	cancel context.CancelFunc
	done   chan struct{}
}

var _ channels.Channel = (*Channel)(nil)

// New creates the DingTalk adapter. webhooks persists the per-conversation
// session webhook map across restarts.
func New(cfg config.DingTalkConfig, webhooks *file.RoutingStore, opts channels.Options) *Channel {
	opts.Enabled = cfg.Enabled
	if cfg.BotPrefix != "" {
		opts.BotPrefix = cfg.BotPrefix
	}
	opts.ShowToolDetails = cfg.ShowToolDetails

	markdown := true
	if cfg.Markdown != nil {
		markdown = *cfg.Markdown
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(channels.NameDingTalk, opts),
		cfg:         cfg,
		markdown:    markdown,
		robotCode:   firstNonEmpty(cfg.RobotCode, cfg.ClientID),
		api:         newAPIClient(cfg.ClientID, cfg.ClientSecret),
		webhooks:    webhooks,
		// Session webhooks are capped at 20 messages/min per conversation.
		limiter: channels.NewSendLimiter(20.0/60.0, 5),
		queue:   make(chan *channels.Incoming, queueSize),
	}
	window := defaultDebounce
	if cfg.DebounceMS > 0 {
		window = time.Duration(cfg.DebounceMS) * time.Millisecond
	}
	c.debounce = newDebouncer(window,
		func(in *channels.Incoming) {
			select {
			case c.queue <- in:
			default:
				slog.Warn("dingtalk queue full, dropping merged batch", "sender", in.Sender)
				if f := futureFrom(in.Meta); f != nil {
					f.Resolve(SentViaWebhook)
				}
			}
		},
		func(in *channels.Incoming) {
			if f := futureFrom(in.Meta); f != nil {
				f.Resolve(SentViaWebhook)
			}
		},
	)
	c.stream = newStreamClient(cfg.ClientID, cfg.ClientSecret, c.handleCallback)
	return c
}

// Start opens the stream connection and the consumer.
func (c *Channel) Start(ctx context.Context) error {
	if !c.Enabled() || c.IsRunning() {
		return nil
	}
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return fmt.Errorf("dingtalk client_id and client_secret are required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go c.stream.Run(ctx)
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-c.queue:
				c.dispatch(ctx, in)
			}
		}
	}()
	return nil
}

// Stop tears down the stream and consumer.
func (c *Channel) Stop(ctx context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	c.SetRunning(false)
	c.cancel()
	c.debounce.Stop()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return nil
}

// handleCallback converts one stream callback into an Incoming, parks on the
// reply future, and answers through the session webhook when the consumer
// left a single reply.
func (c *Channel) handleCallback(ctx context.Context, data []byte) string {
	var msg chatbotMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("dingtalk: bad chatbot payload", "error", err)
		return ""
	}

	sender, ok := senderTag(msg.SenderNick, msg.SenderID)
	if !ok {
		return ""
	}
	text := strings.TrimSpace(msg.Text.Content)
	var content []agent.ContentItem
	if text == "" {
		content = c.parseRichContent(ctx, &msg)
	}
	if text == "" && len(content) == 0 {
		return ""
	}

	future := newReplyFuture()
	in := &channels.Incoming{
		Channel: channels.NameDingTalk,
		Sender:  sender,
		Text:    text,
		Content: content,
		Meta: map[string]any{
			"reply_future":    future,
			"session_webhook": msg.SessionWebhook,
			"conversation_id": msg.ConversationID,
		},
	}
	slog.Info("dingtalk received", "from", sender, "preview", channels.Truncate(text, 100))
	c.debounce.Add(c.debounceKey(in), in)

	reply, ok := future.Wait(ctx, replyTimeout)
	if !ok || reply == SentViaWebhook {
		return ""
	}
	if msg.SessionWebhook != "" {
		if err := c.sendTextViaWebhook(ctx, msg.SessionWebhook, c.BotPrefix()+reply); err != nil {
			slog.Error("dingtalk reply failed", "to", sender, "error", err)
		}
	}
	return ""
}

// parseRichContent extracts text and downloadable media from a rich message,
// resolving download codes into URLs.
func (c *Channel) parseRichContent(ctx context.Context, msg *chatbotMessage) []agent.ContentItem {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// Some payloads omit robotCode; fall back to the configured one.
	resolve := func(code, itemType string) *agent.ContentItem {
		u, err := c.api.MessageFileDownloadURL(ctx, code, firstNonEmpty(msg.RobotCode, c.robotCode))
		if err != nil {
			slog.Warn("dingtalk: resolve download url failed", "error", err)
			return nil
		}
		return &agent.ContentItem{Type: mapInboundType(itemType), URL: u}
	}

	var content []agent.ContentItem
	for _, item := range msg.Content.RichText {
		if item.Text != "" {
			content = append(content, agent.ContentItem{Type: agent.BlockText, Text: item.Text})
		}
		if item.DownloadCode != "" {
			if it := resolve(item.DownloadCode, item.Type); it != nil {
				content = append(content, *it)
			}
		}
	}
	// Pure picture/file messages carry one top-level download code.
	if len(content) == 0 && msg.Content.DownloadCode != "" {
		if it := resolve(msg.Content.DownloadCode, msg.MsgType); it != nil {
			content = append(content, *it)
		}
	}
	return content
}

func (c *Channel) debounceKey(in *channels.Incoming) string {
	if cid := in.MetaString("conversation_id"); cid != "" {
		return shortSessionID(cid)
	}
	return channels.NameDingTalk + ":" + in.Sender
}

// dispatch stores the session webhook for proactive sends, runs the pipeline
// and releases any unresolved reply future.
func (c *Channel) dispatch(ctx context.Context, in *channels.Incoming) {
	req := c.ToAgentRequest(in)
	key := c.HandleFromTarget(req.UserID, req.SessionID)
	if wh := in.MetaString("session_webhook"); wh != "" {
		if err := c.webhooks.PutString(key, wh); err != nil {
			slog.Warn("dingtalk: persist session webhook failed", "error", err)
		}
	}

	c.RunIncoming(ctx, c, in, key)

	if f := futureFrom(in.Meta); f != nil {
		f.Resolve(SentViaWebhook)
	}
}

// ToAgentRequest shortens the conversation id into the session id so cron
// can address the conversation with the same short key.
func (c *Channel) ToAgentRequest(in *channels.Incoming) *agent.Request {
	req := c.BaseChannel.ToAgentRequest(in)
	if cid := in.MetaString("conversation_id"); cid != "" {
		req.SessionID = shortSessionID(cid)
	}
	return req
}

// HandleFromTarget keys proactive sends by the stored-webhook handle.
func (c *Channel) HandleFromTarget(_, sessionID string) string {
	return "dingtalk:sw:" + sessionID
}

// Send delivers text through the session webhook resolved from meta or the
// handle. A missing webhook warns and no-ops: push only reaches users who
// have chatted recently.
func (c *Channel) Send(ctx context.Context, toHandle, text string, meta map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	webhook := c.resolveWebhook(toHandle, meta)
	if webhook == "" {
		slog.Warn("dingtalk send: no session webhook stored, skipping", "to", toHandle)
		return nil
	}
	return c.sendTextViaWebhook(ctx, webhook, text)
}

// SendParts sends the text body then each media part through the webhook.
// Without a webhook the body falls back to the reply future when one exists.
func (c *Channel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	body := channels.FallbackBody(textOnly(parts), c.PrefixFrom(meta))
	mediaParts := mediaOnly(parts)

	webhook := c.resolveWebhook(toHandle, meta)
	if webhook == "" {
		if f := futureFrom(meta); f != nil {
			if body == "" {
				body = channels.FallbackBody(parts, c.PrefixFrom(meta))
			}
			f.Resolve(strings.TrimPrefix(body, c.PrefixFrom(meta)))
			return nil
		}
		slog.Warn("dingtalk send parts: no session webhook stored, skipping", "to", toHandle)
		return nil
	}

	if body != "" {
		if err := c.sendTextViaWebhook(ctx, webhook, body); err != nil {
			return err
		}
	}
	for _, p := range mediaParts {
		if err := c.sendMediaViaWebhook(ctx, webhook, p); err != nil {
			slog.Warn("dingtalk media send failed", "type", p.Type, "error", err)
		}
	}
	return nil
}

// SendMedia delivers one media part through the resolved webhook.
func (c *Channel) SendMedia(ctx context.Context, toHandle string, part channels.Part, meta map[string]any) error {
	webhook := c.resolveWebhook(toHandle, meta)
	if webhook == "" {
		return nil
	}
	return c.sendMediaViaWebhook(ctx, webhook, part)
}

// SendEvent forwards through the default event path.
func (c *Channel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return c.ForwardEvent(ctx, c, userID, sessionID, ev, meta)
}

// resolveWebhook finds the session webhook: explicit meta wins, then the
// handle (direct URL, dingtalk:webhook:<url>, or dingtalk:sw:<sid> via the
// persisted store).
func (c *Channel) resolveWebhook(toHandle string, meta map[string]any) string {
	if meta != nil {
		if wh, ok := meta["session_webhook"].(string); ok && wh != "" {
			return wh
		}
	}
	s := strings.TrimSpace(toHandle)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	key := s
	if parts := strings.SplitN(s, ":", 3); len(parts) == 3 && parts[0] == channels.NameDingTalk {
		switch parts[1] {
		case "webhook":
			return parts[2]
		case "sw":
			key = "dingtalk:sw:" + parts[2]
		}
	}
	if key == "" {
		return ""
	}
	wh, _ := c.webhooks.GetString(key)
	return wh
}

// sendTextViaWebhook posts one text message: markdown when enabled and small
// enough, plain text otherwise.
func (c *Channel) sendTextViaWebhook(ctx context.Context, webhook, text string) error {
	var payload map[string]any
	if !c.markdown || len(text) > markdownMaxLen {
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	} else {
		normalized := NormalizeMarkdown(text, "")
		payload = map[string]any{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": "💬" + channels.Truncate(normalized, 10),
				"text":  normalized,
			},
		}
	}
	return c.postWebhook(ctx, webhook, payload)
}

// sendMediaViaWebhook delivers one media part: public image URLs go straight
// out as image messages; everything else is uploaded then sent by media id.
func (c *Channel) sendMediaViaWebhook(ctx context.Context, webhook string, part channels.Part) error {
	uploadType := mapUploadType(part.Type)

	if uploadType == "image" && isPublicURL(part.ImageURL) {
		return c.postWebhook(ctx, webhook, map[string]any{
			"msgtype": "image",
			"image":   map[string]string{"picURL": part.ImageURL},
		})
	}

	// Pre-uploaded platform media.
	if part.FileID != "" {
		filename, ext := guessFilename(part, uploadType)
		return c.postMediaPayload(ctx, webhook, uploadType, part.FileID, filename, ext)
	}

	data, err := c.partBytes(ctx, part)
	if err != nil {
		return err
	}
	if uploadType == "image" {
		data = media.DownscaleImage(data, media.MaxUploadDimension)
	}
	filename, ext := guessFilename(part, uploadType)
	mediaID, err := c.api.UploadMedia(ctx, data, uploadType, filename, part.MimeType)
	if err != nil {
		return err
	}
	return c.postMediaPayload(ctx, webhook, uploadType, mediaID, filename, ext)
}

func (c *Channel) postMediaPayload(ctx context.Context, webhook, uploadType, mediaID, filename, ext string) error {
	if uploadType == "voice" {
		return c.postWebhook(ctx, webhook, map[string]any{
			"msgtype": "voice",
			"voice":   map[string]string{"mediaId": mediaID},
		})
	}
	// Images without a public URL and videos without a thumbnail both ship
	// as files; the user still gets the payload.
	return c.postWebhook(ctx, webhook, map[string]any{
		"msgtype": "file",
		"file": map[string]string{
			"mediaId":  mediaID,
			"fileType": ext,
			"fileName": filename,
		},
	})
}

func (c *Channel) partBytes(ctx context.Context, part channels.Part) ([]byte, error) {
	if part.AudioData != "" {
		data, _, err := media.DecodePayload(part.AudioData)
		return data, err
	}
	ref := firstNonEmpty(part.FileURL, part.ImageURL, part.VideoURL)
	if strings.HasPrefix(ref, "data:") {
		data, _, err := media.DecodePayload(ref)
		return data, err
	}
	if ref == "" {
		return nil, fmt.Errorf("media part %s has no payload", part.Type)
	}
	return c.api.FetchBytes(ctx, ref)
}

func (c *Channel) postWebhook(ctx context.Context, webhook string, payload map[string]any) error {
	if err := c.limiter.Wait(ctx, webhook); err != nil {
		return err
	}
	slog.Debug("dingtalk webhook send", "msgtype", payload["msgtype"])
	return c.api.postJSON(ctx, webhook, nil, payload, nil)
}

// senderTag builds "nickname#last4(sender_id)". Messages with neither
// nickname nor id are skipped.
func senderTag(nickname, senderID string) (string, bool) {
	nickname = strings.TrimSpace(nickname)
	senderID = strings.TrimSpace(senderID)
	if nickname == "" && senderID == "" {
		return "", false
	}
	suffix := senderID
	if len(senderID) >= 4 {
		suffix = senderID[len(senderID)-4:]
	}
	if suffix == "" {
		suffix = "????"
	}
	if nickname == "" {
		nickname = "unknown"
	}
	return nickname + "#" + suffix, true
}

// shortSessionID keeps the last sessionIDSuffixLen chars of the conversation
// id.
func shortSessionID(conversationID string) string {
	if len(conversationID) <= sessionIDSuffixLen {
		return conversationID
	}
	return conversationID[len(conversationID)-sessionIDSuffixLen:]
}

// mapInboundType translates DingTalk message types to content types.
func mapInboundType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "picture", "image":
		return agent.BlockImage
	case "video":
		return agent.BlockVideo
	case "audio":
		return agent.BlockAudio
	default:
		return agent.BlockFile
	}
}

// mapUploadType translates part types to DingTalk upload types
// (image | voice | video | file).
func mapUploadType(partType string) string {
	switch partType {
	case agent.BlockImage:
		return "image"
	case agent.BlockAudio:
		return "voice"
	case agent.BlockVideo:
		return "video"
	default:
		return "file"
	}
}

func guessFilename(part channels.Part, uploadType string) (filename, ext string) {
	filename = strings.TrimSpace(part.FileName)
	if filename == "" {
		if ref := firstNonEmpty(part.FileURL, part.ImageURL, part.VideoURL); ref != "" && !strings.HasPrefix(ref, "data:") {
			if u, err := url.Parse(ref); err == nil {
				filename = path.Base(u.Path)
				if filename == "." || filename == "/" {
					filename = ""
				}
			}
		}
	}
	if filename == "" {
		switch uploadType {
		case "image":
			filename = "image.png"
		case "voice":
			filename = "audio.amr"
		case "video":
			filename = "video.mp4"
		default:
			filename = "file.bin"
		}
	}
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		ext = strings.ToLower(filename[i+1:])
	}
	if ext == "" && part.MimeType != "" {
		if exts, _ := mime.ExtensionsByType(part.MimeType); len(exts) > 0 {
			ext = strings.TrimPrefix(exts[0], ".")
		}
	}
	if ext == "" {
		ext = "bin"
	}
	if ext == "jpeg" {
		ext = "jpg"
	}
	return filename, ext
}

func isPublicURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func textOnly(parts []channels.Part) []channels.Part {
	out := make([]channels.Part, 0, len(parts))
	for _, p := range parts {
		if !p.IsMedia() {
			out = append(out, p)
		}
	}
	return out
}

func mediaOnly(parts []channels.Part) []channels.Part {
	out := make([]channels.Part, 0, len(parts))
	for _, p := range parts {
		if p.IsMedia() {
			out = append(out, p)
		}
	}
	return out
}
