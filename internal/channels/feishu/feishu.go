// Package feishu implements the Feishu (Lark) adapter on the official SDK's
// long-connection client: events arrive over WebSocket (no public IP needed),
// replies go out through the Open API.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
	"github.com/nextlevelbuilder/copaw/internal/media"
	"github.com/nextlevelbuilder/copaw/internal/store/file"
)

const (
	// sessionIDSuffixLen shortens chat/open ids into session ids. The
	// receive-id store is keyed by the same suffix so scheduled dispatch can
	// address a conversation with just the short session id.
	sessionIDSuffixLen = 8

	queueSize = 1000

	reconnectDelay = 3 * time.Second
)

// Channel is the Feishu adapter.
type Channel struct {
	*channels.BaseChannel
	cfg config.FeishuConfig

	client *lark.Client
	ws     *larkws.Client
	// routes persists session id -> (receive_id_type, receive_id) so
	// proactive sends resolve after a restart.
	routes *file.RoutingStore
	names  *nicknameCache
	seen   *dedupSet
	http   *http.Client
	queue  chan *channels.Incoming

	cancel context.CancelFunc
	done   chan struct{}
}

var _ channels.Channel = (*Channel)(nil)

// New creates the Feishu adapter. routes persists the per-conversation
// receive-id map across restarts.
func New(cfg config.FeishuConfig, routes *file.RoutingStore, opts channels.Options) *Channel {
	opts.Enabled = cfg.Enabled
	if cfg.BotPrefix != "" {
		opts.BotPrefix = cfg.BotPrefix
	}
	opts.ShowToolDetails = cfg.ShowToolDetails

	c := &Channel{
		BaseChannel: channels.NewBaseChannel(channels.NameFeishu, opts),
		cfg:         cfg,
		routes:      routes,
		seen:        newDedupSet(dedupMax),
		http:        &http.Client{Timeout: 30 * time.Second},
		queue:       make(chan *channels.Incoming, queueSize),
	}
	return c
}

// Start opens the long connection and the consumer.
func (c *Channel) Start(ctx context.Context) error {
	if !c.Enabled() || c.IsRunning() {
		return nil
	}
	if c.cfg.AppID == "" || c.cfg.AppSecret == "" {
		return fmt.Errorf("feishu app_id and app_secret are required")
	}

	c.client = lark.NewClient(c.cfg.AppID, c.cfg.AppSecret)
	c.names = newNicknameCache(c.client)

	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			c.onMessage(ctx, event)
			return nil
		})
	c.ws = larkws.NewClient(c.cfg.AppID, c.cfg.AppSecret,
		larkws.WithEventHandler(handler))

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go c.runWS(ctx)
	go func() {
		defer close(c.done)
		c.ConsumeLoop(ctx, c, c.queue, func(in *channels.Incoming) string {
			return c.HandleFromTarget(in.Sender, c.ToAgentRequest(in).SessionID)
		})
	}()
	slog.Info("feishu channel started", "app_id", channels.Truncate(c.cfg.AppID, 12))
	return nil
}

// runWS keeps the long connection alive, reconnecting after a fixed delay.
func (c *Channel) runWS(ctx context.Context) {
	for {
		if err := c.ws.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("feishu connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop tears down the connection and consumer.
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

// ToAgentRequest keys the session by a short suffix of the chat id (group) or
// the sender open id (p2p) so cron can address the conversation with the same
// short key.
func (c *Channel) ToAgentRequest(in *channels.Incoming) *agent.Request {
	req := c.BaseChannel.ToAgentRequest(in)
	chatID := in.MetaString("chat_id")
	senderID := in.MetaString("sender_id")
	switch {
	case in.MetaString("chat_type") == "group" && chatID != "":
		req.SessionID = shortSessionID(chatID)
	case senderID != "":
		req.SessionID = shortSessionID(senderID)
	case chatID != "":
		req.SessionID = shortSessionID(chatID)
	}
	return req
}

// HandleFromTarget keys proactive sends by the stored receive-id handle.
func (c *Channel) HandleFromTarget(_, sessionID string) string {
	return "feishu:sw:" + sessionID
}

// Send delivers text as a post message to the receive id resolved from meta
// or the handle. A missing receive id warns and no-ops: push only reaches
// conversations that have chatted at least once.
func (c *Channel) Send(ctx context.Context, toHandle, text string, meta map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	recvType, recvID, ok := c.resolveReceive(toHandle, meta)
	if !ok {
		slog.Warn("feishu send: no receive id stored, skipping", "to", toHandle)
		return nil
	}
	return c.sendText(ctx, recvType, recvID, text)
}

// SendParts sends the text body as one post, then each media part.
func (c *Channel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	if !c.Enabled() {
		return nil
	}
	recvType, recvID, ok := c.resolveReceive(toHandle, meta)
	if !ok {
		slog.Warn("feishu send parts: no receive id stored, skipping", "to", toHandle)
		return nil
	}

	var texts []channels.Part
	var mediaParts []channels.Part
	for _, p := range parts {
		if p.IsMedia() {
			mediaParts = append(mediaParts, p)
		} else {
			texts = append(texts, p)
		}
	}
	if body := channels.FallbackBody(texts, c.PrefixFrom(meta)); body != "" {
		if err := c.sendText(ctx, recvType, recvID, body); err != nil {
			return err
		}
	}
	for _, p := range mediaParts {
		if err := c.sendMediaTo(ctx, recvType, recvID, p); err != nil {
			slog.Warn("feishu media send failed", "type", p.Type, "error", err)
		}
	}
	return nil
}

// SendMedia delivers one media part to the resolved receive id.
func (c *Channel) SendMedia(ctx context.Context, toHandle string, part channels.Part, meta map[string]any) error {
	recvType, recvID, ok := c.resolveReceive(toHandle, meta)
	if !ok {
		return nil
	}
	return c.sendMediaTo(ctx, recvType, recvID, part)
}

// SendEvent forwards through the default event path.
func (c *Channel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return c.ForwardEvent(ctx, c, userID, sessionID, ev, meta)
}

// resolveReceive finds (receive_id_type, receive_id): explicit meta wins,
// then the handle itself, then the persisted store keyed by the short
// session id.
func (c *Channel) resolveReceive(toHandle string, meta map[string]any) (recvType, recvID string, ok bool) {
	if meta != nil {
		if id, _ := meta["receive_id"].(string); id != "" {
			t, _ := meta["receive_id_type"].(string)
			if t == "" {
				t = larkim.ReceiveIdTypeOpenId
			}
			return t, id, true
		}
	}
	s := strings.TrimSpace(toHandle)
	switch {
	case strings.HasPrefix(s, "feishu:sw:"):
		if t, id, found := c.routes.GetPair(s); found {
			return t, id, true
		}
		return "", "", false
	case strings.HasPrefix(s, "feishu:chat_id:"):
		return larkim.ReceiveIdTypeChatId, strings.TrimPrefix(s, "feishu:chat_id:"), true
	case strings.HasPrefix(s, "feishu:open_id:"):
		return larkim.ReceiveIdTypeOpenId, strings.TrimPrefix(s, "feishu:open_id:"), true
	case strings.HasPrefix(s, "oc_"):
		return larkim.ReceiveIdTypeChatId, s, true
	case strings.HasPrefix(s, "ou_"):
		return larkim.ReceiveIdTypeOpenId, s, true
	case s != "":
		// Unrecognized handles may still be short session ids.
		if t, id, found := c.routes.GetPair("feishu:sw:" + s); found {
			return t, id, true
		}
		return larkim.ReceiveIdTypeOpenId, s, true
	}
	return "", "", false
}

// fenceStartRe matches a code fence glued to the previous line; Feishu's post
// renderer needs the fence on its own line.
var fenceStartRe = regexp.MustCompile("([^\n])(```)")

// sendText sends a markdown post message.
func (c *Channel) sendText(ctx context.Context, recvType, recvID, text string) error {
	normalized := fenceStartRe.ReplaceAllString(text, "$1\n$2")
	doc := map[string]any{
		"zh_cn": map[string]any{
			"content": [][]map[string]any{
				{{"tag": "md", "text": normalized}},
			},
		},
	}
	content, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.createMessage(ctx, recvType, recvID, larkim.MsgTypePost, string(content))
}

// sendMediaTo uploads the part's payload and sends it by platform key: images
// as image messages, everything else as file messages.
func (c *Channel) sendMediaTo(ctx context.Context, recvType, recvID string, part channels.Part) error {
	// Already-uploaded platform media sends by key directly.
	if part.FileID != "" {
		msgType, content, err := keyContent(part.Type, part.FileID)
		if err != nil {
			return err
		}
		return c.createMessage(ctx, recvType, recvID, msgType, content)
	}

	data, filename, err := c.partBytes(ctx, part)
	if err != nil {
		return err
	}

	if part.Type == agent.BlockImage {
		data = media.DownscaleImage(data, media.MaxUploadDimension)
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(bytes.NewReader(data)).
				Build()).
			Build()
		resp, err := c.client.Im.V1.Image.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		if !resp.Success() {
			return fmt.Errorf("upload image: %s (code %d)", resp.Msg, resp.Code)
		}
		content, err := json.Marshal(map[string]string{"image_key": *resp.Data.ImageKey})
		if err != nil {
			return err
		}
		return c.createMessage(ctx, recvType, recvID, larkim.MsgTypeImage, string(content))
	}

	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(feishuFileType(filename)).
			FileName(filename).
			File(bytes.NewReader(data)).
			Build()).
		Build()
	resp, err := c.client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("upload file: %s (code %d)", resp.Msg, resp.Code)
	}
	content, err := json.Marshal(map[string]string{"file_key": *resp.Data.FileKey})
	if err != nil {
		return err
	}
	return c.createMessage(ctx, recvType, recvID, larkim.MsgTypeFile, string(content))
}

// createMessage posts one message through the Open API.
func (c *Channel) createMessage(ctx context.Context, recvType, recvID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(recvType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(recvID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu send: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu send: %s (code %d)", resp.Msg, resp.Code)
	}
	slog.Debug("feishu sent", "msg_type", msgType, "receive_id_type", recvType)
	return nil
}

// partBytes resolves a media part to raw bytes and a filename.
func (c *Channel) partBytes(ctx context.Context, part channels.Part) (data []byte, filename string, err error) {
	filename = strings.TrimSpace(part.FileName)

	if part.AudioData != "" {
		data, _, err = media.DecodePayload(part.AudioData)
		if filename == "" {
			filename = "audio.bin"
		}
		return data, filename, err
	}

	ref := part.FileURL
	if ref == "" {
		ref = part.ImageURL
	}
	if ref == "" {
		ref = part.VideoURL
	}
	if ref == "" {
		return nil, "", fmt.Errorf("media part %s has no payload", part.Type)
	}
	if strings.HasPrefix(ref, "data:") {
		data, _, err = media.DecodePayload(ref)
	} else {
		data, err = c.fetchBytes(ctx, ref)
		if filename == "" {
			filename = path.Base(ref)
		}
	}
	if filename == "" || filename == "." || filename == "/" {
		if part.Type == agent.BlockImage {
			filename = "image.png"
		} else {
			filename = "file.bin"
		}
	}
	return data, filename, err
}

func (c *Channel) fetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

// keyContent builds the message type and content for an already-uploaded
// platform key.
func keyContent(partType, key string) (msgType, content string, err error) {
	m := map[string]string{"file_key": key}
	msgType = larkim.MsgTypeFile
	if partType == agent.BlockImage {
		m = map[string]string{"image_key": key}
		msgType = larkim.MsgTypeImage
	}
	raw, err := json.Marshal(m)
	return msgType, string(raw), err
}

// feishuFileType maps a filename to the upload file_type the API expects.
func feishuFileType(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	switch ext {
	case "opus", "mp4", "pdf", "doc", "xls", "ppt":
		return ext
	case "docx":
		return "doc"
	case "xlsx":
		return "xls"
	case "pptx":
		return "ppt"
	default:
		return "stream"
	}
}

// shortSessionID keeps the last sessionIDSuffixLen chars of a chat or open
// id.
func shortSessionID(id string) string {
	if len(id) <= sessionIDSuffixLen {
		return id
	}
	return id[len(id)-sessionIDSuffixLen:]
}
