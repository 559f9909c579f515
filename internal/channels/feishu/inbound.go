package feishu

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
)

const (
	// dedupMax bounds the processed message-id set; the platform redelivers
	// events it considers unacknowledged.
	dedupMax = 1000

	resourceTimeout = 15 * time.Second
)

// onMessage handles one inbound event: dedup, parse, download media, persist
// the receive id and enqueue.
func (c *Channel) onMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil || event.Event.Sender == nil {
		return
	}
	message := event.Event.Message
	sender := event.Event.Sender

	messageID := strings.TrimSpace(ptrStr(message.MessageId))
	if c.seen.Seen(messageID) {
		return
	}
	if ptrStr(sender.SenderType) == "bot" {
		return
	}

	senderID := ""
	if sender.SenderId != nil {
		senderID = strings.TrimSpace(ptrStr(sender.SenderId.OpenId))
	}
	if senderID == "" {
		senderID = "unknown_" + channels.Truncate(messageID, 8)
	}
	display := senderTag(c.names.Lookup(ctx, senderID), senderID)

	chatID := strings.TrimSpace(ptrStr(message.ChatId))
	chatType := strings.TrimSpace(ptrStr(message.ChatType))
	if chatType == "" {
		chatType = "p2p"
	}
	msgType := strings.TrimSpace(ptrStr(message.MessageType))
	if msgType == "" {
		msgType = larkim.MsgTypeText
	}
	raw := ptrStr(message.Content)

	var text string
	var content []agent.ContentItem
	switch msgType {
	case larkim.MsgTypeText:
		text = strings.TrimSpace(contentKey(raw, "text"))
	case larkim.MsgTypeImage:
		key := contentKey(raw, "image_key", "file_key")
		if item := c.downloadResource(ctx, messageID, key, "image", agent.BlockImage); item != nil {
			content = append(content, *item)
		} else {
			text = "[image: download failed]"
		}
	case larkim.MsgTypeFile:
		key := contentKey(raw, "file_key")
		if item := c.downloadResource(ctx, messageID, key, "file", agent.BlockFile); item != nil {
			content = append(content, *item)
		} else {
			text = "[file: download failed]"
		}
	default:
		text = "[" + msgType + "]"
	}
	if text == "" && len(content) == 0 {
		return
	}

	recvType, recvID := larkim.ReceiveIdTypeOpenId, senderID
	if chatType == "group" && chatID != "" {
		recvType, recvID = larkim.ReceiveIdTypeChatId, chatID
	}

	in := &channels.Incoming{
		Channel: channels.NameFeishu,
		Sender:  display,
		Text:    text,
		Content: content,
		Meta: map[string]any{
			"message_id":      messageID,
			"chat_id":         chatID,
			"chat_type":       chatType,
			"sender_id":       senderID,
			"receive_id":      recvID,
			"receive_id_type": recvType,
		},
	}

	// Persist the route now so proactive sends to this session resolve even
	// if dispatch fails downstream.
	key := c.HandleFromTarget(display, c.ToAgentRequest(in).SessionID)
	if err := c.routes.PutPair(key, recvType, recvID); err != nil {
		slog.Warn("feishu: persist receive id failed", "error", err)
	}

	slog.Info("feishu received",
		"from", display, "chat_type", chatType, "msg_type", msgType,
		"preview", channels.Truncate(text, 100))
	select {
	case c.queue <- in:
	default:
		slog.Warn("feishu queue full, dropping message", "from", display)
	}
}

// downloadResource fetches an inbound message attachment and repackages it as
// an inline data URL content item.
func (c *Channel) downloadResource(ctx context.Context, messageID, fileKey, resourceType, blockType string) *agent.ContentItem {
	if fileKey == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, resourceTimeout)
	defer cancel()

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()
	resp, err := c.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		slog.Warn("feishu resource download failed", "type", resourceType, "error", err)
		return nil
	}
	if !resp.Success() {
		slog.Warn("feishu resource download failed",
			"type", resourceType, "code", resp.Code, "msg", resp.Msg)
		return nil
	}
	if resp.File == nil {
		return nil
	}
	data, err := io.ReadAll(resp.File)
	if err != nil || len(data) == 0 {
		return nil
	}
	mime := http.DetectContentType(data)
	return &agent.ContentItem{
		Type: blockType,
		URL:  "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		Meta: map[string]any{"file_name": strings.TrimSpace(resp.FileName)},
	}
}

// contentKey parses the message content JSON and returns the first present
// key.
func contentKey(raw string, keys ...string) string {
	if raw == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// senderTag builds "nickname#last4(open_id)".
func senderTag(nickname, senderID string) string {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		nickname = "unknown"
	}
	suffix := senderID
	if len(senderID) >= 4 {
		suffix = senderID[len(senderID)-4:]
	}
	if suffix == "" {
		suffix = "????"
	}
	return nickname + "#" + suffix
}

// dedupSet is a bounded insertion-ordered id set.
type dedupSet struct {
	mu    sync.Mutex
	max   int
	ids   map[string]struct{}
	order []string
}

func newDedupSet(max int) *dedupSet {
	return &dedupSet{max: max, ids: make(map[string]struct{})}
}

// Seen records the id and reports whether it was already present. Empty ids
// are never deduplicated.
func (d *dedupSet) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	for len(d.order) > d.max {
		delete(d.ids, d.order[0])
		d.order = d.order[1:]
	}
	return false
}

func ptrStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
