package channels

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/copaw/internal/agent"
)

// FallbackBody merges parts into one text body: text/refusal parts joined with
// newlines, media parts degraded to bracketed descriptions, and the bot prefix
// prepended when the body is non-empty.
func FallbackBody(parts []Part, prefix string) string {
	var lines []string
	for _, p := range parts {
		switch p.Type {
		case agent.BlockText:
			if p.Text != "" {
				lines = append(lines, p.Text)
			}
		case agent.BlockRefusal:
			if p.Refusal != "" {
				lines = append(lines, p.Refusal)
			}
		case agent.BlockImage:
			lines = append(lines, "[Image: "+p.ImageURL+"]")
		case agent.BlockVideo:
			lines = append(lines, "[Video: "+p.VideoURL+"]")
		case agent.BlockAudio:
			lines = append(lines, "[Audio]")
		case agent.BlockFile:
			ref := p.FileURL
			if ref == "" {
				ref = p.FileID
			}
			lines = append(lines, "[File: "+ref+"]")
		case agent.BlockData:
			lines = append(lines, "[Data]")
		}
	}
	body := strings.Join(lines, "\n")
	if body != "" && prefix != "" {
		body = prefix + body
	}
	return body
}

// DeliverParts is the default SendParts behavior: send the merged body via the
// adapter's Send, then hand each media part to its SendMedia hook. Media hook
// failures are logged, not propagated — the text already carried a fallback
// description. Adapters pass themselves as ch so shadowed Send/SendMedia
// implementations are dispatched.
func (b *BaseChannel) DeliverParts(ctx context.Context, ch Channel, toHandle string, parts []Part, meta map[string]any) error {
	body := FallbackBody(parts, b.PrefixFrom(meta))
	if body != "" {
		if err := ch.Send(ctx, toHandle, body, meta); err != nil {
			return err
		}
	}
	for _, p := range parts {
		if !p.IsMedia() {
			continue
		}
		if err := ch.SendMedia(ctx, toHandle, p, meta); err != nil {
			slog.Warn("send media failed", "channel", b.name, "to", toHandle, "type", p.Type, "error", err)
		}
	}
	return nil
}
