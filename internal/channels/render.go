package channels

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/copaw/internal/agent"
)

// Part is one outbound rendering unit produced from a canonical message and
// consumed by each adapter's SendParts.
type Part struct {
	Type      string // text, refusal, image, video, audio, file, data
	Text      string
	Refusal   string
	ImageURL  string // URL, path, or data: URL for base64 payloads
	VideoURL  string
	AudioData string // base64 payload
	FileURL   string
	FileID    string // already-uploaded platform media identifier
	MimeType  string
	FileName  string
}

// IsMedia reports whether the part references media rather than inline text.
func (p Part) IsMedia() bool {
	switch p.Type {
	case agent.BlockImage, agent.BlockVideo, agent.BlockAudio, agent.BlockFile:
		return true
	}
	return false
}

const (
	toolArgsPreviewLimit   = 200
	toolOutputPreviewLimit = 500
)

// RenderMessage converts one canonical message into outbound parts. Pure
// function of the message content: rendering the same message twice yields
// identical parts. Never returns an empty part list: a message that renders
// to nothing (unrecognized type, empty content, every block sanitized away)
// yields a single placeholder part naming the type.
func RenderMessage(msg *agent.Message, showToolDetails bool) []Part {
	var parts []Part

	switch msg.Type {
	case agent.TypeMessage:
		parts = renderContentBlocks(msg.Content, showToolDetails)

	case agent.TypeFunctionCall, agent.TypePluginCall, agent.TypeMCPToolCall:
		preview := "..."
		if showToolDetails {
			preview = Truncate(msg.Arguments, toolArgsPreviewLimit)
		}
		text := fmt.Sprintf("🔧 **%s**", msg.ToolName)
		if preview != "" {
			text += "\n" + preview
		}
		parts = []Part{{Type: agent.BlockText, Text: text}}

	case agent.TypeFunctionCallOutput, agent.TypePluginCallOutput, agent.TypeMCPToolCallOutput:
		parts = renderToolOutput(msg, showToolDetails)
	}

	if len(parts) == 0 {
		parts = []Part{{Type: agent.BlockText, Text: fmt.Sprintf("[Message type: %s]", msg.Type)}}
	}
	return parts
}

// renderContentBlocks maps message content blocks 1:1 to parts. Text blocks
// pass through sanitization; blocks that sanitize to nothing, and NO_REPLY
// blocks, are dropped.
func renderContentBlocks(blocks []agent.Block, showToolDetails bool) []Part {
	var parts []Part
	for _, b := range blocks {
		switch b.Type {
		case agent.BlockText, agent.BlockThinking:
			text := agent.SanitizeText(b.Text)
			if text != "" && !agent.IsSilentReply(text) {
				parts = append(parts, Part{Type: agent.BlockText, Text: text})
			}
		case agent.BlockRefusal:
			if b.Text != "" {
				parts = append(parts, Part{Type: agent.BlockRefusal, Refusal: b.Text})
			}
		case agent.BlockImage:
			parts = append(parts, Part{Type: agent.BlockImage, ImageURL: mediaRef(b), MimeType: b.MimeType})
		case agent.BlockVideo:
			parts = append(parts, Part{Type: agent.BlockVideo, VideoURL: mediaRef(b), MimeType: b.MimeType})
		case agent.BlockAudio:
			parts = append(parts, Part{Type: agent.BlockAudio, AudioData: b.Base64, MimeType: b.MimeType})
		case agent.BlockFile:
			parts = append(parts, Part{Type: agent.BlockFile, FileURL: b.URL, FileName: b.FileName, MimeType: b.MimeType})
		case agent.BlockData:
			if showToolDetails {
				parts = append(parts, Part{Type: agent.BlockText, Text: dataPreview(b.Data)})
			} else {
				parts = append(parts, Part{Type: agent.BlockText, Text: "..."})
			}
		}
	}
	return parts
}

// renderToolOutput renders a *_output message: a labeled header plus either
// the tool's content-block list or a truncated string preview. With tool
// details hidden only media blocks survive; if none exist a placeholder is
// emitted instead of the real result.
func renderToolOutput(msg *agent.Message, showToolDetails bool) []Part {
	header := fmt.Sprintf("✅ **%s**", msg.ToolName)

	if len(msg.Output) > 0 {
		var texts []Part
		var media []Part
		for _, b := range msg.Output {
			switch b.Type {
			case agent.BlockText, agent.BlockThinking:
				if b.Text != "" {
					texts = append(texts, Part{Type: agent.BlockText, Text: b.Text})
				}
			case agent.BlockImage:
				media = append(media, Part{Type: agent.BlockImage, ImageURL: mediaRef(b), MimeType: b.MimeType})
			case agent.BlockVideo:
				media = append(media, Part{Type: agent.BlockVideo, VideoURL: mediaRef(b), MimeType: b.MimeType})
			case agent.BlockAudio:
				media = append(media, Part{Type: agent.BlockAudio, AudioData: b.Base64, MimeType: b.MimeType})
			case agent.BlockFile:
				media = append(media, Part{Type: agent.BlockFile, FileURL: b.URL, FileName: b.FileName, MimeType: b.MimeType})
			}
		}
		if !showToolDetails {
			if len(media) > 0 {
				return media
			}
			return []Part{{Type: agent.BlockText, Text: header}}
		}
		parts := []Part{{Type: agent.BlockText, Text: header}}
		parts = append(parts, texts...)
		parts = append(parts, media...)
		return parts
	}

	if !showToolDetails {
		return []Part{{Type: agent.BlockText, Text: header}}
	}
	preview := Truncate(msg.OutputText, toolOutputPreviewLimit)
	text := header
	if preview != "" {
		text += "\n" + preview
	}
	return []Part{{Type: agent.BlockText, Text: text}}
}

// mediaRef picks the block's URL, falling back to a data URL for inline
// base64 payloads.
func mediaRef(b agent.Block) string {
	if b.URL != "" {
		return b.URL
	}
	if b.Base64 != "" {
		mime := b.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		return "data:" + mime + ";base64," + b.Base64
	}
	return ""
}

// dataPreview renders an opaque data block as compact JSON, truncated.
func dataPreview(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return Truncate(string(raw), toolOutputPreviewLimit)
}
