package channels

import "github.com/nextlevelbuilder/copaw/internal/agent"

// Channel name constants. These are the adapter tags used in config,
// session ids and routing-state keys.
const (
	NameConsole  = "console"
	NameIMessage = "imessage"
	NameDiscord  = "discord"
	NameDingTalk = "dingtalk"
	NameFeishu   = "feishu"
	NameQQ       = "qq"
)

// DefaultChannel is used across the runner when no channel is specified.
const DefaultChannel = NameConsole

// Incoming is the normalized envelope for one inbound platform message.
//
// Text carries the plain body; Content carries typed multimodal items. Meta is
// an open bag for channel-private routing state (conversation ids, webhook
// URLs, reply continuations). An Incoming is created fresh per inbound event
// and consumed exactly once by dispatch; debounce merging may combine several
// into one before that.
type Incoming struct {
	Channel string              `json:"channel"`
	Sender  string              `json:"sender"`
	Text    string              `json:"text"`
	Content []agent.ContentItem `json:"content,omitempty"`
	Meta    map[string]any      `json:"meta,omitempty"`
}

// ContentList returns the content items used to build the canonical request.
// Text-only messages synthesize a single text item so that consumers never
// special-case "text vs. content".
func (in *Incoming) ContentList() []agent.ContentItem {
	if len(in.Content) > 0 {
		return in.Content
	}
	if in.Text != "" {
		return []agent.ContentItem{{Type: agent.BlockText, Text: in.Text}}
	}
	return nil
}

// MetaString returns a string value from the meta bag, or "".
func (in *Incoming) MetaString(key string) string {
	if in.Meta == nil {
		return ""
	}
	if v, ok := in.Meta[key].(string); ok {
		return v
	}
	return ""
}
