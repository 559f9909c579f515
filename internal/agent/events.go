// Package agent defines the canonical request/event shapes exchanged between
// the channel layer and the agent-processing pipeline. The pipeline itself is
// an external collaborator: channels hand it a Request and drain an ordered,
// single-pass stream of Events.
package agent

import "context"

// Object kinds carried by Event.
const (
	ObjectMessage  = "message"
	ObjectResponse = "response"
)

// Run statuses. Only completed messages are rendered to the user.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Message types emitted by the pipeline.
const (
	TypeMessage            = "message"
	TypeFunctionCall       = "function_call"
	TypePluginCall         = "plugin_call"
	TypeMCPToolCall        = "mcp_tool_call"
	TypeFunctionCallOutput = "function_call_output"
	TypePluginCallOutput   = "plugin_call_output"
	TypeMCPToolCallOutput  = "mcp_tool_call_output"
)

// Block content types.
const (
	BlockText     = "text"
	BlockRefusal  = "refusal"
	BlockThinking = "thinking"
	BlockImage    = "image"
	BlockVideo    = "video"
	BlockAudio    = "audio"
	BlockFile     = "file"
	BlockData     = "data"
)

// ContentItem is one typed input item of a Request.
type ContentItem struct {
	Type string         `json:"type"` // text, image, video, audio, file
	Text string         `json:"text,omitempty"`
	URL  string         `json:"url,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Request is the canonical request built once per inbound message.
// Immutable after construction.
type Request struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Channel   string        `json:"channel"`
	Input     []ContentItem `json:"input"`
}

// Block is one typed content unit inside a Message.
type Block struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	URL      string         `json:"url,omitempty"`
	Base64   string         `json:"base64,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Message is one canonical pipeline message. For tool calls ToolName and
// Arguments are set; for tool outputs either Output (block list) or
// OutputText (plain string result) is set.
type Message struct {
	ID         string  `json:"id,omitempty"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Content    []Block `json:"content,omitempty"`
	ToolName   string  `json:"tool_name,omitempty"`
	Arguments  string  `json:"arguments,omitempty"`
	Output     []Block `json:"output,omitempty"`
	OutputText string  `json:"output_text,omitempty"`
}

// Error is the terminal error carried by a failed response event.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Event is one element of the pipeline's ordered event stream.
// Object == "message": Message is set; only Status == completed is rendered.
// Object == "response": terminates the stream; Error is set when the run failed.
type Event struct {
	Object  string   `json:"object"`
	Status  string   `json:"status,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   *Error   `json:"error,omitempty"`
}

// Process is the pipeline contract. The returned channel is closed after the
// terminal response event; it must be fully drained by the caller. The stream
// is never restarted.
type Process func(ctx context.Context, req *Request) (<-chan Event, error)

// NewTextMessage builds a completed text message event, used by tests and by
// in-process pipelines.
func NewTextMessage(text string) Event {
	return Event{
		Object: ObjectMessage,
		Status: StatusCompleted,
		Message: &Message{
			Type:    TypeMessage,
			Status:  StatusCompleted,
			Content: []Block{{Type: BlockText, Text: text}},
		},
	}
}
