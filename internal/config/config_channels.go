package config

// ChannelsConfig holds per-adapter configuration. Each adapter carries the
// shared trio (enabled, bot_prefix, show_tool_details) plus its platform
// credentials and tunables.
type ChannelsConfig struct {
	Console  ConsoleConfig  `json:"console,omitempty"`
	IMessage IMessageConfig `json:"imessage,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	DingTalk DingTalkConfig `json:"dingtalk,omitempty"`
	Feishu   FeishuConfig   `json:"feishu,omitempty"`
	QQ       QQConfig       `json:"qq,omitempty"`
}

// ConsoleConfig configures the local terminal adapter.
type ConsoleConfig struct {
	Enabled         bool   `json:"enabled"`
	BotPrefix       string `json:"bot_prefix,omitempty"`
	ShowToolDetails bool   `json:"show_tool_details,omitempty"`
	Color           *bool  `json:"color,omitempty"` // nil = auto (TTY detection left to caller)
}

// IMessageConfig configures the macOS Messages adapter. The adapter polls the
// Messages database directly and sends through the imsg CLI.
type IMessageConfig struct {
	Enabled         bool   `json:"enabled"`
	BotPrefix       string `json:"bot_prefix,omitempty"`
	ShowToolDetails bool   `json:"show_tool_details,omitempty"`
	DBPath          string `json:"db_path,omitempty"`       // default ~/Library/Messages/chat.db
	IMsgPath        string `json:"imsg_path,omitempty"`     // default "imsg"
	PollIntervalSec int    `json:"poll_interval,omitempty"` // default 2
}

// DiscordConfig configures the Discord bot adapter.
type DiscordConfig struct {
	Enabled         bool   `json:"enabled"`
	Token           string `json:"token,omitempty"`
	BotPrefix       string `json:"bot_prefix,omitempty"`
	ShowToolDetails bool   `json:"show_tool_details,omitempty"`
}

// DingTalkConfig configures the DingTalk stream-mode adapter.
type DingTalkConfig struct {
	Enabled         bool   `json:"enabled"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
	RobotCode       string `json:"robot_code,omitempty"` // defaults to client_id
	BotPrefix       string `json:"bot_prefix,omitempty"`
	ShowToolDetails bool   `json:"show_tool_details,omitempty"`
	DebounceMS      int    `json:"debounce_ms,omitempty"` // default 300
	Markdown        *bool  `json:"markdown,omitempty"`    // default true
}

// FeishuConfig configures the Feishu/Lark long-connection adapter.
type FeishuConfig struct {
	Enabled         bool   `json:"enabled"`
	AppID           string `json:"app_id,omitempty"`
	AppSecret       string `json:"app_secret,omitempty"`
	BotPrefix       string `json:"bot_prefix,omitempty"`
	ShowToolDetails bool   `json:"show_tool_details,omitempty"`
}

// QQConfig configures the QQ bot gateway adapter.
type QQConfig struct {
	Enabled         bool   `json:"enabled"`
	AppID           string `json:"app_id,omitempty"`
	AppSecret       string `json:"app_secret,omitempty"`
	BotPrefix       string `json:"bot_prefix,omitempty"`
	ShowToolDetails bool   `json:"show_tool_details,omitempty"`
	Sandbox         bool   `json:"sandbox,omitempty"` // use the sandbox API environment
}
