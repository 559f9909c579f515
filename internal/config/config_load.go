package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults. The console adapter is the
// only one enabled out of the box.
func Default() *Config {
	return &Config{
		DataDir: "~/.copaw",
		Channels: ChannelsConfig{
			Console: ConsoleConfig{Enabled: true},
			IMessage: IMessageConfig{
				DBPath:          "~/Library/Messages/chat.db",
				IMsgPath:        "imsg",
				PollIntervalSec: 2,
			},
			DingTalk: DingTalkConfig{DebounceMS: 300},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18760,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("COPAW_DATA_DIR", &c.DataDir)

	envStr("COPAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("COPAW_DINGTALK_CLIENT_ID", &c.Channels.DingTalk.ClientID)
	envStr("COPAW_DINGTALK_CLIENT_SECRET", &c.Channels.DingTalk.ClientSecret)
	envStr("COPAW_DINGTALK_ROBOT_CODE", &c.Channels.DingTalk.RobotCode)
	envStr("COPAW_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("COPAW_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("COPAW_QQ_APP_ID", &c.Channels.QQ.AppID)
	envStr("COPAW_QQ_APP_SECRET", &c.Channels.QQ.AppSecret)
	envStr("COPAW_IMESSAGE_DB", &c.Channels.IMessage.DBPath)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.DingTalk.ClientID != "" && c.Channels.DingTalk.ClientSecret != "" {
		c.Channels.DingTalk.Enabled = true
	}
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	if c.Channels.QQ.AppID != "" && c.Channels.QQ.AppSecret != "" {
		c.Channels.QQ.Enabled = true
	}

	envStr("COPAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("COPAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("COPAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("COPAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("COPAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("COPAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("COPAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("COPAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("COPAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("COPAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("COPAW_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a short SHA-256 hash of the config, used by the hot-reload
// watcher to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the status server so credentials never leave the process.
func (c *Config) MaskedCopy() *Config {
	cp := c.Snapshot()
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.DingTalk.ClientSecret)
	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Channels.QQ.AppSecret)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// DataPath returns a path inside the expanded data directory, creating the
// directory if needed.
func (c *Config) DataPath(name string) string {
	dir := ExpandHome(c.DataDir)
	if dir == "" {
		dir = "."
	}
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, name)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
