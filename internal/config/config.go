// Package config defines the runner configuration: which channel adapters are
// enabled, their credentials and tunables, plus the ambient gateway, cron and
// telemetry settings. Config is loaded from a JSON5 file with COPAW_* env
// overrides on top.
package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration for the copaw runner.
type Config struct {
	DataDir   string          `json:"data_dir,omitempty"` // routing-state directory (default ~/.copaw)
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the local status HTTP server.
type GatewayConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env COPAW_GATEWAY_TOKEN only
}

// TailscaleConfig configures the optional tsnet listener for the status
// server. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env COPAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// TelemetryConfig configures OpenTelemetry span export for message dispatch.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "copaw"
	Headers     map[string]string `json:"headers,omitempty"`
}

// CronConfig configures scheduled message dispatch.
type CronConfig struct {
	Jobs []CronJob `json:"jobs,omitempty"`
}

// CronJob is one scheduled dispatch. Channel/UserID/SessionID select the
// target conversation; when empty, the most recently active conversation is
// used.
type CronJob struct {
	Name      string `json:"name"`
	Schedule  string `json:"schedule"` // standard 5-field cron expression
	Text      string `json:"text"`
	Channel   string `json:"channel,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config hot-reload path.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DataDir = src.DataDir
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Snapshot returns a deep copy of the config for lock-free reading.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}
	cp.Gateway.Token = c.Gateway.Token
	cp.Tailscale.AuthKey = c.Tailscale.AuthKey
	return cp
}
