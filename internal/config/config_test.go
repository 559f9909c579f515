package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DataDir != "~/.copaw" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if !cfg.Channels.Console.Enabled {
		t.Error("console must be enabled by default")
	}
	if cfg.Channels.Discord.Enabled || cfg.Channels.DingTalk.Enabled {
		t.Error("remote adapters must be disabled by default")
	}
	if cfg.Channels.IMessage.PollIntervalSec != 2 || cfg.Channels.IMessage.IMsgPath != "imsg" {
		t.Errorf("imessage defaults = %+v", cfg.Channels.IMessage)
	}
	if cfg.Channels.DingTalk.DebounceMS != 300 {
		t.Errorf("dingtalk debounce = %d", cfg.Channels.DingTalk.DebounceMS)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18760 {
		t.Errorf("gateway defaults = %+v", cfg.Gateway)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18760 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// local overrides
		data_dir: "/tmp/copaw-test",
		channels: {
			discord: {enabled: true, token: "tok"},
		},
		gateway: {host: "0.0.0.0", port: 9999},
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/tmp/copaw-test" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if !cfg.Channels.Discord.Enabled || cfg.Channels.Discord.Token != "tok" {
		t.Errorf("discord = %+v", cfg.Channels.Discord)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 9999 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	// Defaults survive for sections the file omits.
	if cfg.Channels.DingTalk.DebounceMS != 300 {
		t.Errorf("debounce = %d", cfg.Channels.DingTalk.DebounceMS)
	}
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("want parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COPAW_GATEWAY_TOKEN", "secret-token")
	t.Setenv("COPAW_PORT", "28888")
	t.Setenv("COPAW_DINGTALK_CLIENT_ID", "cid")
	t.Setenv("COPAW_DINGTALK_CLIENT_SECRET", "csecret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Token != "secret-token" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	if cfg.Gateway.Port != 28888 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if !cfg.Channels.DingTalk.Enabled {
		t.Error("dingtalk must auto-enable when both credentials arrive via env")
	}
}

func TestEnvAutoEnableNeedsBothCredentials(t *testing.T) {
	t.Setenv("COPAW_FEISHU_APP_ID", "app-only")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Feishu.Enabled {
		t.Error("feishu must stay disabled without the secret")
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Gateway.Token = "never-on-disk"
	cfg.Tailscale.AuthKey = "tskey-never"
	cfg.Channels.Discord.Token = "bot-token"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "never-on-disk") || strings.Contains(string(raw), "tskey-never") {
		t.Error("env-only secrets leaked to disk")
	}
	// The discord token is regular config, it persists.
	if !strings.Contains(string(raw), "bot-token") {
		t.Error("discord token missing from saved config")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestHash(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Error("identical configs must hash equal")
	}
	b.Gateway.Port = 1234
	if a.Hash() == b.Hash() {
		t.Error("changed config must hash differently")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Channels.Discord.Token = "tok"
	cfg.Channels.Feishu.AppSecret = "fs"
	cfg.Gateway.Token = "gw"

	masked := cfg.MaskedCopy()
	if masked.Channels.Discord.Token != secretMask ||
		masked.Channels.Feishu.AppSecret != secretMask ||
		masked.Gateway.Token != secretMask {
		t.Errorf("secrets not masked: %+v", masked)
	}
	if masked.Channels.QQ.AppSecret != "" {
		t.Errorf("empty secret must stay empty, got %q", masked.Channels.QQ.AppSecret)
	}
	if cfg.Channels.Discord.Token != "tok" {
		t.Error("original mutated")
	}
}

func TestSnapshotKeepsRuntimeSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "gw"
	cfg.Tailscale.AuthKey = "ts"

	cp := cfg.Snapshot()
	if cp.Gateway.Token != "gw" || cp.Tailscale.AuthKey != "ts" {
		t.Errorf("snapshot lost env-only secrets: %+v %+v", cp.Gateway, cp.Tailscale)
	}
	cp.Gateway.Port = 1
	if cfg.Gateway.Port == 1 {
		t.Error("snapshot must be a copy")
	}
}

func TestReplaceFrom(t *testing.T) {
	cfg := Default()
	next := Default()
	next.Gateway.Port = 31337
	next.Channels.Discord.Enabled = true

	cfg.ReplaceFrom(next)
	if cfg.Gateway.Port != 31337 || !cfg.Channels.Discord.Enabled {
		t.Errorf("replace missed fields: %+v", cfg.Gateway)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/.copaw", filepath.Join(home, ".copaw")},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDataPath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	p := cfg.DataPath("routes.json")
	if filepath.Dir(p) != cfg.DataDir {
		t.Errorf("DataPath = %q", p)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}
