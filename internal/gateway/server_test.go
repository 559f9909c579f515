package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/copaw/internal/agent"
	"github.com/nextlevelbuilder/copaw/internal/channels"
	"github.com/nextlevelbuilder/copaw/internal/config"
)

type stubChannel struct {
	*channels.BaseChannel
}

var _ channels.Channel = (*stubChannel)(nil)

func (s *stubChannel) Start(context.Context) error { return nil }
func (s *stubChannel) Stop(context.Context) error  { return nil }

func (s *stubChannel) Send(context.Context, string, string, map[string]any) error { return nil }

func (s *stubChannel) SendParts(ctx context.Context, toHandle string, parts []channels.Part, meta map[string]any) error {
	return s.DeliverParts(ctx, s, toHandle, parts, meta)
}

func (s *stubChannel) SendEvent(ctx context.Context, userID, sessionID string, ev agent.Event, meta map[string]any) error {
	return s.ForwardEvent(ctx, s, userID, sessionID, ev, meta)
}

func testServer(token string) *Server {
	cfg := config.Default()
	cfg.Gateway.Token = token
	return NewServer(cfg, channels.NewManager(), "test")
}

func TestHealthz(t *testing.T) {
	srv := testServer("secret")
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %+v", body)
	}
}

func TestStatusAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"no token configured allows all", "", "", http.StatusOK},
		{"missing header rejected", "secret", "", http.StatusUnauthorized},
		{"wrong token rejected", "secret", "Bearer nope", http.StatusUnauthorized},
		{"bare token without scheme rejected", "secret", "secret", http.StatusUnauthorized},
		{"correct bearer token accepted", "secret", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(tt.token)
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.BuildMux().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatusBody(t *testing.T) {
	cfg := config.Default()
	manager := channels.NewManager()
	manager.Register(&stubChannel{
		BaseChannel: channels.NewBaseChannel("console", channels.Options{Enabled: true}),
	})
	srv := NewServer(cfg, manager, "test")

	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body struct {
		Version  string                     `json:"version"`
		Channels map[string]map[string]bool `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "test" {
		t.Errorf("version = %q", body.Version)
	}
	st, ok := body.Channels["console"]
	if !ok {
		t.Fatalf("channels = %+v", body.Channels)
	}
	if !st["enabled"] || st["running"] {
		t.Errorf("console status = %+v", st)
	}
}

func TestConfigEndpointMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Discord.Enabled = true
	cfg.Channels.Discord.Token = "super-secret-token"
	srv := NewServer(cfg, channels.NewManager(), "test")

	t.Run("requires auth when a token is set", func(t *testing.T) {
		cfg.Gateway.Token = "gw"
		defer func() { cfg.Gateway.Token = "" }()
		rec := httptest.NewRecorder()
		srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("secrets never leave the process", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		body := rec.Body.String()
		if strings.Contains(body, "super-secret-token") {
			t.Error("credential leaked through the config endpoint")
		}
		if !strings.Contains(body, `"token": "***"`) && !strings.Contains(body, `"token":"***"`) {
			t.Errorf("masked token missing: %s", body)
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	srv := testServer("")
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
