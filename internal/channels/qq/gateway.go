package qq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Gateway op codes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intent bitmasks.
const (
	intentPublicGuildMessages = 1 << 30
	intentDirectMessage       = 1 << 12
	intentGroupAndC2C         = 1 << 25
	intentGuildMembers        = 1 << 1
)

const (
	// rateLimitDelay is the cool-down after repeated quick disconnects, which
	// usually mean the gateway is rejecting the session.
	rateLimitDelay = 60 * time.Second

	maxReconnectAttempts = 100

	// quickDisconnectThreshold classifies a connection that died this soon
	// after READY as a quick disconnect.
	quickDisconnectThreshold = 5 * time.Second

	maxQuickDisconnects = 3

	// identifyFailLimit is how many failed identifies keep the full intent
	// set; after that DM and group intents are dropped (apps without those
	// permissions are rejected outright when requesting them).
	identifyFailLimit = 3

	defaultHeartbeat = 45 * time.Second
)

// reconnectDelays is the backoff ladder, capped at its last entry.
var reconnectDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second,
	10 * time.Second, 30 * time.Second, 60 * time.Second,
}

// gwPayload is one gateway frame in either direction.
type gwPayload struct {
	Op int             `json:"op"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// gateway runs the QQ bot WebSocket state machine: identify or resume, answer
// heartbeats, surface dispatch events, reconnect with backoff.
//
// sessionID and identifyFails are only touched from the Run goroutine;
// lastSeq/hasSeq are written by the read loop and read by the heartbeat
// goroutine, so they are atomic.
type gateway struct {
	api     *apiClient
	onEvent func(eventType string, data json.RawMessage)

	sessionID     string
	lastSeq       atomic.Int64
	hasSeq        atomic.Bool
	identifyFails int

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newGateway(api *apiClient, onEvent func(string, json.RawMessage)) *gateway {
	return &gateway{api: api, onEvent: onEvent}
}

// Run connects and serves until the context is cancelled or the attempt limit
// is reached.
func (g *gateway) Run(ctx context.Context) {
	attempts := 0
	quickDisconnects := 0
	var lastReady time.Time

	for {
		ready, err := g.connectAndServe(ctx, &lastReady)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("qq gateway disconnected", "error", err)
		}
		if ready {
			attempts = 0
		}

		delay := reconnectDelays[min(attempts, len(reconnectDelays)-1)]
		if !lastReady.IsZero() && time.Since(lastReady) < quickDisconnectThreshold {
			quickDisconnects++
			if quickDisconnects >= maxQuickDisconnects {
				// The session is being rejected on arrival; start over with a
				// fresh token and a long cool-down.
				g.sessionID = ""
				g.hasSeq.Store(false)
				g.api.ClearToken()
				quickDisconnects = 0
				delay = rateLimitDelay
			}
		} else {
			quickDisconnects = 0
		}

		attempts++
		if attempts >= maxReconnectAttempts {
			slog.Error("qq gateway: max reconnect attempts reached, giving up")
			return
		}
		slog.Info("qq gateway reconnecting", "delay", delay, "attempt", attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndServe runs one connection. Reports whether READY was reached.
func (g *gateway) connectAndServe(ctx context.Context, lastReady *time.Time) (bool, error) {
	token, err := g.api.AccessToken(ctx)
	if err != nil {
		return false, err
	}
	gwURL, err := g.api.GatewayURL(ctx)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.Dial(ctx, gwURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	g.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	ready := false
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ready, nil
			}
			return ready, fmt.Errorf("read frame: %w", err)
		}

		var p gwPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Warn("qq gateway: bad frame", "error", err)
			continue
		}
		if p.S != nil {
			g.lastSeq.Store(*p.S)
			g.hasSeq.Store(true)
		}

		switch p.Op {
		case opHello:
			interval := defaultHeartbeat
			var hello struct {
				HeartbeatInterval int64 `json:"heartbeat_interval"`
			}
			if err := json.Unmarshal(p.D, &hello); err == nil && hello.HeartbeatInterval > 0 {
				interval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
			}
			if g.sessionID != "" && g.hasSeq.Load() {
				g.sendResume(ctx, token)
			} else {
				g.sendIdentify(ctx, token)
			}
			go g.heartbeatLoop(hbCtx, interval)

		case opDispatch:
			switch p.T {
			case "READY":
				var d struct {
					SessionID string `json:"session_id"`
				}
				_ = json.Unmarshal(p.D, &d)
				g.sessionID = d.SessionID
				g.identifyFails = 0
				ready = true
				*lastReady = time.Now()
				slog.Info("qq gateway ready", "session_id", d.SessionID)
			case "RESUMED":
				ready = true
				*lastReady = time.Now()
				slog.Info("qq gateway session resumed")
			default:
				if g.onEvent != nil {
					g.onEvent(p.T, p.D)
				}
			}

		case opHeartbeatAck:
			slog.Debug("qq heartbeat ack")

		case opReconnect:
			slog.Info("qq gateway: server requested reconnect")
			return ready, nil

		case opInvalidSession:
			var canResume bool
			_ = json.Unmarshal(p.D, &canResume)
			slog.Warn("qq gateway: invalid session", "can_resume", canResume)
			if !canResume {
				g.sessionID = ""
				g.hasSeq.Store(false)
				g.identifyFails++
				g.api.ClearToken()
			}
			return ready, nil
		}
	}
}

// intents returns the subscription bitmask. After repeated identify failures
// the DM and group intents are dropped so guild messages still flow for apps
// without those permissions.
func (g *gateway) intents() int {
	intents := intentPublicGuildMessages | intentGuildMembers
	if g.identifyFails < identifyFailLimit {
		intents |= intentDirectMessage | intentGroupAndC2C
	}
	return intents
}

func (g *gateway) sendIdentify(ctx context.Context, token string) {
	g.writeJSON(ctx, map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   "QQBot " + token,
			"intents": g.intents(),
			"shard":   []int{0, 1},
		},
	})
}

func (g *gateway) sendResume(ctx context.Context, token string) {
	g.writeJSON(ctx, map[string]any{
		"op": opResume,
		"d": map[string]any{
			"token":      "QQBot " + token,
			"session_id": g.sessionID,
			"seq":        g.lastSeq.Load(),
		},
	})
}

func (g *gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var seq any
			if g.hasSeq.Load() {
				seq = g.lastSeq.Load()
			}
			g.writeJSON(ctx, map[string]any{"op": opHeartbeat, "d": seq})
		}
	}
}

func (g *gateway) writeJSON(ctx context.Context, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return
	}
	if err := g.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		slog.Debug("qq gateway write failed", "error", err)
	}
}
