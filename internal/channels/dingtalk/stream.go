package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	chatbotTopic = "/v1.0/im/bot/messages/get"

	frameTypeSystem   = "SYSTEM"
	frameTypeCallback = "CALLBACK"

	topicPing       = "ping"
	topicDisconnect = "disconnect"

	reconnectDelay = 3 * time.Second
)

// streamFrame is one downstream message on the stream-mode socket. Data is a
// JSON document carried as a string.
type streamFrame struct {
	SpecVersion string            `json:"specVersion"`
	Type        string            `json:"type"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

// streamAck is the upstream acknowledgement for a frame.
type streamAck struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data"`
}

// callbackFunc handles one chatbot callback payload. The returned string is
// the ack data (may be empty).
type callbackFunc func(ctx context.Context, data []byte) string

// streamClient maintains the stream-mode connection: open a ticketed
// endpoint, read frames, answer pings, dispatch chatbot callbacks, reconnect
// on any failure.
type streamClient struct {
	clientID     string
	clientSecret string
	onCallback   callbackFunc
	http         *http.Client

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newStreamClient(clientID, clientSecret string, onCallback callbackFunc) *streamClient {
	return &streamClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		onCallback:   onCallback,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

// Run connects and reads until the context is cancelled, reconnecting after
// a fixed delay on every failure.
func (s *streamClient) Run(ctx context.Context) {
	for {
		if err := s.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("dingtalk stream disconnected", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *streamClient) connectAndServe(ctx context.Context) error {
	endpoint, ticket, err := s.openConnection(ctx)
	if err != nil {
		return err
	}

	wsURL := endpoint + "?ticket=" + url.QueryEscape(ticket)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream endpoint: %w", err)
	}
	s.conn = conn
	defer conn.Close()
	slog.Info("dingtalk stream connected")

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var frame streamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Warn("dingtalk stream: bad frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameTypeSystem:
			switch frame.Headers["topic"] {
			case topicPing:
				// Pong echoes the ping data.
				s.ack(frame, frame.Data)
			case topicDisconnect:
				return fmt.Errorf("server requested disconnect")
			}
		case frameTypeCallback:
			if frame.Headers["topic"] != chatbotTopic {
				s.ack(frame, "")
				continue
			}
			// The callback blocks on the reply future; each frame gets its
			// own goroutine so the socket keeps reading.
			go func(frame streamFrame) {
				data := s.onCallback(ctx, []byte(frame.Data))
				s.ack(frame, data)
			}(frame)
		}
	}
}

// openConnection requests a ticketed websocket endpoint.
func (s *streamClient) openConnection(ctx context.Context) (endpoint, ticket string, err error) {
	body, err := json.Marshal(map[string]any{
		"clientId":     s.clientID,
		"clientSecret": s.clientSecret,
		"ua":           "copaw/1.0",
		"subscriptions": []map[string]string{
			{"type": frameTypeCallback, "topic": chatbotTopic},
		},
	})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("open stream connection: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", "", err
	}
	if res.StatusCode >= 400 {
		return "", "", fmt.Errorf("open stream connection: status=%d body=%s",
			res.StatusCode, truncateBytes(raw, 300))
	}

	var resp struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", "", fmt.Errorf("open stream connection: decode: %w", err)
	}
	if resp.Endpoint == "" || resp.Ticket == "" {
		return "", "", fmt.Errorf("open stream connection: missing endpoint/ticket")
	}
	return resp.Endpoint, resp.Ticket, nil
}

func (s *streamClient) ack(frame streamFrame, data string) {
	ack := streamAck{
		Code: http.StatusOK,
		Headers: map[string]string{
			"contentType": "application/json",
			"messageId":   frame.Headers["messageId"],
		},
		Message: "OK",
		Data:    data,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteJSON(ack); err != nil {
		slog.Warn("dingtalk stream: ack failed", "error", err)
	}
}
