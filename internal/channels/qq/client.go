package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	apiBase        = "https://api.sgroup.qq.com"
	sandboxAPIBase = "https://sandbox.api.sgroup.qq.com"
	tokenURL       = "https://bots.qq.com/app/getAppAccessToken"

	// tokenMargin refreshes the access token this long before it expires.
	tokenMargin = 300 * time.Second
)

// apiClient wraps the QQ bot HTTP API: app access tokens, the gateway URL and
// message sends.
type apiClient struct {
	appID     string
	appSecret string
	base      string
	http      *http.Client

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time

	seqMu sync.Mutex
	seq   map[string]int
}

func newAPIClient(appID, appSecret string, sandbox bool) *apiClient {
	base := apiBase
	if sandbox {
		base = sandboxAPIBase
	}
	return &apiClient{
		appID:     appID,
		appSecret: appSecret,
		base:      base,
		http:      &http.Client{Timeout: 30 * time.Second},
		seq:       make(map[string]int),
	}
}

// AccessToken returns the cached app access token, refreshing it inside the
// margin. The expires_in field arrives as either a number or a string.
func (c *apiClient) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpires.Add(-tokenMargin)) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"appId":        c.appID,
		"clientSecret": c.appSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode >= 400 {
		return "", fmt.Errorf("get access token: status=%d body=%s", res.StatusCode, truncate(raw, 300))
	}

	var resp struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("get access token: decode: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("get access token: empty token in response")
	}
	c.token = resp.AccessToken
	c.tokenExpires = time.Now().Add(parseExpiresIn(resp.ExpiresIn))
	return c.token, nil
}

// ClearToken drops the cached token so the next call fetches a fresh one.
func (c *apiClient) ClearToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}

// GatewayURL fetches the WebSocket gateway endpoint.
func (c *apiClient) GatewayURL(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.request(ctx, http.MethodGet, "/gateway", nil, &resp); err != nil {
		return "", fmt.Errorf("get gateway url: %w", err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("get gateway url: no url in response")
	}
	return resp.URL, nil
}

// SendC2C sends a private text message to a user openid.
func (c *apiClient) SendC2C(ctx context.Context, openID, content, msgID string) error {
	body := map[string]any{
		"content":  content,
		"msg_type": 0,
		"msg_seq":  c.nextSeq(orDefault(msgID, "c2c")),
	}
	if msgID != "" {
		body["msg_id"] = msgID
	}
	return c.request(ctx, http.MethodPost, "/v2/users/"+openID+"/messages", body, nil)
}

// SendGroup sends a text message to a group openid.
func (c *apiClient) SendGroup(ctx context.Context, groupOpenID, content, msgID string) error {
	body := map[string]any{
		"content":  content,
		"msg_type": 0,
		"msg_seq":  c.nextSeq(orDefault(msgID, "group")),
	}
	if msgID != "" {
		body["msg_id"] = msgID
	}
	return c.request(ctx, http.MethodPost, "/v2/groups/"+groupOpenID+"/messages", body, nil)
}

// SendChannel sends a text message to a guild channel.
func (c *apiClient) SendChannel(ctx context.Context, channelID, content, msgID string) error {
	body := map[string]any{"content": content}
	if msgID != "" {
		body["msg_id"] = msgID
	}
	return c.request(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, nil)
}

// nextSeq returns the per-message reply sequence. The API rejects duplicate
// (msg_id, msg_seq) pairs, so each reply to the same inbound message bumps it.
func (c *apiClient) nextSeq(msgID string) int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq[msgID]++
	v := c.seq[msgID]
	if len(c.seq) > 1000 {
		// Trim roughly half; iteration order is fine for a cache. The live
		// key is spared so its sequence survives the trim.
		n := 0
		for k := range c.seq {
			if k == msgID {
				continue
			}
			delete(c.seq, k)
			if n++; n >= 500 {
				break
			}
		}
	}
	return v
}

func (c *apiClient) request(ctx context.Context, method, path string, body, out any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status=%d body=%s", method, path, res.StatusCode, truncate(data, 500))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func parseExpiresIn(raw json.RawMessage) time.Duration {
	secs := 7200
	if len(raw) > 0 {
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			secs = n
		} else {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if v, err := strconv.Atoi(s); err == nil {
					secs = v
				}
			}
		}
	}
	return time.Duration(secs) * time.Second
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
