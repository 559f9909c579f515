package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

const (
	apiBase  = "https://api.dingtalk.com"
	oapiBase = "https://oapi.dingtalk.com"

	tokenTTL = 3600 * time.Second
)

// apiClient wraps the DingTalk Open API calls the adapter needs: access
// tokens, inbound file download URLs and media uploads.
type apiClient struct {
	clientID     string
	clientSecret string
	http         *http.Client

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

func newAPIClient(clientID, clientSecret string) *apiClient {
	return &apiClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// AccessToken returns the cached app access token, refreshing it when the
// fixed 1h TTL has elapsed. Double-checked under the lock so concurrent
// senders refresh once.
func (c *apiClient) AccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpires) {
		return c.token, nil
	}

	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	err := c.postJSON(ctx, apiBase+"/v1.0/oauth2/accessToken", nil, map[string]string{
		"appKey":    c.clientID,
		"appSecret": c.clientSecret,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("get access token: empty token in response")
	}
	c.token = resp.AccessToken
	c.tokenExpires = time.Now().Add(tokenTTL)
	return c.token, nil
}

// MessageFileDownloadURL resolves a downloadCode from an inbound rich message
// into a fetchable URL.
func (c *apiClient) MessageFileDownloadURL(ctx context.Context, downloadCode, robotCode string) (string, error) {
	if downloadCode == "" || robotCode == "" {
		return "", fmt.Errorf("downloadCode and robotCode required")
	}
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	var resp struct {
		DownloadURL string `json:"downloadUrl"`
	}
	err = c.postJSON(ctx, apiBase+"/v1.0/robot/messageFiles/download",
		map[string]string{"x-acs-dingtalk-access-token": token},
		map[string]string{"downloadCode": downloadCode, "robotCode": robotCode},
		&resp)
	if err != nil {
		return "", fmt.Errorf("message file download url: %w", err)
	}
	return resp.DownloadURL, nil
}

// UploadMedia uploads bytes through the legacy oapi media endpoint (the v1.0
// upload path 404s) and returns the media id. mediaType is one of
// image|voice|video|file.
func (c *apiClient) UploadMedia(ctx context.Context, data []byte, mediaType, filename, contentType string) (string, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("media", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/media/upload?access_token=%s&type=%s", oapiBase, token, mediaType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer res.Body.Close()

	var resp struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		MediaID string `json:"media_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("upload media: decode response: %w", err)
	}
	if res.StatusCode >= 400 || resp.ErrCode != 0 {
		return "", fmt.Errorf("upload media: status=%d errcode=%d errmsg=%s",
			res.StatusCode, resp.ErrCode, resp.ErrMsg)
	}
	if resp.MediaID == "" {
		return "", fmt.Errorf("upload media: no media_id in response")
	}
	return resp.MediaID, nil
}

// FetchBytes downloads binary content from a URL.
func (c *apiClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", url, res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

func (c *apiClient) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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
		return fmt.Errorf("POST %s: status=%d body=%s", url, res.StatusCode, truncateBytes(data, 500))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("POST %s: decode response: %w", url, err)
		}
	}
	return nil
}

func truncateBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
