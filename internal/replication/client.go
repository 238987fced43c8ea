package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client talks to the server's sync endpoints. A Remote implementation
// backed by HTTP; the Syncer only sees the interface.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a sync client for baseURL. token, when non-empty,
// is sent as a bearer token on every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Push sends one batch of pending rows.
func (c *Client) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PushResponse{}, fmt.Errorf("marshal push: %w", err)
	}
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", bytes.NewReader(body), &resp); err != nil {
		return PushResponse{}, err
	}
	return resp, nil
}

// Pull fetches rows past the since cursor.
func (c *Client) Pull(ctx context.Context, since int64, limit int) (PullResponse, error) {
	path := fmt.Sprintf("/sync/pull?since=%s", strconv.FormatInt(since, 10))
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return PullResponse{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sync call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sync call %s: HTTP %d: %s", path, resp.StatusCode, truncate(string(respBody), 256))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
