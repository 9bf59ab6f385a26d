package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the single long-lived HTTP connection pool to the device
// gateway. Service handles acquire a session against it and invoke methods
// through it; refreshing a handle never tears the client down.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// AcquireSession opens a fresh session for one service. This is the
// "get a new handle" step; the caller keeps the returned session id.
func (c *Client) AcquireSession(ctx context.Context, serviceID string) (string, error) {
	url := fmt.Sprintf("%s/services/%s/session", c.baseURL, serviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("acquire session for %s: %w", serviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("acquire session for %s: %s", serviceID, readError(resp))
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response for %s: %w", serviceID, err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("acquire session for %s: empty session id", serviceID)
	}
	return out.SessionID, nil
}

// Call invokes one method on a service. args is marshaled as the JSON body;
// a non-nil out receives the decoded response body.
func (c *Client) Call(ctx context.Context, serviceID, sessionID, method string, args, out any) error {
	var body io.Reader
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s.%s args: %w", serviceID, method, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/services/%s/%s", c.baseURL, serviceID, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create %s.%s request: %w", serviceID, method, err)
	}
	c.setHeaders(req)
	req.Header.Set("X-Session", sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s.%s: %w", serviceID, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s.%s: %s", serviceID, method, readError(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s.%s response: %w", serviceID, method, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, env.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
