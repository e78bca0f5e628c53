package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the coordination server.
type Client struct {
	serverURL string
	token     string
	userAgent string
	http      *http.Client
}

func NewClient(serverURL, token, userAgent string) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		userAgent: userAgent,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Register announces node with POST /nodes.
func (c *Client) Register(ctx context.Context, node Node) error {
	body, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/nodes", body)
	return err
}

// Heartbeat refreshes the node. expired is true when the server no longer
// knows the node and it must register again.
func (c *Client) Heartbeat(ctx context.Context, id string) (expired bool, err error) {
	status, err := c.do(ctx, http.MethodPut, "/nodes/"+url.PathEscape(id)+"/heartbeat", nil)
	if status == http.StatusNotFound {
		return true, nil
	}
	return false, err
}

// Deregister removes the node with DELETE /nodes/{id}.
func (c *Client) Deregister(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%s %s: server returned %s", method, path, resp.Status)
	}
	return resp.StatusCode, nil
}

// registerBackoff is the wait after each failed registration attempt; the
// last attempt is not followed by a wait.
var registerBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Announce registers node with retries and then heartbeats every interval
// until ctx is cancelled. Failures are logged, never fatal.
func Announce(ctx context.Context, c *Client, node Node, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	registerWithRetry(ctx, c, node, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		expired, err := c.Heartbeat(ctx, node.ID)
		switch {
		case err != nil:
			logger.Warn("Heartbeat failed", "error", err)
		case expired:
			logger.Warn("Node expired on server, registering again", "id", node.ID)
			if err := c.Register(ctx, node); err != nil {
				logger.Warn("Re-registration failed", "error", err)
			}
		}
	}
}

func registerWithRetry(ctx context.Context, c *Client, node Node, logger *slog.Logger) bool {
	for attempt, delay := range registerBackoff {
		err := c.Register(ctx, node)
		if err == nil {
			logger.Info("Registered node with server", "id", node.ID, "server", c.serverURL)
			return true
		}
		logger.Warn("Remote registration failed",
			"attempt", attempt+1,
			"attempts", len(registerBackoff),
			"error", err)
		if attempt == len(registerBackoff)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	logger.Warn("Giving up on remote registration", "attempts", len(registerBackoff))
	return false
}
