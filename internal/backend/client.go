// Package backend talks to the session HTTP API that issues session ids.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/protocol/session"
)

var (
	ErrSessionNotFound  = errors.New("backend: session not found or expired")
	ErrUnexpectedStatus = errors.New("backend: unexpected status")
)

// CreateResponse is returned by POST /session/create.
type CreateResponse struct {
	SessionID    string `json:"session_id"`
	UploadURL    string `json:"upload_url"`
	WebsocketURL string `json:"websocket_url"`
	WSURL        string `json:"ws_url"`
	QRData       string `json:"qr_data"`
	ExpiresIn    int    `json:"expires_in"`
}

// Info is returned by GET /session/{id}/info. Times are ISO-8601 strings as
// issued by the server.
type Info struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
	Connected     bool   `json:"connected"`
	FilesCount    int    `json:"files_count"`
	TimeRemaining int    `json:"time_remaining"`
}

// ExpiresFrom converts TimeRemaining into an absolute expiry relative to now.
func (i Info) ExpiresFrom(now time.Time) time.Time {
	return now.Add(time.Duration(i.TimeRemaining) * time.Second)
}

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex
	rng *rand.Rand
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WebsocketURL derives the session socket URL from the API base URL.
func (c *Client) WebsocketURL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + sessionID
	return u.String(), nil
}

func (c *Client) CreateSession(ctx context.Context) (CreateResponse, error) {
	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, "/session/create", &out); err != nil {
		return CreateResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return CreateResponse{}, fmt.Errorf("backend: create response missing session_id")
	}
	return out, nil
}

func (c *Client) SessionInfo(ctx context.Context, sessionID string) (Info, error) {
	var out Info
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/info", &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil)
}

// WaitForSession polls SessionInfo until it succeeds or attempts run out. A
// freshly created session may not be visible yet, so not-found is retried too; the
// last error is returned.
func (c *Client) WaitForSession(ctx context.Context, sessionID string, attempts int, backoff session.BackoffConfig) (Info, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		info, err := c.SessionInfo(ctx, sessionID)
		if err == nil {
			return info, nil
		}
		lastErr = err
		logs.Warnf("backend.Client session info attempt=%d/%d session=%q err=%v", attempt, attempts, sessionID, err)
		if attempt == attempts {
			break
		}
		if err := c.sleepBackoff(ctx, backoff, attempt); err != nil {
			return Info{}, err
		}
	}
	return Info{}, lastErr
}

func (c *Client) sleepBackoff(ctx context.Context, cfg session.BackoffConfig, attempt int) error {
	c.mu.Lock()
	delay := session.NextBackoffDelay(cfg, attempt, c.rng)
	c.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s status=%d body=%q", ErrUnexpectedStatus, method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}
