package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// CommandResult is a tracker.Response whose data is still encoded.
type CommandResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the result data into out. A failed command is returned
// as an error.
func (r *CommandResult) Decode(out any) error {
	if !r.Success {
		return fmt.Errorf("command failed: %s", r.Error)
	}
	if len(r.Data) == 0 || out == nil {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

// Client talks to a running server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL ("127.0.0.1:8421" or a full URL).
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Tabs fetches every tab tree.
func (c *Client) Tabs(ctx context.Context) ([]tracker.TabTree, error) {
	var trees []tracker.TabTree
	if err := c.do(ctx, http.MethodGet, "/api/tabs", nil, &trees); err != nil {
		return nil, err
	}
	return trees, nil
}

// Command posts req to /api/command.
func (c *Client) Command(ctx context.Context, req tracker.Request) (*CommandResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var res CommandResult
	if err := c.do(ctx, http.MethodPost, "/api/command", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Run posts req and decodes a successful result into out.
func (c *Client) Run(ctx context.Context, req tracker.Request, out any) error {
	res, err := c.Command(ctx, req)
	if err != nil {
		return err
	}
	return res.Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload apiErrorResponse
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
