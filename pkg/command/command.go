// Package command implements the menshnet command channel: JSON POSTs against
// the service's fixed /api endpoints, keyed by the caller's API key.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the service root all command paths are resolved against.
	DefaultBaseURL = "https://menshnet.online/api"

	defaultRequestTimeout = 15 * time.Second
)

// Endpoint paths, relative to the base URL.
const (
	PathSetup      = "/setup"
	PathStart      = "/start"
	PathStop       = "/stop"
	PathHeartbeat  = "/heartbeat"
	PathDisconnect = "/disconnect"
)

// ErrNotAuthorized matches any HTTPError with a 401 or 403 status.
var ErrNotAuthorized = errors.New("api key not authorized")

// HTTPError is returned when the service answers with a non-2xx status.
type HTTPError struct {
	Op         string // setup, start, stop, ...
	StatusCode int
	StatusText string
	Body       string
}

// Error renders "{httpStatusCode}: {statusText}", the form callers of the
// service have always seen.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.StatusText)
}

// Is reports auth failures as ErrNotAuthorized.
func (e *HTTPError) Is(target error) bool {
	if target == ErrNotAuthorized {
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// StartRequest carries everything the service needs to launch one pipeline instance.
type StartRequest struct {
	Name       string
	ResourceID string
	EventTopic string
	Config     any
}

type keyRequest struct {
	APIKey string `json:"apiKey"`
}

type resourceRequest struct {
	APIKey string `json:"apiKey"`
	ResID  string `json:"resId"`
}

type startRequest struct {
	APIKey     string `json:"apiKey"`
	ResID      string `json:"resId"`
	Name       string `json:"name"`
	EventTopic string `json:"event_topic"`
	Config     any    `json:"config"`
}

type setupResponse struct {
	Result struct {
		Names []string `json:"names"`
	} `json:"result"`
}

// Client issues commands for a single API key.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL points the client at a different service root (tests, staging).
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient replaces the default http.Client (15s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a command client for apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", c.baseURL, err)
	}
	return c, nil
}

// APIKey returns the key every command is sent with.
func (c *Client) APIKey() string {
	return c.apiKey
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Setup validates the API key and returns the names of the pipelines it may run.
func (c *Client) Setup(ctx context.Context) ([]string, error) {
	var resp setupResponse
	if err := c.post(ctx, "setup", PathSetup, keyRequest{APIKey: c.apiKey}, &resp); err != nil {
		return nil, err
	}
	names := resp.Result.Names
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// Start launches a pipeline instance. The service's success payload is returned as is.
func (c *Client) Start(ctx context.Context, req StartRequest) (json.RawMessage, error) {
	body := startRequest{
		APIKey:     c.apiKey,
		ResID:      req.ResourceID,
		Name:       req.Name,
		EventTopic: req.EventTopic,
		Config:     req.Config,
	}
	var raw json.RawMessage
	if err := c.post(ctx, "start", PathStart, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Stop asks the service to stop the instance identified by resID.
func (c *Client) Stop(ctx context.Context, resID string) error {
	return c.post(ctx, "stop", PathStop, resourceRequest{APIKey: c.apiKey, ResID: resID}, nil)
}

// Heartbeat keeps the API key's session alive on the service side.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "heartbeat", PathHeartbeat, keyRequest{APIKey: c.apiKey}, nil)
}

// Disconnect tells the service this client is going away.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.post(ctx, "disconnect", PathDisconnect, keyRequest{APIKey: c.apiKey}, nil)
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: execute request: %w", op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("command failed", "op", op, "status", resp.StatusCode, "body", string(respBody))
		return &HTTPError{
			Op:         op,
			StatusCode: resp.StatusCode,
			StatusText: reasonPhrase(resp),
			Body:       string(respBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// reasonPhrase returns the server's status text, e.g. "Forbidden" from
// "403 Forbidden", falling back to the canonical text for the code.
func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		return http.StatusText(resp.StatusCode)
	}
	return reason
}
