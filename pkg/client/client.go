// Package client is the entry point of the SDK: it authenticates an API key,
// discovers the pipelines the key may run and hands out pipeline handles
// bound to one shared session.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/pipeline"
	"github.com/lightforgemedia/go-menshnet/pkg/session"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
	"github.com/lightforgemedia/go-menshnet/pkg/transport/mqtt"
)

// UnknownPipelineError is returned by Pipeline for a name the last setup did
// not list.
type UnknownPipelineError struct {
	Name  string
	Valid []string
}

func (e *UnknownPipelineError) Error() string {
	return fmt.Sprintf("menshnet: unknown pipeline %q, valid names are [%s]", e.Name, strings.Join(e.Valid, ", "))
}

type clientConfig struct {
	logger            *slog.Logger
	transport         transport.Transport
	httpClient        *http.Client
	baseURL           string
	heartbeatInterval time.Duration
	readyTimeout      time.Duration
	sink              pipeline.Sink
	onDisconnect      func(err error)
}

// Option configures the Client.
type Option func(*clientConfig)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransport replaces the default MQTT transport.
func WithTransport(tr transport.Transport) Option {
	return func(c *clientConfig) {
		c.transport = tr
	}
}

// WithHTTPClient sets the HTTP client used for commands.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithBaseURL points the command channel at another service root.
func WithBaseURL(base string) Option {
	return func(c *clientConfig) {
		c.baseURL = base
	}
}

// WithHeartbeatInterval sets the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *clientConfig) {
		c.heartbeatInterval = d
	}
}

// WithReadyTimeout bounds how long pipeline starts wait for the transport.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.readyTimeout = d
	}
}

// WithSink sets where pipelines without their own handlers write logs and
// exceptions.
func WithSink(s pipeline.Sink) Option {
	return func(c *clientConfig) {
		c.sink = s
	}
}

// WithOnDisconnect installs a callback for transport losses.
func WithOnDisconnect(fn func(err error)) Option {
	return func(c *clientConfig) {
		c.onDisconnect = fn
	}
}

// Client is one authenticated connection to the service.
type Client struct {
	config  clientConfig
	cmd     *command.Client
	session *session.Manager

	mu    sync.RWMutex
	ready bool
	names []string
}

// New creates a client for apiKey. Nothing is contacted until Connect.
func New(apiKey string, opts ...Option) (*Client, error) {
	cfg := clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newClient(apiKey, cfg)
}

func newClient(apiKey string, cfg clientConfig) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("menshnet: api key cannot be empty")
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.sink == nil {
		cfg.sink = pipeline.NewConsoleSink(nil)
	}
	if cfg.transport == nil {
		mo := mqtt.DefaultOptions()
		mo.Logger = cfg.logger
		cfg.transport = mqtt.New(mo)
	}

	cmdOpts := []command.Option{command.WithLogger(cfg.logger)}
	if cfg.baseURL != "" {
		cmdOpts = append(cmdOpts, command.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		cmdOpts = append(cmdOpts, command.WithHTTPClient(cfg.httpClient))
	}
	cmd, err := command.New(apiKey, cmdOpts...)
	if err != nil {
		return nil, err
	}

	sessOpts := []session.Option{
		session.WithLogger(cfg.logger),
		session.WithReadyTimeout(cfg.readyTimeout),
	}
	if cfg.heartbeatInterval > 0 {
		sessOpts = append(sessOpts, session.WithHeartbeatInterval(cfg.heartbeatInterval))
	}
	if cfg.onDisconnect != nil {
		sessOpts = append(sessOpts, session.WithOnDisconnect(cfg.onDisconnect))
	}

	return &Client{
		config:  cfg,
		cmd:     cmd,
		session: session.New(cmd, cfg.transport, sessOpts...),
	}, nil
}

// Connect authenticates and fetches the pipeline names. The broker connection
// completes in the background; pipeline starts wait for it.
func (c *Client) Connect(ctx context.Context) error {
	names, err := c.session.Connect(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.names = names
	c.ready = true
	c.mu.Unlock()
	c.config.logger.Info(fmt.Sprintf("Client: connected, pipelines: %s", strings.Join(names, ", ")))
	return nil
}

// Ready reports whether Connect has succeeded.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Names returns the pipelines the key may start, as of the last Connect.
func (c *Client) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.names)
}

// Pipeline returns a new handle for name. Each call yields an independent
// handle with its own resource id.
func (c *Client) Pipeline(name string) (*pipeline.Pipeline, error) {
	c.mu.RLock()
	known := slices.Contains(c.names, name)
	valid := slices.Clone(c.names)
	c.mu.RUnlock()
	if !known {
		return nil, &UnknownPipelineError{Name: name, Valid: valid}
	}
	return pipeline.New(name, c.session,
		pipeline.WithSink(c.config.sink),
		pipeline.WithLogger(c.config.logger),
	), nil
}

// StopResource stops a resource by id and waits for the reply. Use it for
// resources whose handle is not at hand, such as ones started by another
// process.
func (c *Client) StopResource(ctx context.Context, resourceID string) error {
	return c.session.StopSync(ctx, resourceID)
}

// Session exposes the underlying session manager.
func (c *Client) Session() *session.Manager {
	return c.session
}

// Close ends the session. The client cannot be reused.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	return c.session.Close(ctx)
}
