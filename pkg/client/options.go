package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/pipeline"
	"github.com/lightforgemedia/go-menshnet/pkg/session"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
)

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger            *slog.Logger
	Transport         transport.Transport // nil selects the hosted MQTT broker
	HTTPClient        *http.Client
	BaseURL           string
	HeartbeatInterval time.Duration
	ReadyTimeout      time.Duration // 0 waits indefinitely
	Sink              pipeline.Sink
	OnDisconnect      func(err error)
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            slog.Default(),
		BaseURL:           command.DefaultBaseURL,
		HeartbeatInterval: session.DefaultHeartbeatInterval,
	}
}

// NewWithOptions creates a client from an Options struct.
func NewWithOptions(apiKey string, opts Options) (*Client, error) {
	return newClient(apiKey, clientConfig{
		logger:            opts.Logger,
		transport:         opts.Transport,
		httpClient:        opts.HTTPClient,
		baseURL:           opts.BaseURL,
		heartbeatInterval: opts.HeartbeatInterval,
		readyTimeout:      opts.ReadyTimeout,
		sink:              opts.Sink,
		onDisconnect:      opts.OnDisconnect,
	})
}
