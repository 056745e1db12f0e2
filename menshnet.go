// Package menshnet is the Go SDK for the menshnet pipeline service: connect
// with an API key, start named remote pipelines and receive their emit, log
// and exception events.
package menshnet

import (
	"io"
	"log/slog"

	"github.com/lightforgemedia/go-menshnet/pkg/client"
	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/pipeline"
	"github.com/lightforgemedia/go-menshnet/pkg/session"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
)

// Re-export core types
type (
	Client           = client.Client
	Options          = client.Options
	Option           = client.Option
	Pipeline         = pipeline.Pipeline
	PipelineState    = pipeline.State
	Sink             = pipeline.Sink
	EmitHandler      = pipeline.EmitHandler
	LogHandler       = pipeline.LogHandler
	ExceptionHandler = pipeline.ExceptionHandler
	Transport        = transport.Transport
)

// Re-export error types
type (
	ConnectError         = session.ConnectError
	StartError           = session.StartError
	TransportLossError   = session.TransportLossError
	UnknownPipelineError = client.UnknownPipelineError
	HTTPError            = command.HTTPError
)

var (
	ErrNotAuthorized = command.ErrNotAuthorized
	ErrClosed        = session.ErrClosed
	ErrReadyTimeout  = session.ErrReadyTimeout
	ErrInvalidState  = pipeline.ErrInvalidState
	ErrNotConnected  = transport.ErrNotConnected
)

// Pipeline states
const (
	StateCreated  = pipeline.StateCreated
	StateStarting = pipeline.StateStarting
	StateRunning  = pipeline.StateRunning
	StateStopped  = pipeline.StateStopped
)

// New creates a client for apiKey. Call Connect before asking for pipelines.
func New(apiKey string, opts ...client.Option) (*Client, error) {
	return client.New(apiKey, opts...)
}

// NewWithOptions creates a client from an Options struct.
func NewWithOptions(apiKey string, opts Options) (*Client, error) {
	return client.NewWithOptions(apiKey, opts)
}

// DefaultOptions returns the client defaults.
func DefaultOptions() Options {
	return client.DefaultOptions()
}

// NewConsoleSink prints pipeline logs and exceptions to w (stdout when nil).
func NewConsoleSink(w io.Writer) Sink {
	return pipeline.NewConsoleSink(w)
}

// NewLoggerSink routes pipeline logs and exceptions to logger.
func NewLoggerSink(logger *slog.Logger) Sink {
	return pipeline.NewLoggerSink(logger)
}

// Client options
var (
	WithLogger            = client.WithLogger
	WithTransport         = client.WithTransport
	WithHTTPClient        = client.WithHTTPClient
	WithBaseURL           = client.WithBaseURL
	WithHeartbeatInterval = client.WithHeartbeatInterval
	WithReadyTimeout      = client.WithReadyTimeout
	WithSink              = client.WithSink
	WithOnDisconnect      = client.WithOnDisconnect
)
