// Package pipeline provides the handle for one remote pipeline run: it starts
// and stops the resource and demultiplexes the resource's event stream into
// log, emit and exception callbacks.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/session"
)

// EventTopicPrefix is prepended to the resource id to form the event topic.
const EventTopicPrefix = "/api/events/"

// ErrInvalidState is returned by Start when the handle is not in StateCreated.
var ErrInvalidState = errors.New("menshnet: pipeline is not in a startable state")

// EventTopic returns the topic on which events for resourceID are published.
func EventTopic(resourceID string) string {
	return EventTopicPrefix + resourceID
}

// State is the lifecycle state of a Pipeline.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler types for the three event kinds.
type (
	EmitHandler      func(value json.RawMessage)
	LogHandler       func(timestamp, severity, message string)
	ExceptionHandler func(stacktrace string)
)

// Session is the part of session.Manager a pipeline needs.
type Session interface {
	WaitConnected(ctx context.Context) error
	Register(topic string, h session.Handler) error
	Unregister(topic string) error
	Start(ctx context.Context, req command.StartRequest) (json.RawMessage, error)
	Stop(resourceID string)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink sets where default log and exception handlers write.
func WithSink(s Sink) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sink = s
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithResourceID fixes the resource id instead of generating one.
func WithResourceID(id string) Option {
	return func(p *Pipeline) {
		if id != "" {
			p.resourceID = id
		}
	}
}

// Pipeline is a handle on one run of a named remote pipeline.
type Pipeline struct {
	name       string
	resourceID string
	session    Session
	sink       Sink
	logger     *slog.Logger

	mu          sync.RWMutex
	state       State
	emit        map[string]EmitHandler
	onLog       LogHandler
	onException ExceptionHandler
}

// New creates a handle for pipeline name with a fresh resource id.
func New(name string, s Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:       name,
		resourceID: uuid.NewString(),
		session:    s,
		sink:       NewConsoleSink(nil),
		logger:     slog.Default(),
		emit:       make(map[string]EmitHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Name() string       { return p.name }
func (p *Pipeline) ResourceID() string { return p.resourceID }
func (p *Pipeline) EventTopic() string { return EventTopic(p.resourceID) }

// State returns the lifecycle state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Start waits for the session to be connected, subscribes the event topic and
// issues the start command with config. Events may arrive before Start
// returns. If the start command fails the handle returns to StateCreated and
// can be started again.
func (p *Pipeline) Start(ctx context.Context, config any) error {
	p.mu.Lock()
	if p.state != StateCreated {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	p.state = StateStarting
	p.mu.Unlock()

	if err := p.start(ctx, config); err != nil {
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateCreated
		}
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.state == StateStarting {
		p.state = StateRunning
	}
	p.mu.Unlock()
	p.logger.Info(fmt.Sprintf("Pipeline %s: started", p.name), "resource_id", p.resourceID)
	return nil
}

func (p *Pipeline) start(ctx context.Context, config any) error {
	if err := p.session.WaitConnected(ctx); err != nil {
		return err
	}

	// The topic must be routed before the start command: the first events can
	// beat the acknowledgment.
	topic := p.EventTopic()
	if err := p.session.Register(topic, p.handleEvent); err != nil {
		return err
	}

	_, err := p.session.Start(ctx, command.StartRequest{
		Name:       p.name,
		ResourceID: p.resourceID,
		EventTopic: topic,
		Config:     config,
	})
	if err != nil {
		if uerr := p.session.Unregister(topic); uerr != nil {
			p.logger.Debug("Pipeline: unregister after failed start", "error", uerr)
		}
		return err
	}
	return nil
}

// Stop marks the handle stopped and sends one stop command for the resource
// without waiting. The event topic stays subscribed; see Release.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.mu.Unlock()

	p.session.Stop(p.resourceID)
	p.logger.Info(fmt.Sprintf("Pipeline %s: stop requested", p.name), "resource_id", p.resourceID)
}

// Release unsubscribes the event topic. No further events are delivered.
func (p *Pipeline) Release() error {
	return p.session.Unregister(p.EventTopic())
}

// Register installs h for emitted values under key, replacing any previous one.
func (p *Pipeline) Register(key string, h EmitHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == nil {
		delete(p.emit, key)
		return
	}
	p.emit[key] = h
}

// Unregister removes the emit handler for key.
func (p *Pipeline) Unregister(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.emit, key)
}

// SetLogHandler replaces the log handler. nil restores the sink.
func (p *Pipeline) SetLogHandler(h LogHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLog = h
}

// SetExceptionHandler replaces the exception handler. nil restores the sink.
func (p *Pipeline) SetExceptionHandler(h ExceptionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onException = h
}

// handleEvent is the session handler for the event topic. Malformed events
// and unknown types are dropped.
func (p *Pipeline) handleEvent(payload json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.logger.Debug("Pipeline: dropping malformed event", "pipeline", p.name, "error", err)
		return
	}

	switch ev.Type {
	case EventLog:
		if len(ev.Args) < 3 {
			p.logger.Debug("Pipeline: dropping log event with missing args", "pipeline", p.name, "args", len(ev.Args))
			return
		}
		ts, sev, msg := argText(ev.Args[0]), argText(ev.Args[1]), argText(ev.Args[2])
		p.mu.RLock()
		h := p.onLog
		p.mu.RUnlock()
		if h != nil {
			h(ts, sev, msg)
			return
		}
		p.sink.Log(p.name, ts, sev, msg)

	case EventEmit:
		if len(ev.Args) < 2 {
			p.logger.Debug("Pipeline: dropping emit event with missing args", "pipeline", p.name, "args", len(ev.Args))
			return
		}
		key, ok := argString(ev.Args[0])
		if !ok {
			p.logger.Debug("Pipeline: dropping emit event with non-string key", "pipeline", p.name)
			return
		}
		p.mu.RLock()
		h, found := p.emit[key]
		p.mu.RUnlock()
		if found {
			h(ev.Args[1])
		}

	case EventException:
		if len(ev.Args) < 1 {
			p.logger.Debug("Pipeline: dropping exception event with missing args", "pipeline", p.name)
			return
		}
		trace := argText(ev.Args[0])
		p.mu.RLock()
		h := p.onException
		p.mu.RUnlock()
		if h != nil {
			h(trace)
			return
		}
		p.sink.Exception(p.name, trace)

	default:
		p.logger.Debug("Pipeline: dropping event of unknown type", "pipeline", p.name, "event_type", ev.Type)
	}
}
