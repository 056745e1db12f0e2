// Package session owns the broker connection and the command channel shared by
// every pipeline handle: topic routing, connection readiness and heartbeats.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
)

// DefaultHeartbeatInterval is how often the service is told the client is alive.
const DefaultHeartbeatInterval = 15 * time.Second

// backgroundCommandTimeout bounds fire-and-forget commands.
const backgroundCommandTimeout = 15 * time.Second

// Handler receives the JSON payload of one message on a registered topic.
type Handler func(payload json.RawMessage)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// WithReadyTimeout bounds WaitConnected. Zero keeps it unbounded.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.readyTimeout = d
	}
}

// WithOnDisconnect installs the transport loss callback. Without one, losses
// are logged.
func WithOnDisconnect(fn func(err error)) Option {
	return func(m *Manager) {
		m.onDisconnect = fn
	}
}

// Manager is one authenticated session: a transport connection, its
// topic-to-handler table and the command channel.
type Manager struct {
	cmd    *command.Client
	tr     transport.Transport
	logger *slog.Logger

	heartbeatInterval time.Duration
	readyTimeout      time.Duration
	onDisconnect      func(err error)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu            sync.RWMutex
	handlers      map[string]Handler
	state         transport.State
	ready         chan struct{} // closed on the transition to Connected
	everConnected bool
	names         []string
	setupDone     bool
	closed        bool

	dialOnce      sync.Once
	heartbeatOnce sync.Once
	wg            sync.WaitGroup
}

// New creates a Manager. The transport's handlers are taken over by the
// Manager; nothing is dialed until Connect.
func New(cmd *command.Client, tr transport.Transport, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cmd:               cmd,
		tr:                tr,
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		lifeCtx:           ctx,
		lifeCancel:        cancel,
		handlers:          make(map[string]Handler),
		ready:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	tr.SetHandlers(transport.Handlers{
		OnConnected:      m.handleConnected,
		OnConnectionLost: m.handleConnectionLost,
		OnMessage:        m.dispatch,
	})
	return m
}

// Connect dials the transport in the background (once) and calls setup. On
// success it returns the pipeline names the key may start and begins the
// heartbeat.
func (m *Manager) Connect(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	m.dialOnce.Do(func() {
		m.wg.Add(1)
		go m.dial()
	})

	names, err := m.cmd.Setup(ctx)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}

	m.mu.Lock()
	m.names = append([]string(nil), names...)
	m.setupDone = true
	m.mu.Unlock()
	m.logger.Info(fmt.Sprintf("Session: setup complete, %d pipeline(s) available", len(names)))

	m.heartbeatOnce.Do(func() {
		m.wg.Add(1)
		go m.heartbeatLoop()
	})
	return append([]string(nil), names...), nil
}

func (m *Manager) dial() {
	defer m.wg.Done()

	m.mu.Lock()
	if m.state == transport.Disconnected {
		m.state = transport.Connecting
	}
	m.mu.Unlock()

	if err := m.tr.Connect(m.lifeCtx); err != nil {
		m.mu.Lock()
		if m.state == transport.Connecting {
			m.state = transport.Disconnected
		}
		closed := m.closed
		m.mu.Unlock()
		if closed || errors.Is(err, context.Canceled) {
			return
		}
		m.reportLoss(err)
	}
}

func (m *Manager) handleConnected() {
	m.mu.Lock()
	m.state = transport.Connected
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	reconnect := m.everConnected
	m.everConnected = true
	topics := m.topicsLocked()
	m.mu.Unlock()

	if !reconnect {
		m.logger.Info("Session: transport connected")
		return
	}
	if len(topics) > 0 {
		m.logger.Info(fmt.Sprintf("Session: transport reconnected, re-subscribing to %d topics", len(topics)))
	}
	for _, topic := range topics {
		if err := m.tr.Subscribe(topic); err != nil {
			m.logger.Warn("Session: re-subscribe failed", "topic", topic, "error", err)
		}
	}
}

func (m *Manager) handleConnectionLost(err error) {
	m.mu.Lock()
	m.state = transport.Disconnected
	select {
	case <-m.ready:
		m.ready = make(chan struct{})
	default:
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.reportLoss(err)
}

func (m *Manager) reportLoss(err error) {
	lossErr := &TransportLossError{Err: err}
	if m.onDisconnect != nil {
		m.onDisconnect(lossErr)
		return
	}
	m.logger.Warn("Session: transport connection lost", "error", err)
}

// WaitConnected blocks until the transport is connected, ctx is done, the
// ready timeout elapses or the Manager is closed.
func (m *Manager) WaitConnected(ctx context.Context) error {
	var deadline <-chan time.Time
	if m.readyTimeout > 0 {
		timer := time.NewTimer(m.readyTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return ErrClosed
		}
		if m.state == transport.Connected {
			m.mu.RUnlock()
			return nil
		}
		ready := m.ready
		m.mu.RUnlock()

		select {
		case <-ready:
			// Re-check: the connection may have dropped again.
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrReadyTimeout
		case <-m.lifeCtx.Done():
			return ErrClosed
		}
	}
}

// Register routes messages on topic to h and subscribes the transport. A
// later Register for the same topic replaces h. On subscribe failure the
// previous route is restored.
func (m *Manager) Register(topic string, h Handler) error {
	if topic == "" {
		return errors.New("menshnet: topic cannot be empty")
	}
	if h == nil {
		return errors.New("menshnet: handler cannot be nil")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev, hadPrev := m.handlers[topic]
	m.handlers[topic] = h
	m.mu.Unlock()

	if err := m.tr.Subscribe(topic); err != nil {
		m.mu.Lock()
		if hadPrev {
			m.handlers[topic] = prev
		} else {
			delete(m.handlers, topic)
		}
		m.mu.Unlock()
		return fmt.Errorf("menshnet: subscribe %s: %w", topic, err)
	}
	m.logger.Debug("Session: registered topic", "topic", topic)
	return nil
}

// Unregister removes the route for topic and unsubscribes. Unknown topics are
// ignored.
func (m *Manager) Unregister(topic string) error {
	m.mu.Lock()
	_, ok := m.handlers[topic]
	delete(m.handlers, topic)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := m.tr.Unsubscribe(topic); err != nil {
		return fmt.Errorf("menshnet: unsubscribe %s: %w", topic, err)
	}
	m.logger.Debug("Session: unregistered topic", "topic", topic)
	return nil
}

// dispatch is the transport's message callback. Unmatched topics and payloads
// that are not JSON are dropped.
func (m *Manager) dispatch(topic string, payload []byte) {
	m.mu.RLock()
	h, ok := m.handlers[topic]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("Session: dropping message for unregistered topic", "topic", topic)
		return
	}
	if !json.Valid(payload) {
		m.logger.Debug("Session: dropping non-JSON message", "topic", topic, "bytes", len(payload))
		return
	}
	h(json.RawMessage(append([]byte(nil), payload...)))
}

// Start issues the start command for one pipeline resource.
func (m *Manager) Start(ctx context.Context, req command.StartRequest) (json.RawMessage, error) {
	result, err := m.cmd.Start(ctx, req)
	if err != nil {
		return nil, &StartError{Name: req.Name, ResourceID: req.ResourceID, Err: err}
	}
	return result, nil
}

// Stop sends the stop command for resourceID without waiting for it.
func (m *Manager) Stop(resourceID string) {
	m.background("stop", func(ctx context.Context) error {
		return m.cmd.Stop(ctx, resourceID)
	})
}

// StopSync sends the stop command for resourceID and waits for the reply.
func (m *Manager) StopSync(ctx context.Context, resourceID string) error {
	return m.cmd.Stop(ctx, resourceID)
}

// Heartbeat sends one heartbeat without waiting for it.
func (m *Manager) Heartbeat() {
	m.background("heartbeat", m.cmd.Heartbeat)
}

// background runs fn on its own goroutine, tracked by wg so Close waits for
// it. Once the manager is closed fn runs inline instead.
func (m *Manager) background(op string, fn func(ctx context.Context) error) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundCommandTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Debug("Session: background command failed", "op", op, "error", err)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		run()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		run()
	}()
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.lifeCtx, backgroundCommandTimeout)
			if err := m.cmd.Heartbeat(ctx); err != nil {
				m.logger.Debug("Session: heartbeat failed", "error", err)
			}
			cancel()
		case <-m.lifeCtx.Done():
			return
		}
	}
}

// Close stops the heartbeat, tells the service the client is leaving and
// disconnects the transport. Calling Close again is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	setupDone := m.setupDone
	m.state = transport.Disconnected
	m.mu.Unlock()

	m.lifeCancel()

	if setupDone {
		if err := m.cmd.Disconnect(ctx); err != nil {
			m.logger.Debug("Session: disconnect command failed", "error", err)
		}
	}
	err := m.tr.Disconnect()
	m.wg.Wait()
	m.logger.Info("Session: closed")
	return err
}

// State returns the transport connection state.
func (m *Manager) State() transport.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Names returns the pipeline names from the last successful setup.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

// Topics returns the registered topics, sorted.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topicsLocked()
}

func (m *Manager) topicsLocked() []string {
	topics := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
