// Package memory provides an in-process transport backed by cskr/pubsub.
// A Bus plays the broker's role inside one process; any number of Transports
// can attach to it. Useful for tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
)

const defaultCapacity = 64

// Bus fans published payloads out to subscribed transports.
type Bus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewBus creates a bus. capacity is the per-subscriber queue length.
func NewBus(capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		ps:     pubsub.New(capacity),
		logger: logger,
	}
}

// Publish sends payload to every subscriber of topic.
func (b *Bus) Publish(topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("memory: bus closed")
	}
	b.logger.Debug("memory bus publish", "topic", topic, "bytes", len(payload))
	b.ps.Pub(payload, topic)
	return nil
}

// PublishJSON marshals v and publishes it on topic.
func (b *Bus) PublishJSON(topic string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memory: marshal payload: %w", err)
	}
	return b.Publish(topic, raw)
}

// Close shuts the bus down. Subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

type subscription struct {
	ch   chan interface{}
	done chan struct{}
}

// Transport is a transport.Transport attached to a Bus.
type Transport struct {
	bus    *Bus
	logger *slog.Logger
	gate   <-chan struct{}

	mu        sync.RWMutex
	handlers  transport.Handlers
	connected bool
	subs      map[string]*subscription
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithConnectGate holds Connect until gate is closed, emulating a slow
// broker handshake.
func WithConnectGate(gate <-chan struct{}) Option {
	return func(t *Transport) {
		t.gate = gate
	}
}

// New creates a transport attached to bus.
func New(bus *Bus, opts ...Option) *Transport {
	if bus == nil {
		panic("memory: bus must not be nil")
	}
	t := &Transport{
		bus:    bus,
		logger: bus.logger,
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetHandlers implements transport.Transport.
func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.bus.mu.RLock()
	closed := t.bus.closed
	t.bus.mu.RUnlock()
	if closed {
		return errors.New("memory: bus closed")
	}

	t.mu.Lock()
	t.connected = true
	onConnected := t.handlers.OnConnected
	t.mu.Unlock()

	t.logger.Debug("memory transport connected")
	if onConnected != nil {
		onConnected()
	}
	return nil
}

// Subscribe implements transport.Transport. Subscribing twice is a no-op.
func (t *Transport) Subscribe(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return transport.ErrNotConnected
	}
	if _, ok := t.subs[topic]; ok {
		return nil
	}

	sub := &subscription{
		ch:   t.bus.ps.Sub(topic),
		done: make(chan struct{}),
	}
	t.subs[topic] = sub
	go t.deliver(topic, sub)
	t.logger.Debug("memory transport subscribed", "topic", topic)
	return nil
}

// deliver drains one subscription channel. cskr/pubsub requires the
// subscriber to read until the channel is closed, so it keeps reading after
// done and just stops delivering.
func (t *Transport) deliver(topic string, sub *subscription) {
	for raw := range sub.ch {
		select {
		case <-sub.done:
			continue
		default:
		}
		payload, ok := raw.([]byte)
		if !ok {
			t.logger.Debug("memory transport dropped non-byte payload", "topic", topic)
			continue
		}
		t.mu.RLock()
		onMessage := t.handlers.OnMessage
		t.mu.RUnlock()
		if onMessage != nil {
			onMessage(topic, payload)
		}
	}
}

// Unsubscribe implements transport.Transport.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	if ok {
		delete(t.subs, topic)
	}
	t.mu.Unlock()

	if ok {
		t.release(topic, sub)
		t.logger.Debug("memory transport unsubscribed", "topic", topic)
	}
	return nil
}

// release stops delivery immediately. Unsub runs on its own goroutine since
// it may be reached from inside a delivery callback.
func (t *Transport) release(topic string, sub *subscription) {
	close(sub.done)
	go func() {
		t.bus.mu.RLock()
		defer t.bus.mu.RUnlock()
		if !t.bus.closed {
			t.bus.ps.Unsub(sub.ch, topic)
		}
	}()
}

// Subscribed reports whether topic currently has a subscription.
func (t *Transport) Subscribed(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subs[topic]
	return ok
}

// Connected reports the connection flag.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Drop simulates the broker dropping the connection: subscriptions are
// released and OnConnectionLost is invoked with err.
func (t *Transport) Drop(err error) {
	onLost := t.teardown()
	if onLost != nil {
		onLost(err)
	}
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.teardown()
	return nil
}

func (t *Transport) teardown() func(error) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	subs := t.subs
	t.subs = make(map[string]*subscription)
	onLost := t.handlers.OnConnectionLost
	t.mu.Unlock()

	for topic, sub := range subs {
		t.release(topic, sub)
	}
	if !wasConnected {
		return nil
	}
	return onLost
}
