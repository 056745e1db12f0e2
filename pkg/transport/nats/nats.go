// Package nats provides a NATS implementation of the transport.Transport interface.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-menshnet/pkg/transport"
	"github.com/nats-io/nats.go"
)

// Options contains configuration options for the NATS transport.
type Options struct {
	// URL is the NATS server URL.
	URL string

	// Name is reported to the server as the connection name.
	Name string

	// Logger for transport events. Defaults to slog.Default().
	Logger *slog.Logger

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// Transport is a transport.Transport over a NATS connection.
type Transport struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	conn     *nats.Conn
	subs     map[string]*nats.Subscription
	handlers transport.Handlers
	closing  bool
}

// New creates a NATS transport. No connection is made until Connect.
func New(opts Options) *Transport {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{
		opts:   opts,
		logger: opts.Logger,
		subs:   make(map[string]*nats.Subscription),
	}
}

// SetHandlers implements transport.Transport.
func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	natsOpts := []nats.Option{
		nats.DisconnectErrHandler(t.onDisconnect),
		nats.ReconnectHandler(t.onReconnect),
	}
	if t.opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(t.opts.Name))
	}
	natsOpts = append(natsOpts, t.opts.ConnectionOptions...)

	conn, err := nats.Connect(t.opts.URL, natsOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closing = false
	onConnected := t.handlers.OnConnected
	t.mu.Unlock()

	t.logger.Info("NATS transport connected", "url", conn.ConnectedUrl())
	if onConnected != nil {
		onConnected()
	}
	return nil
}

func (t *Transport) onDisconnect(_ *nats.Conn, err error) {
	t.mu.RLock()
	closing := t.closing
	onLost := t.handlers.OnConnectionLost
	t.mu.RUnlock()
	if closing {
		return
	}
	if err == nil {
		err = errors.New("nats: connection closed by server")
	}
	t.logger.Warn("NATS transport disconnected", "error", err)
	if onLost != nil {
		onLost(err)
	}
}

// onReconnect relies on nats.go replaying subscriptions itself.
func (t *Transport) onReconnect(conn *nats.Conn) {
	t.mu.RLock()
	onConnected := t.handlers.OnConnected
	t.mu.RUnlock()
	t.logger.Info("NATS transport reconnected", "url", conn.ConnectedUrl())
	if onConnected != nil {
		onConnected()
	}
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.conn.IsConnected() {
		return transport.ErrNotConnected
	}
	if _, exists := t.subs[topic]; exists {
		return nil // Already subscribed
	}

	// nats.go delivers each subscription's messages on one goroutine, in order.
	sub, err := t.conn.Subscribe(topic, func(msg *nats.Msg) {
		t.mu.RLock()
		onMessage := t.handlers.OnMessage
		t.mu.RUnlock()
		if onMessage != nil {
			onMessage(msg.Subject, msg.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	t.subs[topic] = sub
	return nil
}

// Unsubscribe implements transport.Transport.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from topic: %w", err)
	}
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.closing = true
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.subs = make(map[string]*nats.Subscription)
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// Publish sends payload on topic. The session never publishes; this exists
// for tooling and tests that play the service's role.
func (t *Transport) Publish(topic string, payload []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	if err := conn.Publish(topic, payload); err != nil {
		return err
	}
	return conn.Flush()
}
