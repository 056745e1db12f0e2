// Package mqtt adapts the Eclipse Paho MQTT client to transport.Transport.
// It is the adapter used against the hosted menshnet broker.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
)

const (
	// DefaultBroker is the hosted menshnet broker endpoint.
	DefaultBroker = "wss://menshnet.online:443/mqtt"

	defaultConnectTimeout = 15 * time.Second
	defaultAckTimeout     = 10 * time.Second
)

// Options configures the MQTT transport.
type Options struct {
	Broker   string
	ClientID string // random when empty
	Username string
	Password string

	// AutoReconnect lets paho re-establish dropped connections. The session
	// resubscribes its topics after each reconnect.
	AutoReconnect bool

	ConnectTimeout time.Duration
	QoS            byte
	Logger         *slog.Logger
}

// DefaultOptions returns the options used for the hosted service.
func DefaultOptions() Options {
	return Options{
		Broker:         DefaultBroker,
		AutoReconnect:  true,
		ConnectTimeout: defaultConnectTimeout,
	}
}

// Transport is a transport.Transport over MQTT.
type Transport struct {
	opts   Options
	logger *slog.Logger
	client paho.Client

	// skipConnectCallback swallows paho's OnConnect for the initial
	// connection; Connect reports that one itself.
	skipConnectCallback atomic.Bool

	mu       sync.RWMutex
	handlers transport.Handlers
	topics   map[string]struct{}
	closing  bool
}

// New creates an MQTT transport. No connection is made until Connect.
func New(opts Options) *Transport {
	if opts.Broker == "" {
		opts.Broker = DefaultBroker
	}
	if opts.ClientID == "" {
		opts.ClientID = "menshnet-" + uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	t := &Transport{
		opts:   opts,
		logger: opts.Logger,
		topics: make(map[string]struct{}),
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(opts.AutoReconnect).
		SetConnectRetry(false).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnect).
		SetConnectionLostHandler(t.onConnectionLost)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	t.client = paho.NewClient(co)
	return t
}

// ClientID returns the MQTT client identifier in use.
func (t *Transport) ClientID() string {
	return t.opts.ClientID
}

// SetHandlers implements transport.Transport.
func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = false
	t.mu.Unlock()

	t.skipConnectCallback.Store(true)
	t.logger.Info(fmt.Sprintf("MQTT transport: connecting to %s", t.opts.Broker), "client_id", t.opts.ClientID)

	tok := t.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		t.client.Disconnect(0)
		return ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", t.opts.Broker, err)
	}

	t.mu.RLock()
	onConnected := t.handlers.OnConnected
	t.mu.RUnlock()
	if onConnected != nil {
		onConnected()
	}
	return nil
}

func (t *Transport) onConnect(_ paho.Client) {
	if t.skipConnectCallback.CompareAndSwap(true, false) {
		return
	}
	t.logger.Info("MQTT transport: reconnected", "broker", t.opts.Broker)

	// The clean session dropped broker-side subscriptions.
	t.mu.Lock()
	t.topics = make(map[string]struct{})
	onConnected := t.handlers.OnConnected
	t.mu.Unlock()
	if onConnected != nil {
		onConnected()
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	closing := t.closing
	t.topics = make(map[string]struct{})
	onLost := t.handlers.OnConnectionLost
	t.mu.Unlock()
	if closing {
		return
	}
	t.logger.Warn("MQTT transport: connection lost", "error", err)
	if onLost != nil {
		onLost(err)
	}
}

func (t *Transport) onMessage(_ paho.Client, msg paho.Message) {
	t.mu.RLock()
	onMessage := t.handlers.OnMessage
	t.mu.RUnlock()
	if onMessage != nil {
		onMessage(msg.Topic(), msg.Payload())
	}
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(topic string) error {
	if !t.client.IsConnectionOpen() {
		return transport.ErrNotConnected
	}
	t.mu.RLock()
	_, exists := t.topics[topic]
	t.mu.RUnlock()
	if exists {
		return nil
	}

	tok := t.client.Subscribe(topic, t.opts.QoS, t.onMessage)
	if !tok.WaitTimeout(defaultAckTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timed out waiting for ack", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}

	t.mu.Lock()
	t.topics[topic] = struct{}{}
	t.mu.Unlock()
	t.logger.Debug("MQTT transport: subscribed", "topic", topic)
	return nil
}

// Unsubscribe implements transport.Transport. The broker ack is awaited on a
// separate goroutine; paho forbids blocking inside a message callback, which
// is where handlers commonly release their topics.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	_, ok := t.topics[topic]
	delete(t.topics, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if !t.client.IsConnectionOpen() {
		return nil
	}

	tok := t.client.Unsubscribe(topic)
	go func() {
		if !tok.WaitTimeout(defaultAckTimeout) {
			t.logger.Warn("MQTT transport: unsubscribe not acknowledged", "topic", topic)
			return
		}
		if err := tok.Error(); err != nil {
			t.logger.Warn("MQTT transport: unsubscribe failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closing = true
	t.topics = make(map[string]struct{})
	t.mu.Unlock()

	if !t.client.IsConnected() {
		return nil
	}
	t.client.Disconnect(250)
	t.logger.Info("MQTT transport: disconnected", "broker", t.opts.Broker)
	return nil
}

// Publish sends payload on topic and waits for the broker ack.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if !t.client.IsConnectionOpen() {
		return transport.ErrNotConnected
	}
	tok := t.client.Publish(topic, t.opts.QoS, false, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ transport.Transport = (*Transport)(nil)
