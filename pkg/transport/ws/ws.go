// Package ws implements transport.Transport over a WebSocket event relay
// speaking JSON envelopes: the client sends subscribe/unsubscribe frames and
// the relay pushes publish frames carrying the raw event payload.
//
// The hosted menshnet service does not offer such a relay; it delivers
// events over MQTT. The envelope is a contract for self-hosted development
// and test relays (see Envelope) and is not part of the menshnet protocol.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand" // For jitter
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	sendBufferSize      = 64
)

type config struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	reconnect         bool
	reconnectAttempts int // 0 means unlimited
	reconnectDelayMin time.Duration
	reconnectDelayMax time.Duration
}

// Option configures a Transport.
type Option func(*config)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *config) {
		c.dialOptions = opts
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithAutoReconnect re-dials after a dropped connection with exponential
// backoff between minDelay and maxDelay. maxAttempts of 0 retries forever.
func WithAutoReconnect(maxAttempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *config) {
		c.reconnect = true
		c.reconnectAttempts = maxAttempts
		c.reconnectDelayMin = minDelay
		c.reconnectDelayMax = maxDelay
		if c.reconnectDelayMin <= 0 {
			c.reconnectDelayMin = 100 * time.Millisecond
		}
		if c.reconnectDelayMax < c.reconnectDelayMin {
			c.reconnectDelayMax = c.reconnectDelayMin
		}
	}
}

// Transport is a transport.Transport over a single WebSocket connection.
type Transport struct {
	url    string
	id     string
	config config

	mu         sync.RWMutex
	handlers   transport.Handlers
	conn       *websocket.Conn
	send       chan *Envelope
	pumpCancel context.CancelFunc
	pumpWg     *sync.WaitGroup
	topics     map[string]struct{}
	closed     bool

	reconnectingMu sync.Mutex
	reconnecting   bool
}

// New creates a transport for the relay at url (ws:// or wss://).
func New(url string, opts ...Option) *Transport {
	cfg := config{
		logger:       slog.Default(),
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		url:    url,
		id:     uuid.NewString(),
		config: cfg,
		topics: make(map[string]struct{}),
	}
}

// ID returns the client identifier used in log lines.
func (t *Transport) ID() string {
	return t.id
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
	t.closed = false
	t.mu.Unlock()

	if err := t.establish(ctx); err != nil {
		return err
	}
	t.notifyConnected()
	return nil
}

func (t *Transport) establish(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.config.dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, t.url, t.config.dialOptions)
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("ws: dial %s failed: %w (status: %s)", t.url, err, resp.Status)
		}
		return fmt.Errorf("ws: dial %s failed: %w", t.url, err)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	send := make(chan *Envelope, sendBufferSize)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		pumpCancel()
		conn.Close(websocket.StatusNormalClosure, "transport closed")
		return errors.New("ws: transport closed")
	}
	t.conn = conn
	t.send = send
	t.pumpCancel = pumpCancel
	t.pumpWg = wg
	t.topics = make(map[string]struct{})
	t.mu.Unlock()

	wg.Add(2)
	go t.readPump(pumpCtx, conn, wg)
	go t.writePump(pumpCtx, conn, send, wg)

	t.config.logger.Info(fmt.Sprintf("WS transport %s: connected to %s", t.id, t.url))
	return nil
}

func (t *Transport) notifyConnected() {
	t.mu.RLock()
	onConnected := t.handlers.OnConnected
	t.mu.RUnlock()
	if onConnected != nil {
		onConnected()
	}
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn, wg *sync.WaitGroup) {
	var readErr error
	defer func() {
		wg.Done()
		t.connectionEnded(conn, readErr)
	}()

	for {
		var env Envelope
		err := wsjson.Read(ctx, conn, &env)
		if err != nil {
			if ctx.Err() == nil {
				readErr = err
				status := websocket.CloseStatus(err)
				t.config.logger.Info(fmt.Sprintf("WS transport %s: read error: %v (status: %d)", t.id, err, status))
			}
			return
		}

		switch env.Type {
		case TypePublish:
			t.mu.RLock()
			_, subscribed := t.topics[env.Topic]
			onMessage := t.handlers.OnMessage
			t.mu.RUnlock()
			// Delivered inline so per-topic order is kept.
			if subscribed && onMessage != nil {
				onMessage(env.Topic, env.Payload)
			}
		case TypeSubscribed:
			t.config.logger.Debug("WS transport: subscription acknowledged", "topic", env.Topic)
		case TypeError:
			t.config.logger.Warn("WS transport: relay error", "topic", env.Topic, "error", env.Error)
		default:
			t.config.logger.Info(fmt.Sprintf("WS transport %s: unknown envelope type: '%s'", t.id, env.Type))
		}
	}
}

func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn, send <-chan *Envelope, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case env := <-send:
			writeCtx, cancel := context.WithTimeout(ctx, t.config.writeTimeout)
			err := wsjson.Write(writeCtx, conn, env)
			cancel()
			if err != nil {
				t.config.logger.Info(fmt.Sprintf("WS transport %s: write error: %v. Connection may be stale.", t.id, err))
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// connectionEnded runs once per connection, when its read pump exits.
func (t *Transport) connectionEnded(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	if t.pumpCancel != nil {
		t.pumpCancel()
	}
	t.conn = nil
	t.send = nil
	t.topics = make(map[string]struct{})
	closed := t.closed
	onLost := t.handlers.OnConnectionLost
	t.mu.Unlock()

	conn.Close(websocket.StatusAbnormalClosure, "read pump terminated")
	if closed {
		return
	}
	if err == nil {
		err = errors.New("ws: connection closed")
	}
	if onLost != nil {
		onLost(err)
	}
	if t.config.reconnect {
		go t.reconnectLoop()
	}
}

func (t *Transport) reconnectLoop() {
	t.reconnectingMu.Lock()
	if t.reconnecting {
		t.reconnectingMu.Unlock()
		return // Another reconnect loop is already active
	}
	t.reconnecting = true
	t.reconnectingMu.Unlock()

	defer func() {
		t.reconnectingMu.Lock()
		t.reconnecting = false
		t.reconnectingMu.Unlock()
	}()

	attempts := 0
	currentDelay := t.config.reconnectDelayMin
	for {
		t.mu.RLock()
		closed := t.closed
		t.mu.RUnlock()
		if closed {
			return
		}
		if t.config.reconnectAttempts > 0 && attempts >= t.config.reconnectAttempts {
			t.config.logger.Info(fmt.Sprintf("WS transport %s: max reconnect attempts (%d) reached. Stopping.", t.id, t.config.reconnectAttempts))
			return
		}

		// Jitter: random 0-25% of currentDelay
		jitterRange := int(currentDelay / 4)
		if jitterRange <= 0 {
			jitterRange = 1
		}
		time.Sleep(currentDelay + time.Duration(rand.Intn(jitterRange)))

		err := t.establish(context.Background())
		if err == nil {
			t.config.logger.Info(fmt.Sprintf("WS transport %s: reconnected after %d attempt(s)", t.id, attempts+1))
			t.notifyConnected()
			return
		}
		t.config.logger.Info(fmt.Sprintf("WS transport %s: reconnect attempt %d failed: %v", t.id, attempts+1, err))

		attempts++
		currentDelay *= 2 // Exponential backoff
		if currentDelay > t.config.reconnectDelayMax {
			currentDelay = t.config.reconnectDelayMax
		}
	}
}

func (t *Transport) enqueue(env *Envelope) error {
	t.mu.RLock()
	send := t.send
	t.mu.RUnlock()
	if send == nil {
		return transport.ErrNotConnected
	}
	select {
	case send <- env:
		return nil
	default:
		return fmt.Errorf("ws: send buffer full, %s for topic %s dropped", env.Type, env.Topic)
	}
}

// Subscribe implements transport.Transport. The subscribe frame is queued;
// relays apply frames in order, so a subsequent publish is delivered.
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	if _, ok := t.topics[topic]; ok {
		t.mu.Unlock()
		return nil
	}
	t.topics[topic] = struct{}{}
	t.mu.Unlock()

	if err := t.enqueue(&Envelope{Type: TypeSubscribe, Topic: topic}); err != nil {
		t.mu.Lock()
		delete(t.topics, topic)
		t.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe implements transport.Transport.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	_, ok := t.topics[topic]
	delete(t.topics, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := t.enqueue(&Envelope{Type: TypeUnsubscribe, Topic: topic}); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return err
	}
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	cancel := t.pumpCancel
	wg := t.pumpWg
	t.conn = nil
	t.send = nil
	t.topics = make(map[string]struct{})
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client initiated close")
	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	t.config.logger.Info(fmt.Sprintf("WS transport %s: disconnected", t.id))
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		t.config.logger.Debug("WS transport: close returned error", "error", err)
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
