package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lightforgemedia/go-menshnet/pkg/testutil"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRelay is a minimal event relay: it tracks subscriptions per connection
// and forwards publishes to subscribed connections.
type mockRelay struct {
	t      *testing.T
	server *httptest.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]map[string]bool
}

func newMockRelay(t *testing.T) *mockRelay {
	r := &mockRelay{t: t, conns: make(map[*websocket.Conn]map[string]bool)}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *mockRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns[conn] = make(map[string]bool)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
	}()

	ctx := req.Context()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		r.mu.Lock()
		switch env.Type {
		case TypeSubscribe:
			r.conns[conn][env.Topic] = true
		case TypeUnsubscribe:
			delete(r.conns[conn], env.Topic)
		}
		r.mu.Unlock()
		if env.Type == TypeSubscribe {
			_ = wsjson.Write(ctx, conn, Envelope{Type: TypeSubscribed, Topic: env.Topic})
		}
	}
}

func (r *mockRelay) subscribers(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, topics := range r.conns {
		if topics[topic] {
			n++
		}
	}
	return n
}

func (r *mockRelay) publish(topic, payload string) {
	r.mu.Lock()
	var targets []*websocket.Conn
	for c, topics := range r.conns {
		if topics[topic] {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		err := wsjson.Write(context.Background(), c, Envelope{Type: TypePublish, Topic: topic, Payload: []byte(payload)})
		require.NoError(r.t, err)
	}
}

// dropAll closes every server-side connection abnormally.
func (r *mockRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.Close(websocket.StatusGoingAway, "relay restarting")
	}
}

type events struct {
	mu        sync.Mutex
	connected int
	lost      int
	payloads  []string
}

func (e *events) handlers() transport.Handlers {
	return transport.Handlers{
		OnConnected:      func() { e.mu.Lock(); e.connected++; e.mu.Unlock() },
		OnConnectionLost: func(error) { e.mu.Lock(); e.lost++; e.mu.Unlock() },
		OnMessage: func(_ string, payload []byte) {
			e.mu.Lock()
			e.payloads = append(e.payloads, string(payload))
			e.mu.Unlock()
		},
	}
}

func (e *events) snapshot() (connected, lost int, payloads []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected, e.lost, append([]string(nil), e.payloads...)
}

func TestSubscribeAndReceive(t *testing.T) {
	relay := newMockRelay(t)
	tr := New(relay.url(), WithLogger(testutil.DefaultLogger))
	ev := &events{}
	tr.SetHandlers(ev.handlers())

	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Disconnect() })

	connected, _, _ := ev.snapshot()
	assert.Equal(t, 1, connected)

	topic := "/api/events/res-1"
	require.NoError(t, tr.Subscribe(topic))
	require.NoError(t, testutil.WaitFor(t, "relay subscription", time.Second, func() bool {
		return relay.subscribers(topic) == 1
	}))

	relay.publish(topic, `{"event_type":"emit","data":42}`)
	relay.publish(topic, `{"event_type":"emit","data":43}`)
	require.NoError(t, testutil.WaitFor(t, "two payloads", time.Second, func() bool {
		_, _, p := ev.snapshot()
		return len(p) == 2
	}))
	_, _, payloads := ev.snapshot()
	assert.Equal(t, []string{`{"event_type":"emit","data":42}`, `{"event_type":"emit","data":43}`}, payloads)

	require.NoError(t, tr.Unsubscribe(topic))
	require.NoError(t, testutil.WaitFor(t, "relay unsubscription", time.Second, func() bool {
		return relay.subscribers(topic) == 0
	}))
}

func TestSubscribeBeforeConnect(t *testing.T) {
	tr := New("ws://127.0.0.1:1/none")
	assert.True(t, errors.Is(tr.Subscribe("x"), transport.ErrNotConnected))
	assert.NoError(t, tr.Disconnect())
}

func TestConnectFailure(t *testing.T) {
	tr := New("ws://127.0.0.1:1/none", WithDialTimeout(500*time.Millisecond))
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestConnectionLossAndReconnect(t *testing.T) {
	relay := newMockRelay(t)
	tr := New(relay.url(),
		WithLogger(testutil.DefaultLogger),
		WithAutoReconnect(0, 10*time.Millisecond, 50*time.Millisecond),
	)
	ev := &events{}
	tr.SetHandlers(ev.handlers())
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Disconnect() })
	require.NoError(t, tr.Subscribe("a"))

	relay.dropAll()

	require.NoError(t, testutil.WaitFor(t, "loss and reconnect", 2*time.Second, func() bool {
		connected, lost, _ := ev.snapshot()
		return lost == 1 && connected == 2
	}))

	// Subscriptions do not survive the drop; the owner resubscribes.
	require.NoError(t, tr.Subscribe("a"))
	require.NoError(t, testutil.WaitFor(t, "resubscribed", time.Second, func() bool {
		return relay.subscribers("a") == 1
	}))
}

func TestDisconnectDoesNotReportLoss(t *testing.T) {
	relay := newMockRelay(t)
	tr := New(relay.url())
	ev := &events{}
	tr.SetHandlers(ev.handlers())
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect())

	testutil.Never(t, "loss callback", 100*time.Millisecond, func() bool {
		_, lost, _ := ev.snapshot()
		return lost > 0
	})
}
