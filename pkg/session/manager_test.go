package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/command"
	"github.com/lightforgemedia/go-menshnet/pkg/session"
	"github.com/lightforgemedia/go-menshnet/pkg/testutil"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
	"github.com/lightforgemedia/go-menshnet/pkg/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "test-key"

type fixture struct {
	server *testutil.CommandServer
	bus    *memory.Bus
	tr     *memory.Transport
	mgr    *session.Manager
}

func newFixture(t *testing.T, trOpts []memory.Option, opts ...session.Option) *fixture {
	t.Helper()
	server := testutil.NewCommandServer(t, apiKey, "echo", "sentiment")
	cmd, err := command.New(apiKey, command.WithBaseURL(server.URL), command.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)

	bus := memory.NewBus(16, testutil.DefaultLogger)
	t.Cleanup(bus.Close)
	tr := memory.New(bus, trOpts...)

	opts = append([]session.Option{session.WithLogger(testutil.DefaultLogger)}, opts...)
	mgr := session.New(cmd, tr, opts...)
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return &fixture{server: server, bus: bus, tr: tr, mgr: mgr}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	_, err := f.mgr.Connect(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.mgr.WaitConnected(ctx))
}

type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) handler() session.Handler {
	return func(payload json.RawMessage) {
		c.mu.Lock()
		c.payloads = append(c.payloads, string(payload))
		c.mu.Unlock()
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func TestConnectReturnsNames(t *testing.T) {
	f := newFixture(t, nil)
	names, err := f.mgr.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "sentiment"}, names)
	assert.Equal(t, names, f.mgr.Names())
	assert.Equal(t, 1, f.server.Count(command.PathSetup))
}

func TestConnectBadKey(t *testing.T) {
	server := testutil.NewCommandServer(t, apiKey, "echo")
	cmd, err := command.New("wrong-key", command.WithBaseURL(server.URL))
	require.NoError(t, err)
	bus := memory.NewBus(4, nil)
	t.Cleanup(bus.Close)
	mgr := session.New(cmd, memory.New(bus))
	t.Cleanup(func() { mgr.Close(context.Background()) })

	names, err := mgr.Connect(context.Background())
	assert.Nil(t, names)
	var connectErr *session.ConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.True(t, errors.Is(err, command.ErrNotAuthorized))
	assert.Contains(t, err.Error(), "403: Forbidden")

	// No heartbeat was started.
	testutil.Never(t, "heartbeat after failed connect", 50*time.Millisecond, func() bool {
		return server.Count(command.PathHeartbeat) > 0
	})
}

func TestHeartbeatRunsAfterConnect(t *testing.T) {
	f := newFixture(t, nil, session.WithHeartbeatInterval(20*time.Millisecond))
	f.connect(t)
	require.NoError(t, testutil.WaitFor(t, "two heartbeats", time.Second, func() bool {
		return f.server.Count(command.PathHeartbeat) >= 2
	}))

	// A second Connect does not start a second heartbeat loop or dial again.
	_, err := f.mgr.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.server.Count(command.PathSetup))
}

func TestWaitConnectedBlocksUntilTransportConnects(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, []memory.Option{memory.WithConnectGate(gate)})
	_, err := f.mgr.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, testutil.WaitFor(t, "connecting state", time.Second, func() bool {
		return f.mgr.State() == transport.Connecting
	}))

	done := make(chan error, 1)
	go func() { done <- f.mgr.WaitConnected(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("WaitConnected returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return after connect")
	}
	assert.Equal(t, transport.Connected, f.mgr.State())
}

func TestWaitConnectedBounds(t *testing.T) {
	t.Run("context", func(t *testing.T) {
		f := newFixture(t, []memory.Option{memory.WithConnectGate(make(chan struct{}))})
		_, err := f.mgr.Connect(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.True(t, errors.Is(f.mgr.WaitConnected(ctx), context.DeadlineExceeded))
	})

	t.Run("ready timeout", func(t *testing.T) {
		f := newFixture(t, []memory.Option{memory.WithConnectGate(make(chan struct{}))},
			session.WithReadyTimeout(30*time.Millisecond))
		_, err := f.mgr.Connect(context.Background())
		require.NoError(t, err)
		assert.True(t, errors.Is(f.mgr.WaitConnected(context.Background()), session.ErrReadyTimeout))
	})

	t.Run("close", func(t *testing.T) {
		f := newFixture(t, []memory.Option{memory.WithConnectGate(make(chan struct{}))})
		_, err := f.mgr.Connect(context.Background())
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- f.mgr.WaitConnected(context.Background()) }()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, f.mgr.Close(context.Background()))
		select {
		case err := <-done:
			assert.True(t, errors.Is(err, session.ErrClosed))
		case <-time.After(time.Second):
			t.Fatal("WaitConnected did not return after Close")
		}
	})
}

func TestRegisteredTopicReceivesEachMessageOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	topic := "/api/events/r1"
	var c collector
	require.NoError(t, f.mgr.Register(topic, c.handler()))
	assert.Equal(t, []string{topic}, f.mgr.Topics())

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.bus.PublishJSON(topic, map[string]int{"n": i}))
	}
	require.NoError(t, testutil.WaitFor(t, "three messages", time.Second, func() bool { return c.count() == 3 }))
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, c.all())

	require.NoError(t, f.mgr.Unregister(topic))
	assert.Empty(t, f.mgr.Topics())
	require.NoError(t, f.bus.PublishJSON(topic, map[string]int{"n": 4}))
	testutil.Never(t, "delivery after unregister", 100*time.Millisecond, func() bool { return c.count() > 3 })

	// Unregistering twice is a no-op.
	require.NoError(t, f.mgr.Unregister(topic))
}

func TestRegisterLastWins(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	topic := "/api/events/r2"
	var first, second collector
	require.NoError(t, f.mgr.Register(topic, first.handler()))
	require.NoError(t, f.mgr.Register(topic, second.handler()))

	require.NoError(t, f.bus.Publish(topic, []byte(`"hi"`)))
	require.NoError(t, testutil.WaitFor(t, "second handler", time.Second, func() bool { return second.count() == 1 }))
	assert.Equal(t, 0, first.count())
}

func TestDispatchDropsUnmatchedAndMalformed(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	var c collector
	require.NoError(t, f.mgr.Register("good", c.handler()))

	// The transport is subscribed to "other" but no route exists for it.
	require.NoError(t, f.tr.Subscribe("other"))
	require.NoError(t, f.bus.Publish("other", []byte(`{}`)))
	require.NoError(t, f.bus.Publish("good", []byte(`not json`)))
	require.NoError(t, f.bus.Publish("good", []byte(`{"ok":true}`)))

	require.NoError(t, testutil.WaitFor(t, "valid message", time.Second, func() bool { return c.count() == 1 }))
	assert.Equal(t, []string{`{"ok":true}`}, c.all())
}

func TestRegisterRollsBackOnSubscribeFailure(t *testing.T) {
	f := newFixture(t, nil)

	// Not connected yet: the subscribe fails and nothing is recorded.
	var c collector
	err := f.mgr.Register("early", c.handler())
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrNotConnected))
	assert.Empty(t, f.mgr.Topics())

	f.connect(t)
	var first, second collector
	require.NoError(t, f.mgr.Register("t", first.handler()))

	f.tr.Drop(errors.New("broker gone"))
	require.Error(t, f.mgr.Register("t", second.handler()))

	// Reconnect: the restored handler is re-subscribed and receives messages.
	require.NoError(t, f.tr.Connect(context.Background()))
	require.NoError(t, f.bus.Publish("t", []byte(`1`)))
	require.NoError(t, testutil.WaitFor(t, "restored handler", time.Second, func() bool { return first.count() == 1 }))
	assert.Equal(t, 0, second.count())
}

func TestTransportLoss(t *testing.T) {
	lost := make(chan error, 1)
	f := newFixture(t, nil, session.WithOnDisconnect(func(err error) { lost <- err }))
	f.connect(t)

	var c collector
	require.NoError(t, f.mgr.Register("topic", c.handler()))

	boom := errors.New("keepalive timeout")
	f.tr.Drop(boom)

	select {
	case err := <-lost:
		var lossErr *session.TransportLossError
		require.True(t, errors.As(err, &lossErr))
		assert.Equal(t, boom, lossErr.Err)
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not invoked")
	}
	assert.Equal(t, transport.Disconnected, f.mgr.State())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(f.mgr.WaitConnected(ctx), context.DeadlineExceeded))

	// Reconnect restores readiness and routing.
	require.NoError(t, f.tr.Connect(context.Background()))
	require.NoError(t, f.mgr.WaitConnected(context.Background()))
	assert.True(t, f.tr.Subscribed("topic"))
	require.NoError(t, f.bus.Publish("topic", []byte(`{}`)))
	require.NoError(t, testutil.WaitFor(t, "message after reconnect", time.Second, func() bool { return c.count() == 1 }))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	req := command.StartRequest{Name: "echo", ResourceID: "res-1", EventTopic: "/api/events/res-1", Config: map[string]any{"k": "v"}}
	_, err := f.mgr.Start(context.Background(), req)
	require.NoError(t, err)
	calls := f.server.Calls(command.PathStart)
	require.Len(t, calls, 1)
	assert.Equal(t, "res-1", calls[0].Str("resId"))

	f.mgr.Stop("res-1")
	require.NoError(t, testutil.WaitFor(t, "stop command", time.Second, func() bool {
		return f.server.Count(command.PathStop) == 1
	}))
	assert.Equal(t, "res-1", f.server.Calls(command.PathStop)[0].Str("resId"))

	require.NoError(t, f.mgr.StopSync(context.Background(), "res-2"))
	assert.Equal(t, 2, f.server.Count(command.PathStop))

	f.mgr.Heartbeat()
	require.NoError(t, testutil.WaitFor(t, "heartbeat", time.Second, func() bool {
		return f.server.Count(command.PathHeartbeat) >= 1
	}))
}

func TestStartFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	f.server.Fail(command.PathStart, http.StatusInternalServerError)

	_, err := f.mgr.Start(context.Background(), command.StartRequest{Name: "echo", ResourceID: "res-9"})
	var startErr *session.StartError
	require.True(t, errors.As(err, &startErr))
	assert.Equal(t, "echo", startErr.Name)
	assert.Equal(t, "res-9", startErr.ResourceID)
	assert.Contains(t, err.Error(), "500: Internal Server Error")
}

func TestClose(t *testing.T) {
	f := newFixture(t, nil, session.WithHeartbeatInterval(10*time.Millisecond))
	f.connect(t)

	require.NoError(t, f.mgr.Close(context.Background()))
	assert.Equal(t, 1, f.server.Count(command.PathDisconnect))
	assert.False(t, f.tr.Connected())

	beats := f.server.Count(command.PathHeartbeat)
	testutil.Never(t, "heartbeat after close", 50*time.Millisecond, func() bool {
		return f.server.Count(command.PathHeartbeat) > beats
	})

	// Idempotent.
	require.NoError(t, f.mgr.Close(context.Background()))
	assert.Equal(t, 1, f.server.Count(command.PathDisconnect))

	_, err := f.mgr.Connect(context.Background())
	assert.True(t, errors.Is(err, session.ErrClosed))
	assert.True(t, errors.Is(f.mgr.WaitConnected(context.Background()), session.ErrClosed))
	assert.True(t, errors.Is(f.mgr.Register("x", func(json.RawMessage) {}), session.ErrClosed))
}

func TestStopAfterCloseRunsInline(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	require.NoError(t, f.mgr.Close(context.Background()))

	f.mgr.Stop("res-late")
	calls := f.server.Calls(command.PathStop)
	require.Len(t, calls, 1)
	assert.Equal(t, "res-late", calls[0].Str("resId"))
}

func TestStopRacingClose(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mgr.Stop("res-1")
			f.mgr.Heartbeat()
		}()
	}
	require.NoError(t, f.mgr.Close(context.Background()))
	wg.Wait()

	require.NoError(t, testutil.WaitFor(t, "all stops", time.Second, func() bool {
		return f.server.Count(command.PathStop) == 20
	}))
}
