package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/testutil"
	"github.com/lightforgemedia/go-menshnet/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	tr := New(Options{})
	assert.Equal(t, DefaultBroker, tr.opts.Broker)
	assert.True(t, strings.HasPrefix(tr.ClientID(), "menshnet-"))
	assert.Equal(t, defaultConnectTimeout, tr.opts.ConnectTimeout)

	other := New(Options{})
	assert.NotEqual(t, tr.ClientID(), other.ClientID(), "client ids must be unique per transport")
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, "wss://menshnet.online:443/mqtt", opts.Broker)
	assert.True(t, opts.AutoReconnect)
}

func TestSubscribeBeforeConnect(t *testing.T) {
	tr := New(Options{Logger: testutil.DefaultLogger})
	err := tr.Subscribe("/api/events/abc")
	assert.True(t, errors.Is(err, transport.ErrNotConnected))

	// Unsubscribing an unknown topic is not an error.
	assert.NoError(t, tr.Unsubscribe("/api/events/abc"))
	assert.NoError(t, tr.Disconnect())
}

func TestConnectUnreachableBroker(t *testing.T) {
	tr := New(Options{
		Broker:         "tcp://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
		Logger:         testutil.DefaultLogger,
	})

	called := false
	tr.SetHandlers(transport.Handlers{OnConnected: func() { called = true }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tr.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
	assert.False(t, called)
}
