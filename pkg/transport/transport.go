// Package transport defines the contract the session layer consumes from a
// publish/subscribe client. Concrete adapters live in the sub-packages; none
// of them implements a broker.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by adapters asked to (un)subscribe while no
// connection is established.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state of an adapter as seen by the session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handlers are the callbacks an adapter invokes. Any of them may be nil.
//
// OnConnected fires after every successful (re)connect. OnConnectionLost
// fires when an established connection drops. OnMessage is called once per
// inbound message; an adapter must call it sequentially for a given topic so
// per-topic delivery order is kept.
type Handlers struct {
	OnConnected      func()
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
}

// Transport is a publish/subscribe client connected to one broker endpoint.
type Transport interface {
	// SetHandlers installs the callbacks. It is called before Connect.
	SetHandlers(h Handlers)

	// Connect performs the broker handshake. It blocks until the handshake
	// succeeds (OnConnected has then been called) or fails.
	Connect(ctx context.Context) error

	// Subscribe starts delivery of messages published on topic.
	Subscribe(topic string) error

	// Unsubscribe stops delivery for topic.
	Unsubscribe(topic string) error

	// Disconnect closes the connection. OnConnectionLost is not called.
	Disconnect() error
}
