package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Manager.
	ErrClosed = errors.New("menshnet: session closed")

	// ErrReadyTimeout is returned by WaitConnected when the configured ready
	// timeout elapses before the transport connects.
	ErrReadyTimeout = errors.New("menshnet: timed out waiting for transport connection")
)

// ConnectError reports a failed setup call. It is not retried.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("menshnet: connect: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// StartError reports a failed start command for one pipeline resource.
type StartError struct {
	Name       string
	ResourceID string
	Err        error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("menshnet: start pipeline %q (resource %s): %v", e.Name, e.ResourceID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// TransportLossError is handed to the disconnect callback when the broker
// connection drops or cannot be established.
type TransportLossError struct {
	Err error
}

func (e *TransportLossError) Error() string {
	return fmt.Sprintf("menshnet: transport lost: %v", e.Err)
}

func (e *TransportLossError) Unwrap() error { return e.Err }
