package session

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig indicates that a config failed pre-flight validation and
// never reached the network.
var ErrInvalidConfig = errors.New("invalid config")

// ErrInvalidState indicates that an operation is not valid in the session's
// current lifecycle state.
var ErrInvalidState = errors.New("invalid state")

// ErrInvalidGeometry indicates bad resize arguments.
var ErrInvalidGeometry = errors.New("invalid geometry")

// ErrSessionClosed indicates that the session was closed and accepts no
// further operations.
var ErrSessionClosed = errors.New("session closed")

// TransportError wraps a handshake or connection failure reported by the
// engine. Errors during Connecting/Negotiating fail the connect; errors while
// Active force a transition to Failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
