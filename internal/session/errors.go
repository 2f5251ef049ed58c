package session

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by Connect when the attempt was aborted by its
// context, by Disconnect, or by a newer Connect.
var ErrCancelled = errors.New("connection cancelled")

// ConnectionFailedError is returned by Connect when the SSH handshake or the
// listener setup failed.
type ConnectionFailedError struct {
	Addr string
	Err  error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Err
}

// TransportError is carried by EventError when an established transport
// fails out of band. The session is left in place.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
