package transport

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by ReadMessage and WriteMessage after Close. A
// read loop that asked for the close treats it as a normal shutdown.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is a message-oriented duplex channel: send one message, receive one
// message, close. It is exclusively owned by one session once accepted.
type Conn interface {
	// ReadMessage blocks until the next inbound message. It returns io.EOF
	// when the peer went away cleanly and ErrConnClosed after Close. Close
	// is the only way to interrupt a blocked read.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one message. Callers serialize their own writes;
	// implementations are not required to support concurrent writers.
	WriteMessage(data []byte) error

	// Close releases the connection and unblocks a pending ReadMessage.
	// Safe to call more than once.
	Close() error
}

// Handler takes ownership of an accepted connection together with the
// identity the peer presented (empty when the peer presented none). The
// returned channel fires exactly once, when the connection's new owner has
// finished with it; acceptors block on it before releasing the underlying
// resource.
type Handler func(ctx context.Context, conn Conn, chargePointID string) (released <-chan struct{})
