package protocol

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send after the connection was closed locally or
// dropped by the transport.
var ErrClosed = errors.New("protocol: connection closed")

// ErrSendQueueFull is returned by Send when the outbound queue has no room,
// typically because the peer stopped reading.
var ErrSendQueueFull = errors.New("protocol: send queue full")

// Conn is one established transport connection to the peer.
//
// Events delivers inbound messages in arrival order and is closed when the
// connection ends. After Events is closed, Err distinguishes an unexpected
// drop (non-nil) from a locally initiated Close (nil).
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// Send encodes and writes one message. It must not block on the network
	// for longer than the implementation's write timeout.
	Send(ctx context.Context, m Message) error

	// Events returns the inbound message channel.
	Events() <-chan Message

	// Err returns the error that terminated the connection, or nil.
	Err() error

	// Close performs a normal closure. It is idempotent.
	Close() error
}

// Dialer opens new connections to the peer.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
