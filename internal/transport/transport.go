// Package transport owns the persistent websocket used for real-time chat
// traffic. It exposes dialing, a single-writer send path and an inbound
// frame stream; reconnection policy lives above it in connmgr.
package transport

import (
	"context"

	"chatlink/internal/domain"
)

// Conn is one live bidirectional connection.
type Conn interface {
	// Send queues a frame for delivery. It fails once the connection died.
	Send(frame domain.Frame) error
	// Frames streams inbound frames. The channel closes when the
	// connection terminates.
	Frames() <-chan domain.Frame
	// Done is closed when the connection terminates for any reason.
	Done() <-chan struct{}
	// Err reports why the connection terminated; nil for a client-initiated
	// close.
	Err() error
	// Close performs a client-initiated graceful close.
	Close() error
}

// Dialer opens connections. The bearer token authenticates the socket.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}
