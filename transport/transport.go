// Package transport abstracts the single reliable connection that carries
// all of a session's channels. Each channel maps to one ordered
// bidirectional byte stream multiplexed over the connection. The production
// implementation runs over QUIC; an in-process memory implementation backs
// tests and loopback use.
package transport

import (
	"context"
	"io"
)

// Stream is one ordered, reliable bidirectional byte stream. Close closes
// the write side; the peer observes io.EOF after draining.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Conn is a multiplexed connection owning any number of streams. Within one
// stream, byte order is delivery order; across streams no ordering is
// guaranteed.
type Conn interface {
	// OpenStream opens a new outgoing stream, blocking until the peer's
	// flow-control window admits it or ctx is done.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks until the peer opens a stream or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)

	// Close tears down the connection and all of its streams. In-flight
	// reads and writes fail; there is no draining period.
	Close() error
}
