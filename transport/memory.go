package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrConnClosed is returned by memory connection operations after Close.
var ErrConnClosed = errors.New("transport: connection closed")

// memBuffer is one direction of an in-memory stream: unbounded buffered
// writes, blocking reads.
type memBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newMemBuffer() *memBuffer {
	b := &memBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *memBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 {
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *memBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// memStream pairs a read buffer with the peer's read buffer as its write
// side.
type memStream struct {
	in  *memBuffer
	out *memBuffer
}

func (s *memStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.out.Write(p) }

// Close signals EOF to the peer and releases any local reader blocked on
// this stream.
func (s *memStream) Close() error {
	s.out.Close()
	return s.in.Close()
}

// MemoryConn is an in-process Conn whose streams are backed by unbounded
// memory buffers. Writes never block, which keeps single-goroutine tests
// free of pipe deadlocks while preserving ordered delivery.
type MemoryConn struct {
	peer     *MemoryConn
	incoming chan Stream
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ Conn = (*MemoryConn)(nil)

// NewMemoryPair returns two connected in-process connections. Streams opened
// on one side arrive at the other's AcceptStream.
func NewMemoryPair() (*MemoryConn, *MemoryConn) {
	a := &MemoryConn{incoming: make(chan Stream, 64), done: make(chan struct{})}
	b := &MemoryConn{incoming: make(chan Stream, 64), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *MemoryConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrConnClosed
	}
	if c.peer.isClosed() {
		return nil, ErrConnClosed
	}

	toPeer := newMemBuffer()
	fromPeer := newMemBuffer()
	local := &memStream{in: fromPeer, out: toPeer}
	remote := &memStream{in: toPeer, out: fromPeer}

	// Closure is signalled through done rather than by closing incoming so
	// a stream opened concurrently with peer Close is dropped, never a
	// send on a closed channel.
	select {
	case c.peer.incoming <- remote:
		return local, nil
	case <-c.peer.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MemoryConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MemoryConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
