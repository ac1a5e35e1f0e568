package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
)

// ALPN identifier for the meshcast media protocol.
const alpnProtocol = "meshcast/1"

// quicConn adapts a quic-go connection to the Conn interface.
type quicConn struct {
	conn quic.Connection
}

var _ Conn = (*quicConn)(nil)

// Dial establishes a QUIC connection to addr. The returned Conn carries all
// channels of one session. tlsConf may be nil for a default config that
// skips verification only when explicitly configured by the caller.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{alpnProtocol}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		EnableDatagrams: false,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return &quicConn{conn: conn}, nil
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return s, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	return s, nil
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "session closed")
}

// Listener accepts incoming QUIC connections.
type Listener struct {
	ln *quic.Listener
}

// Listen starts a QUIC listener on addr using the given TLS certificate.
func Listen(addr string, cert tls.Certificate) (*Listener, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a connection arrives or ctx is done.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quic accept: %w", err)
	}
	return &quicConn{conn: conn}, nil
}

// Addr returns the listener's address string.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops the listener. Established connections are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
