package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/meshcast/meshcast/mux"
	"github.com/meshcast/meshcast/transport"
)

// relay is a minimal loopback media router: it bridges one publisher
// connection to one subscriber connection by channel name. A publisher
// stream's bytes are piped verbatim into the subscriber stream that opened
// with the same name; event channels are drained on both sides.
type relay struct {
	log *slog.Logger

	mu      sync.Mutex
	sources map[string]transport.Stream // publisher streams by channel name
	waiters map[string]chan transport.Stream
}

func newRelay(log *slog.Logger) *relay {
	return &relay{
		log:     log.With("component", "relay"),
		sources: make(map[string]transport.Stream),
		waiters: make(map[string]chan transport.Stream),
	}
}

// serve accepts exactly two connections: the publisher dials first, the
// subscriber second.
func (r *relay) serve(ctx context.Context, ln *transport.Listener) error {
	pub, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	r.log.Info("publisher connected")
	go r.handlePublisher(ctx, pub)

	sub, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	r.log.Info("subscriber connected")
	r.handleSubscriber(ctx, sub)
	return nil
}

func (r *relay) handlePublisher(ctx context.Context, conn transport.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			name, err := readChannelName(stream)
			if err != nil {
				r.log.Warn("bad handshake from publisher", "error", err)
				return
			}
			if name == mux.EventChannelName {
				// Not forwarded point-to-point; the relay is the event peer.
				io.Copy(io.Discard, stream)
				return
			}
			r.log.Info("publisher channel up", "channel", name)
			r.offer(name, stream)
		}()
	}
}

func (r *relay) handleSubscriber(ctx context.Context, conn transport.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			name, err := readChannelName(stream)
			if err != nil {
				r.log.Warn("bad handshake from subscriber", "error", err)
				return
			}
			if name == mux.EventChannelName {
				io.Copy(io.Discard, stream)
				return
			}
			src := r.claim(ctx, name)
			if src == nil {
				return
			}
			r.log.Info("bridging channel", "channel", name)
			if _, err := io.Copy(stream, src); err != nil {
				r.log.Debug("bridge ended", "channel", name, "error", err)
			}
			stream.Close()
		}()
	}
}

// offer registers a publisher stream, waking any subscriber already waiting
// for that channel.
func (r *relay) offer(name string, s transport.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.waiters[name]; ok {
		delete(r.waiters, name)
		w <- s
		return
	}
	r.sources[name] = s
}

// claim returns the publisher stream for a channel, blocking until the
// publisher opens it.
func (r *relay) claim(ctx context.Context, name string) transport.Stream {
	r.mu.Lock()
	if s, ok := r.sources[name]; ok {
		delete(r.sources, name)
		r.mu.Unlock()
		return s
	}
	w := make(chan transport.Stream, 1)
	r.waiters[name] = w
	r.mu.Unlock()

	select {
	case s := <-w:
		return s
	case <-ctx.Done():
		return nil
	}
}

// knownChannels is the routing vocabulary the relay understands. The set is
// prefix-free, so the handshake can be read byte-wise without a delimiter
// even when framed data follows it in the same receive chunk.
var knownChannels = []string{
	mux.EventChannelName, "cam_360p", "cam_720p", "cam_1080p", "mic_48k",
}

// readChannelName consumes the raw name handshake, the only unframed write
// on a fresh stream.
func readChannelName(s transport.Stream) (string, error) {
	var buf []byte
	one := make([]byte, 1)
	for len(buf) < 32 {
		if _, err := io.ReadFull(s, one); err != nil {
			return "", err
		}
		buf = append(buf, one[0])
		for _, name := range knownChannels {
			if string(buf) == name {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("unknown channel name %q", buf)
}
