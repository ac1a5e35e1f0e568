// Package mux owns the per-session channel set: N independent framed byte
// streams multiplexed over one transport connection, each carrying a single
// media substream or the out-of-band event traffic.
package mux

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/transport"
	"github.com/meshcast/meshcast/wire"
)

// ChannelState tracks a channel through its handshake lifecycle.
type ChannelState int

// Channel lifecycle states.
const (
	StateOpening ChannelState = iota
	StateHandshakeSent
	StateConfigPending
	StateConfigSent
	StateStreaming
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateConfigPending:
		return "config-pending"
	case StateConfigSent:
		return "config-sent"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// ErrChannelClosed is returned by writes on a closed channel.
var ErrChannelClosed = errors.New("mux: channel closed")

// Channel is one media substream over the shared connection. It owns a
// writer half, a reader half, and the one-time config handshake state.
// Writes are serialized internally; a Channel is safe for concurrent use.
type Channel struct {
	name   string
	stream transport.Stream
	log    *slog.Logger
	drops  *telemetry.DropCounters

	writeMu sync.Mutex

	mu         sync.Mutex
	state      ChannelState
	configSent bool
	config     wire.StreamConfig
}

// Name returns the channel's routing name.
func (c *Channel) Name() string { return c.name }

// Reader exposes the channel's inbound byte stream. Exactly one consumer
// may read it: a receiver's de-framing loop, or the goroutine started by
// DiscardInbound on sender channels.
func (c *Channel) Reader() io.Reader { return c.stream }

// DiscardInbound starts a goroutine draining the inbound half of a sender
// channel. The server sends nothing meaningful on media channels; anything
// that arrives is logged and discarded. A read error closes this channel
// only and is reported through onError when non-nil.
func (c *Channel) DiscardInbound(onError func(error)) {
	go func() {
		d := wire.NewDemuxer(c.stream)
		for {
			pkt, err := d.Next()
			if err != nil {
				if err != io.EOF {
					c.log.Debug("media channel read ended", "error", err)
					if onError != nil {
						onError(err)
					}
				}
				c.Close()
				return
			}
			c.log.Debug("unexpected inbound packet on media channel",
				"type", pkt.Type, "bytes", len(pkt.Payload))
		}
	}()
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the cached codec config and whether one has been sent.
func (c *Channel) Config() (wire.StreamConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config, c.configSent
}

// SendConfig sends the one-time StreamConfig handshake as a TypeConfig
// packet. It is idempotent, concurrent callers included: exactly one config
// packet reaches the wire. Must complete before any media is offered on the
// channel.
func (c *Channel) SendConfig(mediaType string, params wire.CodecParams) error {
	// writeMu spans the sent-check and the write so a racing caller cannot
	// slip a duplicate config between them.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.configSent {
		c.mu.Unlock()
		return nil
	}
	cfg := wire.NewStreamConfig(c.name, mediaType, params)
	c.mu.Unlock()

	payload, err := marshalControl(cfg)
	if err != nil {
		return err
	}

	if err := wire.WriteFrame(c.stream, wire.EncodePacket(payload, 0, 0, media.TypeConfig)); err != nil {
		c.log.Warn("channel write failed", "error", err)
		c.Close()
		return err
	}

	c.mu.Lock()
	c.config = cfg
	c.configSent = true
	if c.state == StateConfigPending || c.state == StateHandshakeSent {
		c.state = StateConfigSent
	}
	c.mu.Unlock()

	c.log.Debug("config sent", "mediaType", mediaType, "codec", params.Codec)
	return nil
}

// SendMedia packetizes and writes one media payload. If the channel's config
// has not been sent yet the frame is dropped silently and counted: losing
// early frames is preferred to buffering unboundedly before the handshake
// completes.
func (c *Channel) SendMedia(payload []byte, timestampMicros, baseMicros int64, typ media.FrameType) error {
	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		c.drops.Add(telemetry.DropChannelClosed)
		return ErrChannelClosed
	case !c.configSent:
		c.mu.Unlock()
		c.drops.Add(telemetry.DropConfigUnsent)
		return nil
	}
	c.mu.Unlock()

	if err := c.writePacket(wire.EncodePacket(payload, timestampMicros, baseMicros, typ)); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateConfigSent {
		c.state = StateStreaming
	}
	c.mu.Unlock()
	return nil
}

// writePacket frames and writes one packet, closing the channel on failure.
// Transport write failures are terminal for this channel only; the sender
// does not retry.
func (c *Channel) writePacket(packet []byte) error {
	c.writeMu.Lock()
	err := wire.WriteFrame(c.stream, packet)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("channel write failed", "error", err)
		c.Close()
		return err
	}
	return nil
}

// Close tears down the channel's stream. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.stream.Close()
	c.log.Debug("channel closed")
}
