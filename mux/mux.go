package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/transport"
	"github.com/meshcast/meshcast/wire"
)

// EventChannelName is the reserved name of the out-of-band control channel.
const EventChannelName = "events"

const defaultHeartbeat = 500 * time.Millisecond

// HeartbeatPolicy selects what a missed pong does. The protocol itself
// mandates nothing here; reconnection may well be handled out of band by
// the session layer, so the default only logs.
type HeartbeatPolicy int

// Heartbeat policies.
const (
	HeartbeatLogOnly HeartbeatPolicy = iota
	HeartbeatCloseChannel
)

// Config parameterizes a Multiplexer. Zero values get sensible defaults.
type Config struct {
	StreamID        string
	Heartbeat       time.Duration   // ping interval, default 500ms
	PongTimeout     time.Duration   // default 4x heartbeat
	HeartbeatPolicy HeartbeatPolicy // default log-only

	// OnEvent receives every inbound event-channel message. The multiplexer
	// deserializes only the type envelope; semantics are the caller's.
	OnEvent func(wire.ServerEvent)

	// OnChannelError is invoked when a channel's reader loop dies. Errors on
	// one channel never propagate to siblings.
	OnChannelError func(channel string, err error)

	Log     *slog.Logger
	Metrics *telemetry.Metrics
}

// Multiplexer owns all channels of one session over a single transport
// connection: per-channel handshakes, the config-before-media contract, and
// the dedicated event channel with its heartbeat.
type Multiplexer struct {
	conn  transport.Conn
	cfg   Config
	log   *slog.Logger
	drops *telemetry.DropCounters

	mu       sync.RWMutex
	channels map[string]*Channel
	event    *Channel
	lastPong time.Time

	closeOnce sync.Once
}

// New creates a Multiplexer over conn. Call OpenChannel per media substream
// and ConnectEvents once for the control traffic.
func New(conn transport.Conn, cfg Config) *Multiplexer {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 4 * cfg.Heartbeat
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		conn:     conn,
		cfg:      cfg,
		log:      log.With("component", "mux", "stream", cfg.StreamID),
		drops:    telemetry.NewDropCounters(cfg.Metrics),
		channels: make(map[string]*Channel),
	}
}

// Drops exposes the multiplexer's drop counters.
func (m *Multiplexer) Drops() *telemetry.DropCounters { return m.drops }

// OpenChannel opens one media channel: a new bidirectional stream whose very
// first write is the raw UTF-8 channel name. The name is deliberately not
// wrapped in the length-prefix framing that every subsequent packet gets;
// the server reads it as the stream's first bytes to route the channel.
//
// The inbound half belongs to the caller: a sender should start
// [Channel.DiscardInbound], a receiver runs its own de-framing loop over
// [Channel.Reader].
func (m *Multiplexer) OpenChannel(ctx context.Context, name string) (*Channel, error) {
	if name == EventChannelName {
		return nil, fmt.Errorf("mux: %q is reserved for the event channel", name)
	}

	ch, err := m.openRaw(ctx, name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.channels[name] = ch
	m.mu.Unlock()

	m.log.Debug("channel opened", "channel", name)
	return ch, nil
}

// openRaw opens the stream and performs the name handshake.
func (m *Multiplexer) openRaw(ctx context.Context, name string) (*Channel, error) {
	stream, err := m.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", name, err)
	}

	ch := &Channel{
		name:   name,
		stream: stream,
		log:    m.log.With("channel", name),
		drops:  m.drops,
		state:  StateOpening,
	}

	if _, err := stream.Write([]byte(name)); err != nil {
		stream.Close()
		return nil, fmt.Errorf("channel %s handshake: %w", name, err)
	}

	ch.mu.Lock()
	ch.state = StateConfigPending
	ch.mu.Unlock()
	return ch, nil
}

// ConnectEvents opens the dedicated event channel and starts the heartbeat
// and inbound event loops. ctx bounds the lifetime of both loops. Publishers
// follow up with AnnouncePublisherState; subscribers use the channel for
// requests such as quality switches.
func (m *Multiplexer) ConnectEvents(ctx context.Context) error {
	ch, err := m.openRaw(ctx, EventChannelName)
	if err != nil {
		return err
	}
	// The event channel carries only control packets; mark it past the
	// config handshake so SendEvent writes are never gated.
	ch.mu.Lock()
	ch.configSent = true
	ch.state = StateStreaming
	ch.mu.Unlock()

	m.mu.Lock()
	m.event = ch
	m.lastPong = time.Now()
	m.mu.Unlock()

	go m.heartbeatLoop(ctx, ch)
	go m.eventReadLoop(ctx, ch)
	return nil
}

// AnnouncePublisherState sends the one-shot capability/mute announcement on
// the event channel.
func (m *Multiplexer) AnnouncePublisherState(state wire.PublisherState) error {
	state.Type = wire.MsgPublisherState
	if state.Timestamp == 0 {
		state.Timestamp = time.Now().UnixMilli()
	}
	if err := m.SendEvent(state); err != nil {
		return fmt.Errorf("announce publisher state: %w", err)
	}
	return nil
}

// SendEvent marshals v and writes it on the event channel as a TypeConfig
// packet. The header timestamp is zero; control payloads carry their own
// timestamps.
func (m *Multiplexer) SendEvent(v any) error {
	m.mu.RLock()
	ch := m.event
	m.mu.RUnlock()
	if ch == nil {
		return errors.New("mux: event channel not connected")
	}

	payload, err := marshalControl(v)
	if err != nil {
		return err
	}
	return ch.writePacket(wire.EncodePacket(payload, 0, 0, media.TypeConfig))
}

// Channel returns a media channel by name.
func (m *Multiplexer) Channel(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// ChannelNames lists the open media channels.
func (m *Multiplexer) ChannelNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.channels)
}

// Close tears down every channel and the connection.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		channels := lo.Values(m.channels)
		event := m.event
		m.mu.Unlock()

		for _, ch := range channels {
			ch.Close()
		}
		if event != nil {
			event.Close()
		}
		m.conn.Close()
		m.log.Debug("multiplexer closed")
	})
}

// eventReadLoop parses inbound event-channel packets and forwards them as
// ServerEvents. Pongs update the heartbeat deadline and are not forwarded.
func (m *Multiplexer) eventReadLoop(ctx context.Context, ch *Channel) {
	d := wire.NewDemuxer(ch.stream)
	for {
		if ctx.Err() != nil {
			return
		}

		pkt, err := d.Next()
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				m.log.Warn("event channel read failed", "error", err)
				m.reportChannelError(EventChannelName, err)
			}
			ch.Close()
			return
		}
		if pkt.Type != media.TypeConfig {
			m.log.Debug("non-control packet on event channel", "type", pkt.Type)
			continue
		}

		ev, err := wire.ParseServerEvent(pkt.Payload)
		if err != nil {
			m.log.Warn("bad event payload", "error", err)
			continue
		}

		if ev.Type == wire.MsgPong {
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
			continue
		}

		if m.cfg.OnEvent != nil {
			m.cfg.OnEvent(ev)
		}
	}
}

// heartbeatLoop pings on a fixed interval and applies the configured policy
// when pongs go missing.
func (m *Multiplexer) heartbeatLoop(ctx context.Context, ch *Channel) {
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ch.State() == StateClosed {
				return
			}

			err := m.SendEvent(wire.Heartbeat{
				Type:      wire.MsgPing,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				m.log.Warn("heartbeat send failed", "error", err)
				return
			}

			m.mu.RLock()
			silent := time.Since(m.lastPong)
			m.mu.RUnlock()

			if silent > m.cfg.PongTimeout {
				switch m.cfg.HeartbeatPolicy {
				case HeartbeatCloseChannel:
					m.log.Warn("pong overdue, closing event channel", "silent", silent)
					ch.Close()
					m.reportChannelError(EventChannelName, fmt.Errorf("mux: pong overdue by %s", silent))
					return
				default:
					m.log.Warn("pong overdue", "silent", silent)
				}
			}
		}
	}
}

func (m *Multiplexer) reportChannelError(name string, err error) {
	if m.cfg.OnChannelError != nil {
		m.cfg.OnChannelError(name, err)
	}
}

// marshalControl serializes a control message for a TypeConfig packet.
func marshalControl(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}
