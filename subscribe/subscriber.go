// Package subscribe implements the receiving half of a meshcast session:
// one Subscription per remote stream, owning its channels, decoder slots,
// quality-switch state machine, and adaptive decode pacing. Decoded video
// goes straight to a rendering sink; decoded audio is handed to the jitter
// buffer, which owns all further pacing.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/meshcast/meshcast/codec"
	"github.com/meshcast/meshcast/jitter"
	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/mux"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/transport"
	"github.com/meshcast/meshcast/wire"
)

// ConnectionStatus is a subscription's coarse lifecycle state.
type ConnectionStatus int

// Subscription connection states.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	}
	return "invalid"
}

// Errors returned by Subscription lifecycle methods.
var (
	ErrNotReusable   = errors.New("subscribe: subscription stopped, create a new one")
	ErrAlreadyActive = errors.New("subscribe: subscription already started")
	ErrUnknownTier   = errors.New("subscribe: no channel for tier")
)

// ChannelSpec names one channel the subscription reads and what it carries.
type ChannelSpec struct {
	Name string
	Kind string // "video" or "audio"
	Tier media.Tier
}

// CameraChannels is the default channel set for a camera stream: two video
// quality tiers plus audio.
func CameraChannels() []ChannelSpec {
	return []ChannelSpec{
		{Name: "cam_360p", Kind: "video", Tier: media.Tier360p},
		{Name: "cam_720p", Kind: "video", Tier: media.Tier720p},
		{Name: "mic_48k", Kind: "audio"},
	}
}

// Status is the uniform error/action event every fault surfaces through.
type Status struct {
	Channel string
	Err     error
	Action  string
}

const (
	defaultVideoInterval = 33 * time.Millisecond
	defaultAudioInterval = 20 * time.Millisecond
)

// Config parameterizes a Subscription.
type Config struct {
	StreamID    string
	RoomID      string
	IsOwnStream bool
	Channels    []ChannelSpec // default CameraChannels()
	InitialTier media.Tier    // default 360p

	Factories codec.Factories

	// VideoSink receives decoded frames immediately; rendering is assumed
	// to be real-time with no further buffering.
	VideoSink func(codec.DecodedVideo)

	// AudioBuffer, when set, receives decoded planar audio for paced
	// playback. AudioSink additionally observes every decoded block.
	AudioBuffer *jitter.Buffer
	AudioSink   func(codec.DecodedAudio)

	OnStatus func(Status)

	// Nominal decode cadences the pacer scales.
	VideoInterval time.Duration // default 33ms
	AudioInterval time.Duration // default 20ms

	Log     *slog.Logger
	Metrics *telemetry.Metrics
	Mux     mux.Config // heartbeat/event tuning for the subscription's connection
}

// Subscription consumes one remote stream. Not reusable: after Stop a new
// Subscription must be created.
type Subscription struct {
	ID string

	cfg   Config
	log   *slog.Logger
	drops *telemetry.DropCounters
	m     *mux.Multiplexer

	videoIntake chan media.EncodedChunk
	audioIntake chan media.EncodedChunk

	mu         sync.Mutex
	status     ConnectionStatus
	activeTier media.Tier
	slots      map[media.Tier]*videoSlot
	audio      *audioSlot
	started    bool
	stopped    bool
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Subscription over its own transport connection. The
// subscriber ID is derived from the stream ID and the wall clock so repeated
// subscriptions to the same stream stay distinguishable in logs and on the
// server.
func New(conn transport.Conn, cfg Config) *Subscription {
	if len(cfg.Channels) == 0 {
		cfg.Channels = CameraChannels()
	}
	if cfg.InitialTier == "" {
		cfg.InitialTier = media.Tier360p
	}
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = defaultVideoInterval
	}
	if cfg.AudioInterval <= 0 {
		cfg.AudioInterval = defaultAudioInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	id := fmt.Sprintf("subscriber_%s_%d", cfg.StreamID, time.Now().UnixMilli())
	log = log.With("component", "subscriber", "id", id)

	muxCfg := cfg.Mux
	muxCfg.StreamID = cfg.StreamID
	muxCfg.Log = log
	muxCfg.Metrics = cfg.Metrics

	s := &Subscription{
		ID:          id,
		cfg:         cfg,
		log:         log,
		drops:       telemetry.NewDropCounters(cfg.Metrics),
		m:           mux.New(conn, muxCfg),
		videoIntake: make(chan media.EncodedChunk, media.VideoBufferSize),
		audioIntake: make(chan media.EncodedChunk, media.AudioBufferSize),
		status:      StatusDisconnected,
		activeTier:  cfg.InitialTier,
		slots:       make(map[media.Tier]*videoSlot),
	}

	for _, spec := range cfg.Channels {
		switch spec.Kind {
		case "video":
			if cfg.Factories.VideoDecoder != nil {
				s.slots[spec.Tier] = newVideoSlot(spec.Tier, cfg.Factories.VideoDecoder,
					s.emitVideo, s.decoderError(spec.Name))
			}
		case "audio":
			if cfg.Factories.AudioDecoder != nil {
				s.audio = newAudioSlot(cfg.Factories.AudioDecoder,
					s.emitAudio, s.decoderError(spec.Name))
			}
		}
	}
	return s
}

// Drops exposes the subscription's drop counters.
func (s *Subscription) Drops() *telemetry.DropCounters { return s.drops }

// Status returns the current connection status.
func (s *Subscription) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ActiveTier returns the currently selected video quality tier.
func (s *Subscription) ActiveTier() media.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTier
}

// Start opens the event channel and one channel per spec, then runs the
// reader and pacing loops until Stop or ctx cancellation. A stopped
// subscription cannot be restarted.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrNotReusable
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.started = true
	s.status = StatusConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.m.ConnectEvents(ctx); err != nil {
		s.fail()
		return fmt.Errorf("connect events: %w", err)
	}

	for _, spec := range s.cfg.Channels {
		ch, err := s.m.OpenChannel(ctx, spec.Name)
		if err != nil {
			s.fail()
			return fmt.Errorf("open channel %s: %w", spec.Name, err)
		}
		s.wg.Add(1)
		go s.readLoop(ctx, spec, ch)
	}

	s.wg.Add(2)
	go s.paceVideo(ctx)
	go s.paceAudio(ctx)

	s.mu.Lock()
	s.status = StatusConnected
	s.mu.Unlock()
	s.log.Info("subscription started", "channels", len(s.cfg.Channels), "tier", s.cfg.InitialTier)
	return nil
}

// Stop tears down channels, decoders, and the audio buffer. Abrupt by
// design: in-flight reads are abandoned, not drained.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.status = StatusDisconnected
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.m.Close()
	s.wg.Wait()

	s.mu.Lock()
	for _, slot := range s.slots {
		slot.close()
	}
	if s.audio != nil {
		s.audio.close()
	}
	s.mu.Unlock()

	if s.cfg.AudioBuffer != nil {
		s.cfg.AudioBuffer.Reset()
	}
	s.log.Info("subscription stopped")
}

// SwitchBitrate selects a new active video tier: the server is asked to
// route the target tier, the active decoder pointer swaps, and the target's
// keyframe gate resets so no delta is decoded against a stale or
// wrong-tier reference. No explicit keyframe request is made; the server's
// periodic keyframe cadence unblocks the new tier.
func (s *Subscription) SwitchBitrate(tier media.Tier) error {
	s.mu.Lock()
	slot, ok := s.slots[tier]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	s.activeTier = tier
	slot.resetGate()
	s.mu.Unlock()

	s.log.Info("quality switch", "tier", tier)
	return s.m.SendEvent(wire.SwitchBitrate{
		Type:     wire.MsgSwitchBitrate,
		StreamID: s.cfg.StreamID,
		Quality:  string(tier),
	})
}

// readLoop de-frames one channel and dispatches its packets. Any terminal
// read error tears down this channel only.
func (s *Subscription) readLoop(ctx context.Context, spec ChannelSpec, ch *mux.Channel) {
	defer s.wg.Done()

	d := wire.NewDemuxer(ch.Reader())
	for {
		pkt, err := d.Next()
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				s.log.Warn("channel read failed", "channel", spec.Name, "error", err)
				s.report(Status{Channel: spec.Name, Err: err, Action: "channel closed"})
			}
			ch.Close()
			return
		}
		s.handlePacket(ctx, spec, pkt)
	}
}

// handlePacket applies the config and keyframe gates, then queues the chunk
// for paced decode. Gating happens at intake so the pace queues only ever
// hold decodable frames and every drop is counted at its cause.
func (s *Subscription) handlePacket(ctx context.Context, spec ChannelSpec, pkt wire.Packet) {
	if pkt.Type == media.TypeConfig {
		s.applyConfig(spec, pkt.Payload)
		return
	}

	chunk := media.EncodedChunk{Type: pkt.Type, TimestampMS: pkt.TimestampMS, Data: pkt.Payload}

	if pkt.Type == media.TypeAudio {
		s.mu.Lock()
		ready := s.audio != nil && s.audio.configured
		s.mu.Unlock()
		if !ready {
			s.drops.Add(telemetry.DropAwaitingConfig)
			return
		}
		select {
		case s.audioIntake <- chunk:
		case <-ctx.Done():
		}
		return
	}

	if !pkt.Type.IsVideo() {
		s.log.Debug("ignoring packet", "type", pkt.Type, "channel", spec.Name)
		return
	}

	s.mu.Lock()
	slot, ok := s.slots[pkt.Type.Tier()]
	switch {
	case !ok || !slot.configured:
		s.mu.Unlock()
		s.drops.Add(telemetry.DropAwaitingConfig)
		return
	case slot.tier != s.activeTier:
		s.mu.Unlock()
		s.drops.Add(telemetry.DropWrongTier)
		return
	case pkt.Type.IsKeyframe():
		slot.keyframeSeen = true
	case !slot.keyframeSeen:
		s.mu.Unlock()
		s.drops.Add(telemetry.DropAwaitingKeyframe)
		return
	}
	s.mu.Unlock()

	select {
	case s.videoIntake <- chunk:
	case <-ctx.Done():
	}
}

// applyConfig decodes a channel's StreamConfig and configures the matching
// decoder slot, caching the config for closed-decoder recovery.
func (s *Subscription) applyConfig(spec ChannelSpec, payload []byte) {
	sc, err := wire.ParseStreamConfig(payload)
	if err != nil {
		s.log.Warn("bad stream config", "channel", spec.Name, "error", err)
		s.report(Status{Channel: spec.Name, Err: err, Action: "config ignored"})
		return
	}
	desc, err := sc.Config.DescriptionBytes()
	if err != nil {
		s.report(Status{Channel: spec.Name, Err: err, Action: "config ignored"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch spec.Kind {
	case "video":
		slot, ok := s.slots[spec.Tier]
		if !ok {
			return
		}
		err = slot.configure(codec.VideoDecoderConfig{
			Codec:       sc.Config.Codec,
			Width:       sc.Config.CodedWidth,
			Height:      sc.Config.CodedHeight,
			Description: desc,
		})
	case "audio":
		if s.audio == nil {
			return
		}
		err = s.audio.configure(codec.AudioDecoderConfig{
			Codec:       sc.Config.Codec,
			SampleRate:  sc.Config.SampleRate,
			Channels:    sc.Config.NumberOfChannels,
			Description: desc,
		})
	}
	if err != nil {
		s.log.Warn("decoder configure failed", "channel", spec.Name, "error", err)
		s.report(Status{Channel: spec.Name, Err: err, Action: "decoder unavailable"})
		return
	}
	s.log.Debug("channel configured", "channel", spec.Name, "codec", sc.Config.Codec)
}

// paceVideo dequeues and decodes video chunks at the pacer's interval. The
// ticker is rebuilt only when the pacer changes class.
func (s *Subscription) paceVideo(ctx context.Context) {
	defer s.wg.Done()
	s.paceLoop(ctx, newVideoPacer(s.cfg.VideoInterval), s.videoIntake, s.decodeVideo)
}

// paceAudio runs the same stepped controller over the audio intake.
func (s *Subscription) paceAudio(ctx context.Context) {
	defer s.wg.Done()
	s.paceLoop(ctx, newAudioPacer(s.cfg.AudioInterval), s.audioIntake, s.decodeAudio)
}

func (s *Subscription) paceLoop(ctx context.Context, p *pacer, intake chan media.EncodedChunk, decode func(media.EncodedChunk)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case chunk := <-intake:
				decode(chunk)
			default:
			}
			if iv, changed := p.update(len(intake)); changed {
				ticker.Reset(iv)
			}
		}
	}
}

func (s *Subscription) decodeVideo(chunk media.EncodedChunk) {
	s.mu.Lock()
	slot, ok := s.slots[chunk.Type.Tier()]
	if !ok || slot.tier != s.activeTier {
		// Tier switched while the chunk sat in the intake queue.
		s.mu.Unlock()
		s.drops.Add(telemetry.DropWrongTier)
		return
	}
	s.mu.Unlock()

	if err := slot.decode(chunk); err != nil {
		s.log.Warn("video decode failed", "tier", slot.tier, "error", err)
		s.report(Status{Channel: string(slot.tier), Err: err, Action: "frame skipped"})
	}
}

func (s *Subscription) decodeAudio(chunk media.EncodedChunk) {
	s.mu.Lock()
	slot := s.audio
	s.mu.Unlock()
	if slot == nil {
		return
	}
	if err := slot.decode(chunk); err != nil {
		s.log.Warn("audio decode failed", "error", err)
		s.report(Status{Channel: "audio", Err: err, Action: "chunk skipped"})
	}
}

func (s *Subscription) emitVideo(frame codec.DecodedVideo) {
	if s.cfg.VideoSink != nil {
		s.cfg.VideoSink(frame)
	}
}

func (s *Subscription) emitAudio(block codec.DecodedAudio) {
	if s.cfg.AudioBuffer != nil {
		s.cfg.AudioBuffer.Push(block.Block)
	}
	if s.cfg.AudioSink != nil {
		s.cfg.AudioSink(block)
	}
}

func (s *Subscription) decoderError(channel string) func(error) {
	return func(err error) {
		s.report(Status{Channel: channel, Err: err, Action: "decoder error"})
	}
}

func (s *Subscription) report(st Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

func (s *Subscription) fail() {
	s.mu.Lock()
	s.status = StatusFailed
	s.mu.Unlock()
}
