// Package publish implements the sending half of a meshcast session: one
// Publisher per local media source runs parallel video encode ladders plus
// an audio path, each feeding its own multiplexed channel. A shared frame
// counter forces keyframes on all ladders at the same instants so receivers
// can switch tiers cleanly.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcast/meshcast/codec"
	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/mux"
	"github.com/meshcast/meshcast/session"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/transport"
	"github.com/meshcast/meshcast/wire"
)

const (
	defaultKeyframeInterval = 30

	// An encoder holding more than this many undelivered frames is
	// falling behind; further frames are dropped for that ladder only.
	maxEncodeQueue = 2
)

// Status is the uniform fault event the publisher surfaces. Faults never
// stop the pipeline; the host decides whether to tear down.
type Status struct {
	Channel string
	Err     error
	Action  string
}

// Ladder names one video encode rung: its channel, tier, and encoder
// parameters.
type Ladder struct {
	Channel string
	Tier    media.Tier
	Encoder codec.VideoEncoderConfig
}

// CameraLadders is the default two-rung camera ladder.
func CameraLadders() []Ladder {
	return []Ladder{
		{Channel: "cam_360p", Tier: media.Tier360p, Encoder: codec.VideoEncoderConfig{
			Codec: "vp09.00.10.08", Width: 640, Height: 360, FrameRate: 30, BitrateBPS: 500_000,
		}},
		{Channel: "cam_720p", Tier: media.Tier720p, Encoder: codec.VideoEncoderConfig{
			Codec: "vp09.00.10.08", Width: 1280, Height: 720, FrameRate: 30, BitrateBPS: 2_000_000,
		}},
	}
}

// Config parameterizes a Publisher.
type Config struct {
	StreamID   string
	StreamType string // "camera" or "screen_share"

	Ladders      []Ladder // default CameraLadders()
	AudioChannel string   // default "mic_48k"; "" disables audio
	SampleRate   int      // default 48000
	Channels     int      // default 2

	// KeyframeInterval forces a keyframe every Nth captured frame across
	// all ladders at once. Default 30.
	KeyframeInterval int

	Factories codec.Factories
	Clock     *session.Clock

	// Preview receives a video-only tap of captured frames for local
	// display. The receiver owns the clone and must Close it.
	Preview func(codec.RawFrame)

	OnStatus func(Status)

	Log     *slog.Logger
	Metrics *telemetry.Metrics
	Mux     mux.Config
}

// ladderState is one running encode rung.
type ladderState struct {
	spec Ladder
	enc  codec.VideoEncoder
	ch   *mux.Channel
}

// Publisher drives capture through encode to channel writes for one local
// source. Create with New, run with Run, flip mute flags at any time.
type Publisher struct {
	cfg   Config
	log   *slog.Logger
	drops *telemetry.DropCounters
	clock *session.Clock
	m     *mux.Multiplexer

	cameraEnabled atomic.Bool
	micEnabled    atomic.Bool
	frameCount    atomic.Int64

	mu      sync.Mutex
	ladders []*ladderState
	audio   *audioPath
	started bool
}

// New creates a Publisher over its own transport connection. Camera and mic
// start enabled.
func New(conn transport.Conn, cfg Config) *Publisher {
	if len(cfg.Ladders) == 0 {
		cfg.Ladders = CameraLadders()
	}
	if cfg.AudioChannel == "" {
		cfg.AudioChannel = "mic_48k"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = defaultKeyframeInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = session.NewClock()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "publisher", "stream", cfg.StreamID)

	muxCfg := cfg.Mux
	muxCfg.StreamID = cfg.StreamID
	muxCfg.Log = log
	muxCfg.Metrics = cfg.Metrics

	p := &Publisher{
		cfg:   cfg,
		log:   log,
		drops: telemetry.NewDropCounters(cfg.Metrics),
		clock: cfg.Clock,
		m:     mux.New(conn, muxCfg),
	}
	p.cameraEnabled.Store(true)
	p.micEnabled.Store(true)
	return p
}

// Drops exposes the publisher's drop counters.
func (p *Publisher) Drops() *telemetry.DropCounters { return p.drops }

// SetCameraEnabled flips camera mute. Capture continues either way; muted
// frames are closed immediately after capture.
func (p *Publisher) SetCameraEnabled(on bool) { p.cameraEnabled.Store(on) }

// SetMicEnabled flips mic mute. The recorder keeps running; muted pages are
// skipped while the timeline keeps advancing.
func (p *Publisher) SetMicEnabled(on bool) { p.micEnabled.Store(on) }

// Run connects the event channel, announces publisher state, opens one
// channel per ladder plus audio, and pumps both sources until they close or
// ctx is cancelled. It blocks for the life of the session.
func (p *Publisher) Run(ctx context.Context, video VideoSource, audio AudioPageSource) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("publish: already running")
	}
	p.started = true
	p.mu.Unlock()
	defer p.close()

	if err := p.m.ConnectEvents(ctx); err != nil {
		return fmt.Errorf("connect events: %w", err)
	}
	err := p.m.AnnouncePublisherState(wire.PublisherState{
		StreamID:      p.cfg.StreamID,
		HasCamera:     video != nil,
		HasMic:        audio != nil,
		CameraEnabled: p.cameraEnabled.Load(),
		MicEnabled:    p.micEnabled.Load(),
		StreamType:    p.cfg.StreamType,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	if video != nil && p.cfg.Factories.VideoEncoder != nil {
		if err := p.openLadders(ctx); err != nil {
			return err
		}
	}
	if audio != nil {
		ch, err := p.m.OpenChannel(ctx, p.cfg.AudioChannel)
		if err != nil {
			return fmt.Errorf("open channel %s: %w", p.cfg.AudioChannel, err)
		}
		ch.DiscardInbound(p.channelError(p.cfg.AudioChannel))
		p.mu.Lock()
		p.audio = &audioPath{pub: p, ch: ch, sampleRate: p.cfg.SampleRate, channels: p.cfg.Channels}
		p.mu.Unlock()
	}

	p.log.Info("publisher running",
		"ladders", len(p.ladders), "audio", audio != nil, "type", p.cfg.StreamType)

	g, ctx := errgroup.WithContext(ctx)
	if video != nil && len(p.ladders) > 0 {
		g.Go(func() error { return p.videoLoop(ctx, video) })
	}
	if audio != nil {
		g.Go(func() error { return p.audio.run(ctx, audio) })
	}
	return g.Wait()
}

func (p *Publisher) openLadders(ctx context.Context) error {
	for _, spec := range p.cfg.Ladders {
		ch, err := p.m.OpenChannel(ctx, spec.Channel)
		if err != nil {
			return fmt.Errorf("open channel %s: %w", spec.Channel, err)
		}
		ch.DiscardInbound(p.channelError(spec.Channel))

		l := &ladderState{spec: spec, ch: ch}
		l.enc = p.cfg.Factories.VideoEncoder(p.ladderOutput(l), p.encoderError(spec.Channel))
		if err := l.enc.Configure(spec.Encoder); err != nil {
			return fmt.Errorf("configure %s encoder: %w", spec.Channel, err)
		}
		p.mu.Lock()
		p.ladders = append(p.ladders, l)
		p.mu.Unlock()
	}
	return nil
}

// videoLoop fans each captured frame out to every ladder. One shared
// counter decides keyframes so all tiers produce them at the same instants.
func (p *Publisher) videoLoop(ctx context.Context, src VideoSource) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-src.Frames():
			if !ok {
				p.flushLadders()
				return nil
			}
			p.handleFrame(frame)
		}
	}
}

func (p *Publisher) handleFrame(frame codec.RawFrame) {
	if !p.cameraEnabled.Load() {
		frame.Close()
		p.drops.Add(telemetry.DropMuted)
		return
	}

	if p.cfg.Preview != nil {
		p.cfg.Preview(frame.Clone())
	}

	n := p.frameCount.Add(1)
	forceKey := (n-1)%int64(p.cfg.KeyframeInterval) == 0

	p.clock.AnchorVideo(frame.TimestampMicros())

	p.mu.Lock()
	ladders := p.ladders
	p.mu.Unlock()

	// Each encoder consumes its own copy; the original is closed once all
	// copies are handed off.
	for _, l := range ladders {
		if l.enc.QueueDepth() > maxEncodeQueue {
			p.drops.Add(telemetry.DropEncoderBackpressure)
			continue
		}
		cp := frame.Clone()
		if err := l.enc.Encode(cp, forceKey); err != nil {
			cp.Close()
			p.report(Status{Channel: l.spec.Channel, Err: err, Action: "frame skipped"})
		}
	}
	frame.Close()
}

// ladderOutput returns the encoder output callback for one rung: send the
// channel config as soon as the encoder knows its setup bytes, then stream
// media.
func (p *Publisher) ladderOutput(l *ladderState) func(codec.EncodedVideo) {
	return func(ev codec.EncodedVideo) {
		if setup := l.enc.SetupData(); setup != nil {
			err := l.ch.SendConfig("video", wire.CodecParams{
				Codec:       l.spec.Encoder.Codec,
				CodedWidth:  l.spec.Encoder.Width,
				CodedHeight: l.spec.Encoder.Height,
				FrameRate:   l.spec.Encoder.FrameRate,
				Description: wire.EncodeDescription(setup),
			})
			if err != nil {
				p.report(Status{Channel: l.spec.Channel, Err: err, Action: "config failed"})
				return
			}
		}
		typ := media.VideoType(l.spec.Tier, ev.Keyframe)
		base := p.clock.Base()
		if err := l.ch.SendMedia(ev.Data, ev.TimestampMicros, base, typ); err != nil {
			p.report(Status{Channel: l.spec.Channel, Err: err, Action: "send failed"})
		}
	}
}

func (p *Publisher) flushLadders() {
	p.mu.Lock()
	ladders := p.ladders
	p.mu.Unlock()
	for _, l := range ladders {
		if err := l.enc.Flush(); err != nil {
			p.report(Status{Channel: l.spec.Channel, Err: err, Action: "flush failed"})
		}
	}
}

func (p *Publisher) close() {
	p.mu.Lock()
	ladders := p.ladders
	p.mu.Unlock()
	for _, l := range ladders {
		l.enc.Close()
	}
	p.m.Close()
	p.log.Info("publisher stopped")
}

func (p *Publisher) encoderError(channel string) func(error) {
	return func(err error) {
		p.log.Warn("encoder error", "channel", channel, "error", err)
		p.report(Status{Channel: channel, Err: err, Action: "encoder fault"})
	}
}

func (p *Publisher) channelError(channel string) func(error) {
	return func(err error) {
		p.report(Status{Channel: channel, Err: err, Action: "channel closed"})
	}
}

func (p *Publisher) report(st Status) {
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(st)
	}
}
