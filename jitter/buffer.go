// Package jitter smooths irregular network audio arrival into a steady
// real-time output cadence. A Buffer sits between the receive pipeline and
// the audio engine's render callback: blocks are pushed in from the network
// side via copy-based message passing, and the render side drains per-channel
// sample queues at the engine's fixed block size.
//
// The render path never locks, never allocates per call beyond draining its
// ingest channel, and never returns an error: any fault degrades to silence.
package jitter

import (
	"sync/atomic"

	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/telemetry"
)

// Adaptive target bounds, in frames at the configured sample rate. The
// default target of 2048 frames is ~43ms at 48kHz.
const (
	DefaultTargetFrames = 2048
	MinTargetFrames     = 2048
	MaxTargetFrames     = 8192
)

// Growth is deliberately asymmetric: underruns grow the target fast (x1.5)
// while sustained surplus shrinks it slowly (x0.95 per callback). The bias
// trades latency for stability.
const (
	growFactor   = 1.5
	shrinkFactor = 0.95
)

const defaultFadeInFrames = 480 // ~10ms at 48kHz

// Config parameterizes a Buffer. Zero values get defaults.
type Config struct {
	Channels     int // default 2
	SampleRate   int // default 48000
	FadeInFrames int // default 480 (~10ms at 48kHz)

	// Health, when non-nil, receives one BufferHealth per render callback.
	// Sends are non-blocking; a slow consumer loses reports, never stalls
	// the render path.
	Health chan<- telemetry.BufferHealth

	// Metrics, when non-nil, mirrors depth and underruns to Prometheus.
	Metrics *telemetry.Metrics
}

// Buffer is a per-subscription adaptive jitter buffer. Push may be called
// from any goroutine; Render must be called from exactly one (the audio
// engine's render callback). Reset may be called from anywhere and takes
// effect on the next Render.
type Buffer struct {
	cfg     Config
	in      chan media.PCMBlock
	pending atomic.Bool // reset requested

	// Render-side state. Touched only inside Render.
	queues    [][]float32
	target    int
	isPlaying bool
	fadeLeft  int
}

// ingestDepth bounds blocks queued between network and render domains.
// ~2.5s of 20ms blocks; beyond that the network side is drowning the
// render side and dropping is the only sane response.
const ingestDepth = 128

// New creates a Buffer.
func New(cfg Config) *Buffer {
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.FadeInFrames <= 0 {
		cfg.FadeInFrames = defaultFadeInFrames
	}
	b := &Buffer{
		cfg:    cfg,
		in:     make(chan media.PCMBlock, ingestDepth),
		queues: make([][]float32, cfg.Channels),
		target: DefaultTargetFrames,
	}
	return b
}

// Push hands a planar block to the buffer. The samples are copied before
// crossing to the render domain; the caller may reuse the block. If the
// ingest queue is full the block is discarded.
func (b *Buffer) Push(block media.PCMBlock) {
	cp := media.PCMBlock{SampleRate: block.SampleRate, Planes: make([][]float32, len(block.Planes))}
	for ch, plane := range block.Planes {
		cp.Planes[ch] = append([]float32(nil), plane...)
	}
	select {
	case b.in <- cp:
	default:
	}
}

// Reset requests that the next Render clear all queues, stop playback, and
// restore the default adaptive target.
func (b *Buffer) Reset() {
	b.pending.Store(true)
}

// TargetFrames returns the current adaptive target. Render-side state: only
// meaningful from the render goroutine (or tests driving Render directly).
func (b *Buffer) TargetFrames() int { return b.target }

// Playing reports whether the playback gate is open. Render-side state.
func (b *Buffer) Playing() bool { return b.isPlaying }

// Queued returns the queued frame count, the minimum across channels.
// Render-side state.
func (b *Buffer) Queued() int {
	if len(b.queues) == 0 {
		return 0
	}
	queued := len(b.queues[0])
	for _, q := range b.queues[1:] {
		if len(q) < queued {
			queued = len(q)
		}
	}
	return queued
}

// Render fills out (one slice per channel, all equal length) with the next
// block of audio, returning true if real samples were written and false for
// a silence block. Invoked by the audio engine at its fixed block size,
// entirely decoupled from network timing.
func (b *Buffer) Render(out [][]float32) bool {
	if b.pending.Swap(false) {
		for ch := range b.queues {
			b.queues[ch] = nil
		}
		b.isPlaying = false
		b.target = DefaultTargetFrames
		b.fadeLeft = 0
	}

	b.drain()

	blockLen := 0
	if len(out) > 0 {
		blockLen = len(out[0])
	}
	queued := b.Queued()

	// Playback gate: stay silent until the queue reaches the target.
	if !b.isPlaying {
		if queued < b.target {
			b.silence(out)
			b.postHealth(queued)
			return false
		}
		b.isPlaying = true
		b.fadeLeft = b.cfg.FadeInFrames
	}

	if queued < blockLen {
		// Underrun: a full block of silence, close the gate, and grow the
		// target. This is the only growth trigger.
		b.silence(out)
		b.isPlaying = false
		b.target = scale(b.target, growFactor)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.Underruns.Inc()
		}
		b.postHealth(queued)
		return false
	}

	b.emit(out, blockLen)

	// Steady-state shrink: surplus beyond twice the target bleeds off a
	// little every callback.
	if b.Queued() > 2*b.target {
		b.target = scale(b.target, shrinkFactor)
	}

	b.postHealth(b.Queued())
	return true
}

// emit copies blockLen frames per channel into out, applying the fade-in
// ramp. The ramp counter advances once per output frame so all channels
// stay gain-matched. A channel whose queue runs short gets silence for the
// remainder of the block; emit never faults.
func (b *Buffer) emit(out [][]float32, blockLen int) {
	fadeTotal := b.cfg.FadeInFrames
	fadeLeft := b.fadeLeft

	for ch := range out {
		src := b.queues[ch]
		n := blockLen
		if n > len(src) {
			n = len(src)
		}
		copy(out[ch][:n], src[:n])
		clear(out[ch][n:])
		b.queues[ch] = src[n:]
	}

	if fadeLeft > 0 {
		for i := 0; i < blockLen && fadeLeft > 0; i++ {
			gain := float32(fadeTotal-fadeLeft) / float32(fadeTotal)
			for ch := range out {
				out[ch][i] *= gain
			}
			fadeLeft--
		}
		b.fadeLeft = fadeLeft
	}
}

// drain moves every pending ingest block into the render-side queues. Blocks
// carrying fewer planes than the buffer has channels (a mono packet on a
// stereo buffer) are upmixed from channel 0 so the queues advance in
// lockstep.
func (b *Buffer) drain() {
	for {
		select {
		case block := <-b.in:
			if len(block.Planes) == 0 {
				continue
			}
			for ch := range b.queues {
				plane := block.Planes[0]
				if ch < len(block.Planes) {
					plane = block.Planes[ch]
				}
				b.queues[ch] = append(b.queues[ch], plane...)
			}
		default:
			return
		}
	}
}

func (b *Buffer) silence(out [][]float32) {
	for ch := range out {
		clear(out[ch])
	}
}

func (b *Buffer) postHealth(queued int) {
	ms := float64(queued) * 1000 / float64(b.cfg.SampleRate)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.BufferDepthMS.Set(ms)
	}
	if b.cfg.Health == nil {
		return
	}
	select {
	case b.cfg.Health <- telemetry.BufferHealth{
		BufferMS:      ms,
		BufferSamples: queued,
		IsPlaying:     b.isPlaying,
	}:
	default:
	}
}

// scale multiplies the target and clamps it to the configured bounds.
func scale(target int, factor float64) int {
	scaled := int(float64(target) * factor)
	if scaled > MaxTargetFrames {
		return MaxTargetFrames
	}
	if scaled < MinTargetFrames {
		return MinTargetFrames
	}
	return scaled
}
