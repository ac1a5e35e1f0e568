package jitter

import (
	"testing"

	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/telemetry"
)

const blockLen = 128

func newOut(channels int) [][]float32 {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, blockLen)
	}
	return out
}

// pushFrames pushes n frames of constant-value stereo audio.
func pushFrames(b *Buffer, n int, value float32) {
	plane := make([]float32, n)
	for i := range plane {
		plane[i] = value
	}
	b.Push(media.PCMBlock{SampleRate: 48000, Planes: [][]float32{plane, plane}})
}

func allZero(plane []float32) bool {
	for _, s := range plane {
		if s != 0 {
			return false
		}
	}
	return true
}

func TestGateStaysClosedBelowTarget(t *testing.T) {
	t.Parallel()
	b := New(Config{})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames-1, 0.5)
	if b.Render(out) {
		t.Fatal("gate opened below target")
	}
	if b.Playing() {
		t.Error("isPlaying should be false")
	}
	if !allZero(out[0]) || !allZero(out[1]) {
		t.Error("pre-gate output must be silence")
	}
}

func TestGateOpensAtTarget(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 1})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames, 0.5)
	if !b.Render(out) {
		t.Fatal("gate should open at target")
	}
	if !b.Playing() {
		t.Error("isPlaying should be true")
	}
	if out[0][blockLen-1] != 0.5 {
		t.Errorf("sample = %v, want 0.5", out[0][blockLen-1])
	}
	if b.Queued() != DefaultTargetFrames-blockLen {
		t.Errorf("queued = %d, want %d", b.Queued(), DefaultTargetFrames-blockLen)
	}
}

func TestUnderrunGrowsTargetAndEmitsSilence(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 1})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames, 0.5)
	b.Render(out) // open the gate

	// Drain until fewer than blockLen frames remain.
	for b.Queued() >= blockLen {
		if !b.Render(out) {
			t.Fatal("unexpected silence while draining")
		}
	}

	got := b.Render(out)
	if got {
		t.Fatal("underrun block must be silence")
	}
	if !allZero(out[0]) || !allZero(out[1]) {
		t.Error("underrun output must be all-zero for the full block")
	}
	if b.Playing() {
		t.Error("underrun must close the gate")
	}
	want := int(float64(DefaultTargetFrames) * growFactor)
	if b.TargetFrames() != want {
		t.Errorf("target = %d, want %d", b.TargetFrames(), want)
	}
}

func TestTargetGrowthCapped(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 1})
	out := newOut(2)

	// Force repeated underruns; the target must saturate at the max.
	for i := 0; i < 10; i++ {
		pushFrames(b, b.TargetFrames(), 0.5)
		b.Render(out) // open gate
		for b.Queued() >= blockLen {
			b.Render(out)
		}
		b.Render(out) // underrun
	}
	if b.TargetFrames() != MaxTargetFrames {
		t.Errorf("target = %d, want cap %d", b.TargetFrames(), MaxTargetFrames)
	}
}

func TestSteadyShrinkTowardMin(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 1})
	out := newOut(2)

	// Grow the target once so there is room to shrink.
	pushFrames(b, DefaultTargetFrames, 0.5)
	b.Render(out)
	for b.Queued() >= blockLen {
		b.Render(out)
	}
	b.Render(out)
	grown := b.TargetFrames()
	if grown <= MinTargetFrames {
		t.Fatalf("setup: target %d did not grow", grown)
	}

	// Keep the queue far above 2x target; every callback shrinks by 0.95.
	pushFrames(b, 4*MaxTargetFrames, 0.5)
	b.Render(out) // reopens gate

	prev := b.TargetFrames()
	for i := 0; i < 200 && b.TargetFrames() > MinTargetFrames; i++ {
		pushFrames(b, blockLen, 0.5) // keep depth high
		b.Render(out)
		cur := b.TargetFrames()
		if cur > prev {
			t.Fatalf("target grew during surplus: %d -> %d", prev, cur)
		}
		prev = cur
	}
	if b.TargetFrames() != MinTargetFrames {
		t.Errorf("target = %d, want floor %d", b.TargetFrames(), MinTargetFrames)
	}
}

func TestFadeInRampsFromZero(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 64})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames, 1.0)
	if !b.Render(out) {
		t.Fatal("gate should open")
	}

	if out[0][0] != 0 {
		t.Errorf("first faded sample = %v, want 0", out[0][0])
	}
	if out[0][10] >= out[0][40] {
		t.Error("fade should ramp upward")
	}
	// Past the ramp the signal runs at unity gain.
	if out[0][100] != 1.0 {
		t.Errorf("post-ramp sample = %v, want 1.0", out[0][100])
	}
	// Channels stay gain-matched per frame.
	for i := 0; i < blockLen; i++ {
		if out[0][i] != out[1][i] {
			t.Fatalf("channel gain mismatch at frame %d: %v vs %v", i, out[0][i], out[1][i])
		}
	}
}

func TestFadeInAfterEveryRestart(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 32})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames, 1.0)
	b.Render(out)
	for b.Queued() >= blockLen {
		b.Render(out)
	}
	b.Render(out) // underrun closes the gate

	// Refill to the (grown) target; playback restarts with a fresh ramp.
	pushFrames(b, b.TargetFrames(), 1.0)
	if !b.Render(out) {
		t.Fatal("gate should reopen at new target")
	}
	if out[0][0] != 0 {
		t.Errorf("restart must fade in again, first sample = %v", out[0][0])
	}
}

func TestMonoBlockOnStereoBufferUpmixes(t *testing.T) {
	t.Parallel()
	b := New(Config{Channels: 2, FadeInFrames: 1})
	out := newOut(2)

	// A single-plane block, the shape the opus decoder emits for mono
	// packets, must feed both channels rather than stalling channel 1.
	plane := make([]float32, DefaultTargetFrames)
	for i := range plane {
		plane[i] = 0.25
	}
	b.Push(media.PCMBlock{SampleRate: 48000, Planes: [][]float32{plane}})

	if !b.Render(out) {
		t.Fatal("gate should open from mono input")
	}
	if out[0][blockLen-1] != 0.25 || out[1][blockLen-1] != 0.25 {
		t.Errorf("samples = %v, %v, want 0.25 on both channels",
			out[0][blockLen-1], out[1][blockLen-1])
	}
	if b.Queued() != DefaultTargetFrames-blockLen {
		t.Errorf("queued = %d, want %d", b.Queued(), DefaultTargetFrames-blockLen)
	}
}

func TestQueuedReportsShortestChannel(t *testing.T) {
	t.Parallel()
	b := New(Config{Channels: 2, FadeInFrames: 1})
	out := newOut(2)

	// Queues left uneven by any path must never open the gate early or let
	// a render slice past the short channel's depth.
	b.queues[0] = make([]float32, DefaultTargetFrames)
	b.queues[1] = make([]float32, blockLen/2)

	if got := b.Queued(); got != blockLen/2 {
		t.Fatalf("queued = %d, want %d", got, blockLen/2)
	}
	if b.Render(out) {
		t.Fatal("gate opened with one channel below target")
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	t.Parallel()
	b := New(Config{FadeInFrames: 1})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames, 0.5)
	b.Render(out)
	for b.Queued() >= blockLen {
		b.Render(out)
	}
	b.Render(out) // grow target via underrun

	b.Reset()
	b.Render(out)

	if b.TargetFrames() != DefaultTargetFrames {
		t.Errorf("target after reset = %d, want %d", b.TargetFrames(), DefaultTargetFrames)
	}
	if b.Queued() != 0 {
		t.Errorf("queued after reset = %d, want 0", b.Queued())
	}
	if b.Playing() {
		t.Error("reset must close the gate")
	}
}

func TestHealthPostedEveryCallback(t *testing.T) {
	t.Parallel()
	health := make(chan telemetry.BufferHealth, 8)
	b := New(Config{FadeInFrames: 1, Health: health})
	out := newOut(2)

	pushFrames(b, DefaultTargetFrames, 0.5)
	b.Render(out)

	select {
	case h := <-health:
		if !h.IsPlaying {
			t.Error("health should report playing")
		}
		if h.BufferSamples != DefaultTargetFrames-blockLen {
			t.Errorf("samples = %d, want %d", h.BufferSamples, DefaultTargetFrames-blockLen)
		}
		wantMS := float64(DefaultTargetFrames-blockLen) * 1000 / 48000
		if h.BufferMS != wantMS {
			t.Errorf("ms = %v, want %v", h.BufferMS, wantMS)
		}
	default:
		t.Fatal("no health report posted")
	}
}

func TestHealthNeverBlocksRender(t *testing.T) {
	t.Parallel()
	health := make(chan telemetry.BufferHealth) // unbuffered, never read
	b := New(Config{FadeInFrames: 1, Health: health})
	out := newOut(2)

	// Many callbacks with no health consumer must not stall.
	for i := 0; i < 100; i++ {
		b.Render(out)
	}
}

func TestPushCopiesSamples(t *testing.T) {
	t.Parallel()
	b := New(Config{Channels: 1, FadeInFrames: 1})

	plane := make([]float32, DefaultTargetFrames)
	for i := range plane {
		plane[i] = 0.25
	}
	b.Push(media.PCMBlock{SampleRate: 48000, Planes: [][]float32{plane}})

	// Mutating the caller's slice after Push must not corrupt the buffer.
	for i := range plane {
		plane[i] = -1
	}

	out := [][]float32{make([]float32, blockLen)}
	if !b.Render(out) {
		t.Fatal("gate should open")
	}
	if out[0][blockLen-1] != 0.25 {
		t.Errorf("sample = %v, want 0.25 (aliased caller memory?)", out[0][blockLen-1])
	}
}
