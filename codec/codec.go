// Package codec defines the contracts for the platform media codecs the
// pipelines drive. Encoders and decoders are black boxes with a
// configure/work/flush/close lifecycle and asynchronous output callbacks.
//
// Concrete implementations are injected at construction through a Factories
// value; the pipelines never feature-detect or load codecs themselves. The
// host application resolves the right factories for its platform and hands
// them in.
package codec

import (
	"github.com/meshcast/meshcast/media"
)

// State is a codec instance's reported lifecycle state.
type State int

// Codec states. A closed codec must be recreated and reconfigured before
// further use; there is no reopen.
const (
	StateUnconfigured State = iota
	StateConfigured
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// RawFrame is a captured, unencoded video frame. Platform frames are
// single-consume: a frame handed to more than one encoder must be Cloned
// per encoder first, and every consumed copy Closed promptly to release the
// underlying buffers.
type RawFrame interface {
	TimestampMicros() int64
	Clone() RawFrame
	Close()
}

// VideoEncoderConfig parameterizes one encode ladder.
type VideoEncoderConfig struct {
	Codec      string
	Width      int
	Height     int
	FrameRate  float64
	BitrateBPS int
}

// EncodedVideo is one compressed frame emitted by a VideoEncoder.
type EncodedVideo struct {
	Data            []byte
	TimestampMicros int64
	Keyframe        bool
}

// VideoEncoder compresses raw frames. Output arrives via the callback given
// to the factory; errors via the error callback. Encode must not block on
// output delivery.
type VideoEncoder interface {
	Configure(cfg VideoEncoderConfig) error
	// Encode consumes frame. forceKeyframe requests a self-contained frame.
	Encode(frame RawFrame, forceKeyframe bool) error
	// QueueDepth reports frames accepted but not yet emitted, for
	// backpressure decisions.
	QueueDepth() int
	Flush() error
	Close() error
	State() State
	// SetupData returns the codec description bytes (decoder configuration
	// record) once known, or nil before the first output.
	SetupData() []byte
}

// VideoEncoderFactory creates an encoder wired to the given callbacks.
type VideoEncoderFactory func(output func(EncodedVideo), onError func(error)) VideoEncoder

// VideoDecoderConfig parameterizes a video decoder, Description carrying the
// opaque codec setup bytes from the channel's StreamConfig.
type VideoDecoderConfig struct {
	Codec       string
	Width       int
	Height      int
	Description []byte
}

// DecodedVideo is one decoded picture ready for a rendering sink.
type DecodedVideo struct {
	TimestampMS uint32
	Width       int
	Height      int
	Data        []byte
}

// VideoDecoder decompresses chunks reconstructed from the wire.
type VideoDecoder interface {
	Configure(cfg VideoDecoderConfig) error
	Decode(chunk media.EncodedChunk) error
	Flush() error
	Close() error
	State() State
}

// VideoDecoderFactory creates a decoder wired to the given callbacks.
type VideoDecoderFactory func(output func(DecodedVideo), onError func(error)) VideoDecoder

// AudioDecoderConfig parameterizes an audio decoder.
type AudioDecoderConfig struct {
	Codec       string
	SampleRate  int
	Channels    int
	Description []byte
}

// DecodedAudio is one decoded planar sample block plus its timeline position.
type DecodedAudio struct {
	TimestampMS uint32
	Block       media.PCMBlock
}

// AudioDecoder decompresses audio chunks into planar PCM.
type AudioDecoder interface {
	Configure(cfg AudioDecoderConfig) error
	Decode(chunk media.EncodedChunk) error
	Flush() error
	Close() error
	State() State
}

// AudioDecoderFactory creates a decoder wired to the given callbacks.
type AudioDecoderFactory func(output func(DecodedAudio), onError func(error)) AudioDecoder

// Factories bundles the codec capabilities injected into the pipelines.
// Nil entries mean the capability is absent; pipelines skip the
// corresponding paths.
type Factories struct {
	VideoEncoder VideoEncoderFactory
	VideoDecoder VideoDecoderFactory
	AudioDecoder AudioDecoderFactory
}
