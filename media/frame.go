// Package media defines the frame-type vocabulary and chunk types that flow
// through the meshcast transport, from the sender's encoders through the
// channel multiplexer to the receiver's decoder slots.
package media

// Channel buffer sizes used to decouple encode/network producers from their
// consumers. Sized to absorb jitter without excessive memory: ~2 seconds of
// video at 30fps, ~2.5s of 20ms audio chunks.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
	EventBufferSize = 30
)

// FrameType is the one-byte packet type tag carried in every wire packet.
// The numeric values are part of the wire format and must not change.
type FrameType uint8

// Wire frame types. Video types come in key/delta pairs, one pair per
// quality tier.
const (
	TypeVideoKeyLow    FrameType = 0 // low-quality tier keyframe
	TypeVideoDeltaLow  FrameType = 1 // low-quality tier delta
	TypeVideoKeyHigh   FrameType = 2 // high-quality tier keyframe
	TypeVideoDeltaHigh FrameType = 3 // high-quality tier delta
	TypeVideoKeyScreen FrameType = 4 // screen-share 1080p keyframe
	TypeVideoDeltaScr  FrameType = 5 // screen-share 1080p delta
	TypeAudio          FrameType = 6
	TypeConfig         FrameType = 7 // JSON control payload
	TypeUnknown        FrameType = 8
)

// Tier identifies one independently encoded quality variant of a video source.
type Tier string

// Known quality tiers.
const (
	Tier360p   Tier = "360p"
	Tier720p   Tier = "720p"
	TierScreen Tier = "1080p"
)

// IsVideo reports whether t tags a video payload.
func (t FrameType) IsVideo() bool { return t <= TypeVideoDeltaScr }

// IsKeyframe reports whether t tags a self-contained video frame.
func (t FrameType) IsKeyframe() bool {
	return t == TypeVideoKeyLow || t == TypeVideoKeyHigh || t == TypeVideoKeyScreen
}

// IsMedia reports whether t tags a media payload (video or audio) as opposed
// to a control payload.
func (t FrameType) IsMedia() bool { return t <= TypeAudio }

// Tier returns the quality tier a video frame type belongs to, or "" for
// non-video types.
func (t FrameType) Tier() Tier {
	switch t {
	case TypeVideoKeyLow, TypeVideoDeltaLow:
		return Tier360p
	case TypeVideoKeyHigh, TypeVideoDeltaHigh:
		return Tier720p
	case TypeVideoKeyScreen, TypeVideoDeltaScr:
		return TierScreen
	}
	return ""
}

// VideoType returns the frame type for a video frame on the given tier.
// Unknown tiers map to TypeUnknown.
func VideoType(tier Tier, keyframe bool) FrameType {
	switch tier {
	case Tier360p:
		if keyframe {
			return TypeVideoKeyLow
		}
		return TypeVideoDeltaLow
	case Tier720p:
		if keyframe {
			return TypeVideoKeyHigh
		}
		return TypeVideoDeltaHigh
	case TierScreen:
		if keyframe {
			return TypeVideoKeyScreen
		}
		return TypeVideoDeltaScr
	}
	return TypeUnknown
}

// EncodedChunk is one encoded media unit (a compressed video frame or an
// audio page) ready for packetization, or reconstructed after de-framing.
type EncodedChunk struct {
	Type        FrameType
	TimestampMS uint32 // ms since the session timeline anchor
	Data        []byte
}

// PCMBlock is a planar block of decoded audio samples, one slice per channel.
// All channel slices have equal length.
type PCMBlock struct {
	SampleRate int
	Planes     [][]float32
}

// Frames returns the per-channel frame count of the block.
func (b PCMBlock) Frames() int {
	if len(b.Planes) == 0 {
		return 0
	}
	return len(b.Planes[0])
}
