package subscribe

import (
	"fmt"

	"github.com/meshcast/meshcast/codec"
	"github.com/meshcast/meshcast/media"
)

// videoSlot is one quality tier's decoder and its gating state. A slot
// whose decoder reports closed (platform resource pressure) is rebuilt from
// the cached config before the pending frame is retried; a slot that has
// not seen a keyframe since its last reset refuses delta frames.
type videoSlot struct {
	tier    media.Tier
	factory codec.VideoDecoderFactory
	output  func(codec.DecodedVideo)
	onError func(error)

	dec codec.VideoDecoder
	cfg codec.VideoDecoderConfig

	configured   bool // channel config received and applied
	keyframeSeen bool
}

func newVideoSlot(tier media.Tier, factory codec.VideoDecoderFactory, output func(codec.DecodedVideo), onError func(error)) *videoSlot {
	return &videoSlot{
		tier:    tier,
		factory: factory,
		output:  output,
		onError: onError,
	}
}

// configure creates (or recreates) the decoder from cfg and caches cfg for
// closed-state recovery.
func (s *videoSlot) configure(cfg codec.VideoDecoderConfig) error {
	if s.dec != nil {
		s.dec.Close()
	}
	s.dec = s.factory(s.output, s.onError)
	if err := s.dec.Configure(cfg); err != nil {
		return fmt.Errorf("configure %s decoder: %w", s.tier, err)
	}
	s.cfg = cfg
	s.configured = true
	return nil
}

// decode submits one chunk, transparently rebuilding a closed decoder from
// the cached config first.
func (s *videoSlot) decode(chunk media.EncodedChunk) error {
	if !s.configured {
		return fmt.Errorf("decode on unconfigured %s slot", s.tier)
	}
	if s.dec.State() == codec.StateClosed {
		if err := s.configure(s.cfg); err != nil {
			return fmt.Errorf("rebuild closed %s decoder: %w", s.tier, err)
		}
	}
	return s.dec.Decode(chunk)
}

// resetGate forgets any previously seen keyframe. Called on activation so
// stale reference state from an earlier stint as the active tier is never
// trusted.
func (s *videoSlot) resetGate() {
	s.keyframeSeen = false
}

func (s *videoSlot) close() {
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	s.configured = false
	s.keyframeSeen = false
}

// audioSlot mirrors videoSlot for the single audio path.
type audioSlot struct {
	factory codec.AudioDecoderFactory
	output  func(codec.DecodedAudio)
	onError func(error)

	dec        codec.AudioDecoder
	cfg        codec.AudioDecoderConfig
	configured bool
}

func newAudioSlot(factory codec.AudioDecoderFactory, output func(codec.DecodedAudio), onError func(error)) *audioSlot {
	return &audioSlot{factory: factory, output: output, onError: onError}
}

func (s *audioSlot) configure(cfg codec.AudioDecoderConfig) error {
	if s.dec != nil {
		s.dec.Close()
	}
	s.dec = s.factory(s.output, s.onError)
	if err := s.dec.Configure(cfg); err != nil {
		return fmt.Errorf("configure audio decoder: %w", err)
	}
	s.cfg = cfg
	s.configured = true
	return nil
}

func (s *audioSlot) decode(chunk media.EncodedChunk) error {
	if !s.configured {
		return fmt.Errorf("decode on unconfigured audio slot")
	}
	if s.dec.State() == codec.StateClosed {
		if err := s.configure(s.cfg); err != nil {
			return fmt.Errorf("rebuild closed audio decoder: %w", err)
		}
	}
	return s.dec.Decode(chunk)
}

func (s *audioSlot) close() {
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	s.configured = false
}
