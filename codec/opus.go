package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/opus"

	"github.com/meshcast/meshcast/media"
)

// ErrDecoderClosed is returned when work is submitted to a closed codec.
var ErrDecoderClosed = errors.New("codec: decoder closed")

// opusDecodeBuffer holds the largest single frame pion/opus can emit: 60ms
// at 48kHz, stereo, S16LE.
const opusDecodeBuffer = 2880 * 2 * 2

// opusFrameSamples derives a packet's per-channel sample count at 48kHz from
// its TOC byte (RFC 6716 section 3.1). The decoder writes exactly this many
// frames into the output buffer; the rest of the buffer is stale.
func opusFrameSamples(toc byte) int {
	config := toc >> 3
	switch {
	case config < 12: // SILK-only: 10, 20, 40, 60 ms
		return [4]int{480, 960, 1920, 2880}[config&0x3]
	case config < 16: // Hybrid: 10, 20 ms
		return [2]int{480, 960}[config&0x1]
	default: // CELT-only: 2.5, 5, 10, 20 ms
		return [4]int{120, 240, 480, 960}[config&0x3]
	}
}

// opusDecoder adapts the pure-Go pion/opus decoder to the AudioDecoder
// contract. It decodes mono or stereo 48kHz Opus packets into planar
// float32 blocks.
type opusDecoder struct {
	dec     opus.Decoder
	cfg     AudioDecoderConfig
	state   State
	out     []byte
	output  func(DecodedAudio)
	onError func(error)
}

// OpusDecoderFactory returns an AudioDecoderFactory backed by pion/opus,
// suitable as the default audio decode capability in Factories.
func OpusDecoderFactory() AudioDecoderFactory {
	return func(output func(DecodedAudio), onError func(error)) AudioDecoder {
		return &opusDecoder{
			dec:     opus.NewDecoder(),
			out:     make([]byte, opusDecodeBuffer),
			output:  output,
			onError: onError,
		}
	}
}

func (d *opusDecoder) Configure(cfg AudioDecoderConfig) error {
	if d.state == StateClosed {
		return ErrDecoderClosed
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	d.cfg = cfg
	d.state = StateConfigured
	return nil
}

func (d *opusDecoder) Decode(chunk media.EncodedChunk) error {
	if d.state == StateClosed {
		return ErrDecoderClosed
	}
	if d.state != StateConfigured {
		return fmt.Errorf("codec: decode before configure (state %s)", d.state)
	}

	_, isStereo, err := d.dec.Decode(chunk.Data, d.out)
	if err != nil {
		err = fmt.Errorf("opus decode: %w", err)
		if d.onError != nil {
			d.onError(err)
		}
		return err
	}

	channels := 1
	if isStereo {
		channels = 2
	}
	samples := opusFrameSamples(chunk.Data[0])

	d.output(DecodedAudio{
		TimestampMS: chunk.TimestampMS,
		Block:       deinterleaveS16LE(d.out[:samples*channels*2], channels, d.cfg.SampleRate),
	})
	return nil
}

func (d *opusDecoder) Flush() error {
	if d.state == StateClosed {
		return ErrDecoderClosed
	}
	return nil
}

func (d *opusDecoder) Close() error {
	d.state = StateClosed
	return nil
}

func (d *opusDecoder) State() State { return d.state }

// deinterleaveS16LE converts interleaved little-endian int16 samples into a
// planar float32 block in [-1, 1].
func deinterleaveS16LE(raw []byte, channels, sampleRate int) media.PCMBlock {
	frames := len(raw) / 2 / channels
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			s := int16(binary.LittleEndian.Uint16(raw[(i*channels+ch)*2:]))
			planes[ch][i] = float32(s) / 32768
		}
	}
	return media.PCMBlock{SampleRate: sampleRate, Planes: planes}
}
