package main

import (
	"context"
	"fmt"
	"time"

	"github.com/meshcast/meshcast/codec"
	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/publish"
)

// The demo has no camera or platform codecs, so it runs synthetic stand-ins:
// a frame source ticking at capture rate, pass-through "encoders" that tag
// bytes instead of compressing them, and decoders that fabricate output of
// the right shape. Everything between them, transport, mux, gating, pacing,
// jitter, is the real thing.

type syntheticFrame struct{ ts int64 }

func (f *syntheticFrame) TimestampMicros() int64 { return f.ts }
func (f *syntheticFrame) Clone() codec.RawFrame  { return &syntheticFrame{ts: f.ts} }
func (f *syntheticFrame) Close()                 {}

type syntheticVideoSource struct {
	frames chan codec.RawFrame
}

func newSyntheticVideoSource(ctx context.Context, fps int) *syntheticVideoSource {
	s := &syntheticVideoSource{frames: make(chan codec.RawFrame, media.VideoBufferSize)}
	go func() {
		defer close(s.frames)
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				select {
				case s.frames <- &syntheticFrame{ts: now.UnixMicro()}:
				default:
				}
			}
		}
	}()
	return s
}

func (s *syntheticVideoSource) Frames() <-chan codec.RawFrame { return s.frames }
func (s *syntheticVideoSource) Close() error                  { return nil }

const audioPageFrames = 960 // 20ms at 48kHz

type syntheticAudioSource struct {
	pages chan publish.AudioPage
}

func newSyntheticAudioSource(ctx context.Context) *syntheticAudioSource {
	s := &syntheticAudioSource{pages: make(chan publish.AudioPage, media.AudioBufferSize)}
	go func() {
		defer close(s.pages)

		// First page is a beginning-of-stream header page carrying the
		// codec setup, exactly as a real recorder emits.
		bos := append([]byte("OggS"), 0x00, 0x02)
		s.pages <- publish.AudioPage{Data: append(bos, []byte("OpusHead demo")...)}

		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case s.pages <- publish.AudioPage{
					Data:         make([]byte, 120),
					SampleFrames: audioPageFrames,
				}:
				default:
				}
			}
		}
	}()
	return s
}

func (s *syntheticAudioSource) Pages() <-chan publish.AudioPage { return s.pages }
func (s *syntheticAudioSource) Close() error                    { return nil }

// syntheticEncoder tags frames with tier and keyframe markers instead of
// compressing.
type syntheticEncoder struct {
	output func(codec.EncodedVideo)
	cfg    codec.VideoEncoderConfig
	state  codec.State
}

func (e *syntheticEncoder) Configure(cfg codec.VideoEncoderConfig) error {
	e.cfg = cfg
	e.state = codec.StateConfigured
	return nil
}

func (e *syntheticEncoder) Encode(frame codec.RawFrame, forceKeyframe bool) error {
	payload := fmt.Appendf(nil, "%dx%d key=%v", e.cfg.Width, e.cfg.Height, forceKeyframe)
	e.output(codec.EncodedVideo{
		Data:            payload,
		TimestampMicros: frame.TimestampMicros(),
		Keyframe:        forceKeyframe,
	})
	frame.Close()
	return nil
}

func (e *syntheticEncoder) QueueDepth() int    { return 0 }
func (e *syntheticEncoder) Flush() error       { return nil }
func (e *syntheticEncoder) Close() error       { e.state = codec.StateClosed; return nil }
func (e *syntheticEncoder) State() codec.State { return e.state }
func (e *syntheticEncoder) SetupData() []byte {
	return fmt.Appendf(nil, "setup %dx%d", e.cfg.Width, e.cfg.Height)
}

type syntheticVideoDecoder struct {
	output func(codec.DecodedVideo)
	cfg    codec.VideoDecoderConfig
	state  codec.State
}

func (d *syntheticVideoDecoder) Configure(cfg codec.VideoDecoderConfig) error {
	d.cfg = cfg
	d.state = codec.StateConfigured
	return nil
}

func (d *syntheticVideoDecoder) Decode(chunk media.EncodedChunk) error {
	d.output(codec.DecodedVideo{
		TimestampMS: chunk.TimestampMS,
		Width:       d.cfg.Width,
		Height:      d.cfg.Height,
		Data:        chunk.Data,
	})
	return nil
}

func (d *syntheticVideoDecoder) Flush() error       { return nil }
func (d *syntheticVideoDecoder) Close() error       { d.state = codec.StateClosed; return nil }
func (d *syntheticVideoDecoder) State() codec.State { return d.state }

type syntheticAudioDecoder struct {
	output func(codec.DecodedAudio)
	cfg    codec.AudioDecoderConfig
	state  codec.State
}

func (d *syntheticAudioDecoder) Configure(cfg codec.AudioDecoderConfig) error {
	d.cfg = cfg
	d.state = codec.StateConfigured
	return nil
}

func (d *syntheticAudioDecoder) Decode(chunk media.EncodedChunk) error {
	planes := make([][]float32, d.cfg.Channels)
	for ch := range planes {
		planes[ch] = make([]float32, audioPageFrames)
	}
	d.output(codec.DecodedAudio{
		TimestampMS: chunk.TimestampMS,
		Block:       media.PCMBlock{SampleRate: d.cfg.SampleRate, Planes: planes},
	})
	return nil
}

func (d *syntheticAudioDecoder) Flush() error       { return nil }
func (d *syntheticAudioDecoder) Close() error       { d.state = codec.StateClosed; return nil }
func (d *syntheticAudioDecoder) State() codec.State { return d.state }

func syntheticFactories() codec.Factories {
	return codec.Factories{
		VideoEncoder: func(output func(codec.EncodedVideo), onError func(error)) codec.VideoEncoder {
			return &syntheticEncoder{output: output}
		},
		VideoDecoder: func(output func(codec.DecodedVideo), onError func(error)) codec.VideoDecoder {
			return &syntheticVideoDecoder{output: output}
		},
		AudioDecoder: func(output func(codec.DecodedAudio), onError func(error)) codec.AudioDecoder {
			return &syntheticAudioDecoder{output: output}
		},
	}
}
