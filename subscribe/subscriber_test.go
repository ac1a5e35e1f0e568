package subscribe

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/meshcast/meshcast/codec"
	"github.com/meshcast/meshcast/jitter"
	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/mux"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/transport"
	"github.com/meshcast/meshcast/wire"
)

// fakeVideoDecoder passes chunk timestamps straight through to the output
// callback so tests can observe exactly which frames survived the gates.
type fakeVideoDecoder struct {
	output func(codec.DecodedVideo)
	state  codec.State
	cfg    codec.VideoDecoderConfig
}

func (d *fakeVideoDecoder) Configure(cfg codec.VideoDecoderConfig) error {
	d.cfg = cfg
	d.state = codec.StateConfigured
	return nil
}

func (d *fakeVideoDecoder) Decode(chunk media.EncodedChunk) error {
	d.output(codec.DecodedVideo{
		TimestampMS: chunk.TimestampMS,
		Width:       d.cfg.Width,
		Height:      d.cfg.Height,
		Data:        chunk.Data,
	})
	return nil
}

func (d *fakeVideoDecoder) Flush() error       { return nil }
func (d *fakeVideoDecoder) Close() error       { d.state = codec.StateClosed; return nil }
func (d *fakeVideoDecoder) State() codec.State { return d.state }

// selfClosingVideoDecoder reports closed after a set number of decodes,
// standing in for platform decoder resource reclamation mid-stream.
type selfClosingVideoDecoder struct {
	fakeVideoDecoder
	closeAfter int
	decoded    int
}

func (d *selfClosingVideoDecoder) Decode(chunk media.EncodedChunk) error {
	if err := d.fakeVideoDecoder.Decode(chunk); err != nil {
		return err
	}
	d.decoded++
	if d.decoded >= d.closeAfter {
		d.state = codec.StateClosed
	}
	return nil
}

type fakeAudioDecoder struct {
	output func(codec.DecodedAudio)
	state  codec.State
	cfg    codec.AudioDecoderConfig
}

func (d *fakeAudioDecoder) Configure(cfg codec.AudioDecoderConfig) error {
	d.cfg = cfg
	d.state = codec.StateConfigured
	return nil
}

func (d *fakeAudioDecoder) Decode(chunk media.EncodedChunk) error {
	planes := make([][]float32, d.cfg.Channels)
	for ch := range planes {
		planes[ch] = make([]float32, len(chunk.Data))
	}
	d.output(codec.DecodedAudio{
		TimestampMS: chunk.TimestampMS,
		Block:       media.PCMBlock{SampleRate: d.cfg.SampleRate, Planes: planes},
	})
	return nil
}

func (d *fakeAudioDecoder) Flush() error       { return nil }
func (d *fakeAudioDecoder) Close() error       { d.state = codec.StateClosed; return nil }
func (d *fakeAudioDecoder) State() codec.State { return d.state }

func fakeFactories() codec.Factories {
	return codec.Factories{
		VideoDecoder: func(output func(codec.DecodedVideo), onError func(error)) codec.VideoDecoder {
			return &fakeVideoDecoder{output: output}
		},
		AudioDecoder: func(output func(codec.DecodedAudio), onError func(error)) codec.AudioDecoder {
			return &fakeAudioDecoder{output: output}
		},
	}
}

// sinkRecorder captures decoded output across goroutines.
type sinkRecorder struct {
	mu    sync.Mutex
	video []codec.DecodedVideo
	audio []codec.DecodedAudio
}

func (r *sinkRecorder) onVideo(f codec.DecodedVideo) {
	r.mu.Lock()
	r.video = append(r.video, f)
	r.mu.Unlock()
}

func (r *sinkRecorder) onAudio(b codec.DecodedAudio) {
	r.mu.Lock()
	r.audio = append(r.audio, b)
	r.mu.Unlock()
}

func (r *sinkRecorder) videoCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.video)
}

func (r *sinkRecorder) videoTimestamps() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.video))
	for i, f := range r.video {
		out[i] = f.TimestampMS
	}
	return out
}

func (r *sinkRecorder) audioCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio)
}

// peerStreams accepts the subscription's streams in open order (events
// first, then the channel specs) and reads each raw name handshake.
func peerStreams(t *testing.T, conn transport.Conn, names ...string) map[string]transport.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make(map[string]transport.Stream, len(names))
	for _, want := range names {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			t.Fatalf("accept %s: %v", want, err)
		}
		name := make([]byte, len(want))
		if _, err := io.ReadFull(stream, name); err != nil {
			t.Fatalf("read name on %s: %v", want, err)
		}
		if string(name) != want {
			t.Fatalf("handshake name = %q, want %q", name, want)
		}
		out[want] = stream
	}
	return out
}

func sendConfig(t *testing.T, stream transport.Stream, channel, mediaType string, params wire.CodecParams) {
	t.Helper()
	sc := wire.NewStreamConfig(channel, mediaType, params)
	payload, err := json.Marshal(sc)
	if err != nil {
		t.Fatal(err)
	}
	pkt := wire.EncodePacket(payload, 0, 0, media.TypeConfig)
	if err := wire.WriteFrame(stream, pkt); err != nil {
		t.Fatal(err)
	}
}

func sendMedia(t *testing.T, stream transport.Stream, typ media.FrameType, tsMS uint32, payload []byte) {
	t.Helper()
	pkt := wire.EncodePacket(payload, int64(tsMS)*1000, 0, typ)
	if err := wire.WriteFrame(stream, pkt); err != nil {
		t.Fatal(err)
	}
}

func videoParams() wire.CodecParams {
	return wire.CodecParams{
		Codec:       "vp09.00.10.08",
		CodedWidth:  640,
		CodedHeight: 360,
		Description: wire.EncodeDescription([]byte{0x01, 0x02}),
	}
}

func audioParams() wire.CodecParams {
	return wire.CodecParams{
		Codec:            "opus",
		SampleRate:       48000,
		NumberOfChannels: 2,
		Description:      wire.EncodeDescription([]byte("OpusHead")),
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startSubscription(t *testing.T, rec *sinkRecorder, alter func(*Config)) (*Subscription, map[string]transport.Stream) {
	t.Helper()
	local, remote := transport.NewMemoryPair()
	cfg := Config{
		StreamID:      "s1",
		Factories:     fakeFactories(),
		VideoSink:     rec.onVideo,
		AudioSink:     rec.onAudio,
		VideoInterval: time.Millisecond,
		AudioInterval: time.Millisecond,
	}
	if alter != nil {
		alter(&cfg)
	}
	sub := New(local, cfg)

	if err := sub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Stop)

	streams := peerStreams(t, remote, mux.EventChannelName, "cam_360p", "cam_720p", "mic_48k")
	return sub, streams
}

func TestDeltaDroppedUntilKeyframe(t *testing.T) {
	t.Parallel()
	rec := &sinkRecorder{}
	sub, streams := startSubscription(t, rec, nil)
	cam := streams["cam_360p"]

	// Media before config never reaches a decoder.
	sendMedia(t, cam, media.TypeVideoKeyLow, 5, []byte("early-key"))
	waitFor(t, "config-gate drop not counted", func() bool {
		return sub.Drops().Count(telemetry.DropAwaitingConfig) == 1
	})

	sendConfig(t, cam, "cam_360p", "video", videoParams())

	// Deltas before the first keyframe are dropped, then decode resumes
	// in order starting at the keyframe.
	sendMedia(t, cam, media.TypeVideoDeltaLow, 10, []byte("delta-a"))
	sendMedia(t, cam, media.TypeVideoDeltaLow, 20, []byte("delta-b"))
	sendMedia(t, cam, media.TypeVideoKeyLow, 30, []byte("key"))
	sendMedia(t, cam, media.TypeVideoDeltaLow, 40, []byte("delta-c"))

	waitFor(t, "keyframe and trailing delta not decoded", func() bool {
		return rec.videoCount() == 2
	})
	got := rec.videoTimestamps()
	if got[0] != 30 || got[1] != 40 {
		t.Errorf("decoded timestamps = %v, want [30 40]", got)
	}
	if n := sub.Drops().Count(telemetry.DropAwaitingKeyframe); n != 2 {
		t.Errorf("keyframe-gate drops = %d, want 2", n)
	}
}

func TestInactiveTierDropped(t *testing.T) {
	t.Parallel()
	rec := &sinkRecorder{}
	sub, streams := startSubscription(t, rec, nil)

	sendConfig(t, streams["cam_720p"], "cam_720p", "video", videoParams())
	sendMedia(t, streams["cam_720p"], media.TypeVideoKeyHigh, 10, []byte("key-720"))

	waitFor(t, "inactive-tier drop not counted", func() bool {
		return sub.Drops().Count(telemetry.DropWrongTier) == 1
	})
	if rec.videoCount() != 0 {
		t.Errorf("decoded %d frames from inactive tier, want 0", rec.videoCount())
	}
}

func TestSwitchBitrate(t *testing.T) {
	t.Parallel()
	rec := &sinkRecorder{}
	sub, streams := startSubscription(t, rec, nil)

	sendConfig(t, streams["cam_360p"], "cam_360p", "video", videoParams())
	sendConfig(t, streams["cam_720p"], "cam_720p", "video", videoParams())
	sendMedia(t, streams["cam_360p"], media.TypeVideoKeyLow, 10, []byte("key-360"))
	waitFor(t, "initial tier not decoding", func() bool { return rec.videoCount() == 1 })

	if err := sub.SwitchBitrate(media.Tier720p); err != nil {
		t.Fatal(err)
	}
	if sub.ActiveTier() != media.Tier720p {
		t.Fatalf("active tier = %s, want 720p", sub.ActiveTier())
	}

	// The switch request travels the event channel; heartbeat pings may
	// precede it.
	d := wire.NewDemuxer(streams[mux.EventChannelName])
	var req wire.SwitchBitrate
	for {
		pkt, err := d.Next()
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(pkt.Payload, &req); err != nil {
			t.Fatal(err)
		}
		if req.Type == wire.MsgSwitchBitrate {
			break
		}
	}
	if req.Quality != "720p" || req.StreamID != "s1" {
		t.Errorf("switch request = %+v, want quality 720p for s1", req)
	}

	// The new tier starts gated: its deltas drop until a fresh keyframe.
	sendMedia(t, streams["cam_720p"], media.TypeVideoDeltaHigh, 20, []byte("delta-720"))
	waitFor(t, "post-switch delta not gated", func() bool {
		return sub.Drops().Count(telemetry.DropAwaitingKeyframe) == 1
	})
	sendMedia(t, streams["cam_720p"], media.TypeVideoKeyHigh, 30, []byte("key-720"))
	waitFor(t, "new tier not decoding after keyframe", func() bool { return rec.videoCount() == 2 })

	ts := rec.videoTimestamps()
	if ts[1] != 30 {
		t.Errorf("first post-switch frame at %dms, want 30", ts[1])
	}
}

func TestClosedDecoderRebuiltFromCachedConfig(t *testing.T) {
	t.Parallel()
	rec := &sinkRecorder{}
	var mu sync.Mutex
	built := 0
	sub, streams := startSubscription(t, rec, func(cfg *Config) {
		cfg.Factories.VideoDecoder = func(output func(codec.DecodedVideo), onError func(error)) codec.VideoDecoder {
			mu.Lock()
			built++
			mu.Unlock()
			return &selfClosingVideoDecoder{
				fakeVideoDecoder: fakeVideoDecoder{output: output},
				closeAfter:       1,
			}
		}
	})
	cam := streams["cam_360p"]

	sendConfig(t, cam, "cam_360p", "video", videoParams())
	sendMedia(t, cam, media.TypeVideoKeyLow, 10, []byte("key"))
	waitFor(t, "keyframe not decoded", func() bool { return rec.videoCount() == 1 })

	// The decoder closed itself after the keyframe. The next frame must be
	// decoded by a fresh instance configured from the cached channel config,
	// not dropped or surfaced as an error.
	sendMedia(t, cam, media.TypeVideoDeltaLow, 20, []byte("delta"))
	waitFor(t, "frame after decoder closure not decoded", func() bool {
		return rec.videoCount() == 2
	})

	ts := rec.videoTimestamps()
	if ts[0] != 10 || ts[1] != 20 {
		t.Errorf("decoded timestamps = %v, want [10 20]", ts)
	}
	rec.mu.Lock()
	width := rec.video[1].Width
	rec.mu.Unlock()
	if width != 640 {
		t.Errorf("rebuilt decoder width = %d, want 640 from cached config", width)
	}
	mu.Lock()
	defer mu.Unlock()
	if built != 2 {
		t.Errorf("decoder instances = %d, want 2 (original plus rebuild)", built)
	}
	if n := sub.Drops().Count(telemetry.DropAwaitingKeyframe); n != 0 {
		t.Errorf("keyframe-gate drops = %d, want 0", n)
	}
}

func TestAudioFeedsJitterBuffer(t *testing.T) {
	t.Parallel()
	rec := &sinkRecorder{}
	buf := jitter.New(jitter.Config{Channels: 2, SampleRate: 48000})
	sub, streams := startSubscription(t, rec, func(cfg *Config) {
		cfg.AudioBuffer = buf
	})
	mic := streams["mic_48k"]

	sendConfig(t, mic, "mic_48k", "audio", audioParams())
	for i := 0; i < 2; i++ {
		sendMedia(t, mic, media.TypeAudio, uint32(i*20), make([]byte, 960))
	}
	waitFor(t, "audio chunks not decoded", func() bool { return rec.audioCount() == 2 })

	// Decoded blocks land in the jitter buffer; a render drains the intake
	// and, with 1920 frames queued below the 2048 target, keeps the playout
	// gate closed.
	out := [][]float32{make([]float32, 128), make([]float32, 128)}
	if buf.Render(out) {
		t.Error("playout gate open below target")
	}
	if got := buf.Queued(); got != 2*960 {
		t.Errorf("buffered frames = %d, want %d", got, 2*960)
	}
	if n := sub.Drops().Count(telemetry.DropAwaitingConfig); n != 0 {
		t.Errorf("config-gate drops = %d, want 0", n)
	}
}

func TestSubscriptionNotReusable(t *testing.T) {
	t.Parallel()
	local, _ := transport.NewMemoryPair()
	sub := New(local, Config{StreamID: "s1", Factories: fakeFactories()})

	if err := sub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub.Stop()
	if sub.Status() != StatusDisconnected {
		t.Errorf("status after stop = %s, want disconnected", sub.Status())
	}
	if err := sub.Start(context.Background()); err != ErrNotReusable {
		t.Errorf("restart error = %v, want ErrNotReusable", err)
	}
}

func TestSwitchBitrateUnknownTier(t *testing.T) {
	t.Parallel()
	local, _ := transport.NewMemoryPair()
	sub := New(local, Config{StreamID: "s1", Factories: fakeFactories()})
	if err := sub.SwitchBitrate(media.Tier("4k")); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestManagerDuplicateRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	local, _ := transport.NewMemoryPair()
	a := New(local, Config{StreamID: "s1"})
	local2, _ := transport.NewMemoryPair()
	b := New(local2, Config{StreamID: "s1"})

	if !m.Add(a) {
		t.Fatal("first add rejected")
	}
	if m.Add(b) {
		t.Fatal("duplicate add accepted")
	}
	if got, ok := m.Get("s1"); !ok || got != a {
		t.Fatalf("Get returned %v, want original subscription", got)
	}

	m.Remove("s1")
	if len(m.List()) != 0 {
		t.Errorf("manager not empty after remove")
	}
}
