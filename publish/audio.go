package publish

import (
	"context"

	"github.com/meshcast/meshcast/media"
	"github.com/meshcast/meshcast/mux"
	"github.com/meshcast/meshcast/telemetry"
	"github.com/meshcast/meshcast/wire"
)

// audioPath forwards the recorder's compressed pages onto the audio channel.
// It has no encoder of its own; the recorder already emits compressed pages.
// Its jobs are capturing the codec setup bytes from the stream's first page
// and stamping every media page with a synthetic timestamp, so audio and
// video share one timeline even though the recorder reports no capture
// clock.
type audioPath struct {
	pub *Publisher
	ch  *mux.Channel

	sampleRate  int
	channels    int
	samplesSent int64
}

// run consumes pages until the source closes or ctx is done.
func (a *audioPath) run(ctx context.Context, src AudioPageSource) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case page, ok := <-src.Pages():
			if !ok {
				return nil
			}
			a.handlePage(page)
		}
	}
}

func (a *audioPath) handlePage(page AudioPage) {
	if isOggBOS(page.Data) {
		// The BOS page is the codec setup, not media. A recorder restart
		// re-emitting it is absorbed by the idempotent config send.
		err := a.ch.SendConfig("audio", wire.CodecParams{
			Codec:            "opus",
			SampleRate:       a.sampleRate,
			NumberOfChannels: a.channels,
			Description:      wire.EncodeDescription(page.Data),
		})
		if err != nil {
			a.pub.report(Status{Channel: a.ch.Name(), Err: err, Action: "audio config failed"})
		}
		return
	}

	if !a.pub.micEnabled.Load() {
		// Muted mic skips the page entirely. The sample counter still
		// advances so the timeline stays continuous across unmute.
		a.samplesSent += int64(page.SampleFrames)
		a.pub.drops.Add(telemetry.DropMuted)
		return
	}

	// Synthetic capture time: samples accumulated so far, anchored to the
	// session base so receivers can lip-sync against video.
	base := a.pub.clock.Base()
	tsMicros := base + a.samplesSent*1_000_000/int64(a.sampleRate)
	a.samplesSent += int64(page.SampleFrames)

	if err := a.ch.SendMedia(page.Data, tsMicros, base, media.TypeAudio); err != nil {
		a.pub.report(Status{Channel: a.ch.Name(), Err: err, Action: "audio send failed"})
	}
}
