package publish

import (
	"github.com/meshcast/meshcast/codec"
)

// VideoSource delivers captured raw frames from a camera or screen track.
// The channel closes when the track ends. Frames are single-consume; the
// pipeline clones per consumer and closes every copy after use.
type VideoSource interface {
	Frames() <-chan codec.RawFrame
	Close() error
}

// AudioPage is one compressed container page from the platform audio
// recorder. SampleFrames is the number of PCM frames the page represents,
// used to derive the page's synthetic timestamp.
type AudioPage struct {
	Data         []byte
	SampleFrames int
}

// AudioPageSource delivers the recorder's compressed page stream. The
// channel closes when the track ends.
type AudioPageSource interface {
	Pages() <-chan AudioPage
	Close() error
}

// oggCapturePattern is the page signature the audio path scans for.
var oggCapturePattern = []byte("OggS")

// first-page flag bit in the Ogg page header type field
const oggBOS = 0x02

// isOggBOS reports whether data is an Ogg beginning-of-stream page, the one
// carrying the codec setup headers that become the channel's config
// description.
func isOggBOS(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	for i, b := range oggCapturePattern {
		if data[i] != b {
			return false
		}
	}
	return data[5]&oggBOS != 0
}
