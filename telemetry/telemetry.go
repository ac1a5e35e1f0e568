// Package telemetry provides the observability surface for the media core:
// named frame-drop counters, jitter-buffer health messages, and optional
// Prometheus registration for host scraping.
//
// Frame dropping is a deliberate flow-control mechanism in several places
// (encoder backpressure, config races, keyframe gating). Every drop is
// counted under an explicit reason so tests and operators can distinguish
// expected steady-state shedding from faults.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
)

// DropReason names one cause of an intentionally dropped frame.
type DropReason int

// Drop reasons, in rough pipeline order: sender-side first, then receiver-side.
const (
	DropEncoderBackpressure DropReason = iota // encode queue depth exceeded
	DropMuted                                 // camera/mic disabled at capture
	DropConfigUnsent                          // media offered before sendConfig
	DropChannelClosed                         // write attempted on a dead channel
	DropAwaitingConfig                        // media arrived before channel config
	DropAwaitingKeyframe                      // delta arrived with no reference
	DropWrongTier                             // frame for an inactive quality tier
	dropReasonCount
)

var dropReasonNames = [dropReasonCount]string{
	"encoder_backpressure",
	"muted",
	"config_unsent",
	"channel_closed",
	"awaiting_config",
	"awaiting_keyframe",
	"wrong_tier",
}

func (r DropReason) String() string {
	if r < 0 || r >= dropReasonCount {
		return "unknown"
	}
	return dropReasonNames[r]
}

// DropReasons lists all defined reasons, for snapshot iteration.
var DropReasons = func() []DropReason {
	out := make([]DropReason, dropReasonCount)
	for i := range out {
		out[i] = DropReason(i)
	}
	return out
}()

// DropCounters counts dropped frames per reason. Safe for concurrent use.
// When constructed with metrics, every increment is mirrored to the
// frames_dropped_total counter vector.
type DropCounters struct {
	counts [dropReasonCount]atomic.Int64
	vec    *prometheus.CounterVec
}

// NewDropCounters creates counters, mirroring to m when m is non-nil.
func NewDropCounters(m *Metrics) *DropCounters {
	c := &DropCounters{}
	if m != nil {
		c.vec = m.FramesDropped
	}
	return c
}

// Add records one dropped frame.
func (c *DropCounters) Add(r DropReason) {
	if r < 0 || r >= dropReasonCount {
		return
	}
	c.counts[r].Add(1)
	if c.vec != nil {
		c.vec.WithLabelValues(r.String()).Inc()
	}
}

// Count returns the running total for one reason.
func (c *DropCounters) Count(r DropReason) int64 {
	if r < 0 || r >= dropReasonCount {
		return 0
	}
	return c.counts[r].Load()
}

// Snapshot returns a point-in-time view of all counters keyed by reason name.
func (c *DropCounters) Snapshot() map[string]int64 {
	return lo.SliceToMap(DropReasons, func(r DropReason) (string, int64) {
		return r.String(), c.Count(r)
	})
}

// BufferHealth is the per-callback jitter-buffer report. It is a plain value
// so posting it across the real-time boundary never allocates.
type BufferHealth struct {
	BufferMS      float64
	BufferSamples int
	IsPlaying     bool
}

// Metrics holds the Prometheus collectors exported by the media core.
type Metrics struct {
	FramesDropped *prometheus.CounterVec
	BufferDepthMS prometheus.Gauge
	Underruns     prometheus.Counter
}

// NewMetrics registers the meshcast collectors on reg (use
// prometheus.DefaultRegisterer for the process-wide default).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcast_frames_dropped_total",
			Help: "Frames intentionally dropped, by reason.",
		}, []string{"reason"}),
		BufferDepthMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcast_jitter_buffer_depth_ms",
			Help: "Current jitter buffer depth in milliseconds.",
		}),
		Underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcast_jitter_buffer_underruns_total",
			Help: "Jitter buffer underruns (silence blocks emitted).",
		}),
	}
}
