package subscribe

import "time"

// paceClass is one tier of the discrete-rate decode pacer. This is a
// stepped controller, not a continuous one: the dequeue interval is
// re-derived only when the queue depth crosses a class boundary, so the
// scheduling ticker is rebuilt on transitions instead of every tick.
type paceClass int

const (
	paceFastForward paceClass = iota // queue > 15: burn down hard
	paceFaster                       // 10 < queue <= 15
	paceNominal                      // 5 < queue <= 10
	paceRelaxed                      // queue <= 5: let the buffer refill
)

// Interval multipliers relative to the nominal media cadence. Audio backs
// off less aggressively than video because its queue drains in smaller,
// more frequent chunks.
var (
	videoPaceScale = [4]float64{0.75, 0.85, 1.0, 1.05}
	audioPaceScale = [4]float64{0.85, 0.93, 1.0, 1.05}
)

func classify(queued int) paceClass {
	switch {
	case queued > 15:
		return paceFastForward
	case queued > 10:
		return paceFaster
	case queued > 5:
		return paceNominal
	default:
		return paceRelaxed
	}
}

// pacer maps intake queue depth to a dequeue interval.
type pacer struct {
	nominal  time.Duration
	scale    [4]float64
	class    paceClass
	interval time.Duration
}

func newVideoPacer(nominal time.Duration) *pacer {
	return newPacer(nominal, videoPaceScale)
}

func newAudioPacer(nominal time.Duration) *pacer {
	return newPacer(nominal, audioPaceScale)
}

func newPacer(nominal time.Duration, scale [4]float64) *pacer {
	p := &pacer{nominal: nominal, scale: scale, class: paceRelaxed}
	p.interval = p.derive(paceRelaxed)
	return p
}

func (p *pacer) derive(c paceClass) time.Duration {
	return time.Duration(float64(p.nominal) * p.scale[c])
}

// update reports the interval for the given queue depth and whether it
// changed since the last call.
func (p *pacer) update(queued int) (time.Duration, bool) {
	c := classify(queued)
	if c == p.class {
		return p.interval, false
	}
	p.class = c
	p.interval = p.derive(c)
	return p.interval, true
}
