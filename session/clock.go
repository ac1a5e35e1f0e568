// Package session holds per-session shared state that must never live in
// globals: the timeline anchor that puts a sender's audio and video on one
// clock so receivers can lip-sync across channels.
package session

import (
	"sync"
	"time"
)

// Clock is the per-session timeline anchor. The first video frame observed
// establishes the zero point; an audio path that starts before any video
// anchors the session to the wall clock instead. Either way the base is set
// exactly once and shared by reference between the sender's video and audio
// paths.
type Clock struct {
	mu         sync.Mutex
	baseMicros int64
	anchored   bool
	now        func() time.Time
}

// NewClock creates an unanchored Clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt creates a Clock with an injectable time source, for tests.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// AnchorVideo sets the timeline zero to the given capture timestamp if no
// anchor exists yet, and returns the session base either way.
func (c *Clock) AnchorVideo(captureMicros int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		c.baseMicros = captureMicros
		c.anchored = true
	}
	return c.baseMicros
}

// Base returns the session base, anchoring to the wall clock if no video
// frame has established one yet.
func (c *Clock) Base() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		c.baseMicros = c.now().UnixMicro()
		c.anchored = true
	}
	return c.baseMicros
}

// Anchored reports whether the zero point has been established.
func (c *Clock) Anchored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchored
}

// NowMicros returns the current wall-clock time in microseconds, using the
// clock's time source.
func (c *Clock) NowMicros() int64 {
	return c.now().UnixMicro()
}
