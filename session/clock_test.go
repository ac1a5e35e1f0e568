package session

import (
	"testing"
	"time"
)

func TestClockVideoAnchorWins(t *testing.T) {
	t.Parallel()
	c := NewClock()

	base := c.AnchorVideo(5_000_000)
	if base != 5_000_000 {
		t.Fatalf("base = %d, want 5000000", base)
	}

	// Later frames do not move the anchor.
	if got := c.AnchorVideo(9_000_000); got != 5_000_000 {
		t.Errorf("base after second anchor = %d, want 5000000", got)
	}
	if got := c.Base(); got != 5_000_000 {
		t.Errorf("Base() = %d, want 5000000", got)
	}
}

func TestClockWallClockFallback(t *testing.T) {
	t.Parallel()
	fixed := time.UnixMicro(123_456_789)
	c := NewClockAt(func() time.Time { return fixed })

	if c.Anchored() {
		t.Fatal("new clock should be unanchored")
	}
	if got := c.Base(); got != 123_456_789 {
		t.Fatalf("base = %d, want 123456789", got)
	}
	if !c.Anchored() {
		t.Fatal("Base() should anchor the clock")
	}

	// A video frame arriving after the wall-clock anchor does not re-anchor.
	if got := c.AnchorVideo(42); got != 123_456_789 {
		t.Errorf("base = %d, want 123456789", got)
	}
}
