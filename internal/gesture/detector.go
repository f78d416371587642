// Package gesture turns raw touch sensor readings into tap, multi-tap, and
// long-hold gestures.
package gesture

import "time"

// Gesture is a resolved touch gesture.
type Gesture int

const (
	None Gesture = iota
	Tap
	MultiTap
	LongHold
)

func (g Gesture) String() string {
	switch g {
	case Tap:
		return "tap"
	case MultiTap:
		return "multi_tap"
	case LongHold:
		return "long_hold"
	default:
		return "none"
	}
}

// Defaults for the detector timing windows.
const (
	DefaultLongHold = 800 * time.Millisecond
	DefaultQuiet    = 400 * time.Millisecond
)

// Detector is a state machine over threshold crossings of a raw reading.
// Taps are counted on press and a burst resolves only once the sensor has
// been quiet for the full quiet window, so a double tap never fires two
// single-tap actions. Holding past the long-hold window fires once per press
// and discards the pending tap count: a hold is never also a tap.
type Detector struct {
	threshold int
	longHold  time.Duration
	quiet     time.Duration

	pressed   bool
	pressAt   time.Time
	releaseAt time.Time
	taps      int
	holdFired bool
}

// NewDetector returns a detector treating readings above threshold as touch.
// Zero windows fall back to the package defaults.
func NewDetector(threshold int, longHold, quiet time.Duration) *Detector {
	if longHold <= 0 {
		longHold = DefaultLongHold
	}
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Detector{threshold: threshold, longHold: longHold, quiet: quiet}
}

// Poll feeds one raw reading taken at now and returns the gesture it
// resolves, None for most polls.
func (d *Detector) Poll(raw int, now time.Time) Gesture {
	touching := raw > d.threshold

	switch {
	case touching && !d.pressed:
		d.pressed = true
		d.pressAt = now
		d.taps++
		d.holdFired = false
	case !touching && d.pressed:
		d.pressed = false
		d.releaseAt = now
	}

	if d.pressed && !d.holdFired && now.Sub(d.pressAt) >= d.longHold {
		d.holdFired = true
		d.taps = 0
		return LongHold
	}

	if !d.pressed && d.taps > 0 && now.Sub(d.releaseAt) > d.quiet {
		n := d.taps
		d.taps = 0
		if n == 1 {
			return Tap
		}
		return MultiTap
	}

	return None
}
