package camera

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultLockTimeout bounds how long a consumer waits for the camera slot.
// Long enough to ride out one in-flight grab, short enough that a paced loop
// just skips the cycle instead of stalling.
const DefaultLockTimeout = 50 * time.Millisecond

// applyTimeout bounds control changes separately: a retune may restart the
// capture pipeline and is allowed to wait out several frame grabs.
const applyTimeout = time.Second

// Sink consumes one acquired frame while the camera slot is still held.
// Sinks must not retain the slice past the call and handle their own errors;
// a failing sink never aborts the acquisition or the other sinks.
type Sink func(frame []byte)

// Handle serializes all camera consumers. The slot is a single-entry channel
// acquired with a bounded timeout, never a blocking mutex: a consumer that
// loses the race gets ErrContended and carries on.
type Handle struct {
	dev       Device
	slot      chan struct{}
	timeout   time.Duration
	available atomic.Bool
}

// NewHandle wraps dev with a timed acquisition slot. timeout <= 0 selects
// DefaultLockTimeout.
func NewHandle(dev Device, timeout time.Duration) *Handle {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	h := &Handle{dev: dev, slot: make(chan struct{}, 1), timeout: timeout}
	h.available.Store(true)
	return h
}

// MarkUnavailable flags the camera as permanently down (device init failed at
// startup). Every subsequent Acquire and Apply returns ErrUnavailable.
func (h *Handle) MarkUnavailable() {
	h.available.Store(false)
}

// Available reports whether the device initialized.
func (h *Handle) Available() bool {
	return h.available.Load()
}

// Acquire takes the slot within the configured timeout, grabs exactly one
// frame, runs every sink on it while still holding the slot, then releases.
// It returns ErrContended when the slot stayed busy (skip and retry later),
// ErrUnavailable when the device never initialized, or the device's error
// when the grab itself failed.
func (h *Handle) Acquire(sinks ...Sink) ([]byte, error) {
	if !h.available.Load() {
		return nil, ErrUnavailable
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case h.slot <- struct{}{}:
	case <-timer.C:
		return nil, ErrContended
	}
	defer func() { <-h.slot }()

	frame, err := h.dev.Grab()
	if err != nil {
		return nil, fmt.Errorf("grab frame: %w", err)
	}
	for _, sink := range sinks {
		sink(frame)
	}
	return frame, nil
}

// Apply forwards a control change to the device under the slot, so a retune
// never interleaves with a grab.
func (h *Handle) Apply(ctl Control) error {
	if !h.available.Load() {
		return ErrUnavailable
	}

	timer := time.NewTimer(applyTimeout)
	defer timer.Stop()
	select {
	case h.slot <- struct{}{}:
	case <-timer.C:
		return ErrContended
	}
	defer func() { <-h.slot }()

	if err := h.dev.Apply(ctl); err != nil {
		return fmt.Errorf("apply %s=%d: %w", ctl.Name, ctl.Value, err)
	}
	return nil
}
