// Package camera owns the physical camera: device drivers that produce
// encoded JPEG frames and the handle that serializes every consumer behind a
// bounded-timeout lock.
package camera

import (
	"context"
	"errors"
)

// Control names understood by the device layer. Values are integers; the
// driver maps them onto whatever its tool or sensor expects.
const (
	ControlBrightness = "brightness"
	ControlContrast   = "contrast"
	ControlSaturation = "saturation"
	ControlExposure   = "exposure"
	ControlGain       = "gain"
	ControlHMirror    = "hmirror"
	ControlVFlip      = "vflip"
)

// Control is one tuning parameter applied to the device's live configuration.
type Control struct {
	Name  string
	Value int
}

// KnownControl reports whether name is a control the device layer understands.
func KnownControl(name string) bool {
	switch name {
	case ControlBrightness, ControlContrast, ControlSaturation,
		ControlExposure, ControlGain, ControlHMirror, ControlVFlip:
		return true
	}
	return false
}

var (
	// ErrContended means the camera slot was not free within the timeout.
	// This is an expected outcome under load; callers skip the cycle and
	// try again on their next iteration.
	ErrContended = errors.New("camera: acquisition timed out")

	// ErrUnavailable means the device never initialized. Frame-producing
	// operations fail with this for the life of the process.
	ErrUnavailable = errors.New("camera: device unavailable")

	// ErrNoFrame means the device has no fresh frame to hand out.
	ErrNoFrame = errors.New("camera: no fresh frame")
)

// Device produces encoded JPEG frames. Implementations are safe for
// concurrent use.
type Device interface {
	// Start brings the device up. ctx bounds the device's lifetime.
	Start(ctx context.Context) error
	// Stop tears the device down.
	Stop() error
	// Grab returns the newest encoded frame. The returned slice is owned
	// by the caller.
	Grab() ([]byte, error)
	// Apply adjusts one tuning parameter on the live configuration.
	Apply(ctl Control) error
}
