package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// SynthDevice is a camera stand-in that renders frames in memory. It keeps
// the agent runnable on machines without camera hardware and is the device
// most tests use.
type SynthDevice struct {
	mu       sync.RWMutex
	width    int
	height   int
	frame    []byte
	controls map[string]int
	started  bool
}

// NewSynthDevice returns a synthetic device rendering width x height frames.
// Non-positive dimensions fall back to 320x240.
func NewSynthDevice(width, height int) *SynthDevice {
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 240
	}
	return &SynthDevice{width: width, height: height, controls: make(map[string]int)}
}

func (d *SynthDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return d.renderLocked()
}

func (d *SynthDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

// Grab returns a copy of the rendered frame.
func (d *SynthDevice) Grab() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.started || d.frame == nil {
		return nil, ErrNoFrame
	}
	out := make([]byte, len(d.frame))
	copy(out, d.frame)
	return out, nil
}

// Apply stores the control and re-renders so brightness changes are visible
// in the output, mirroring a live retune.
func (d *SynthDevice) Apply(ctl Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controls[ctl.Name] = ctl.Value
	if !d.started {
		return nil
	}
	return d.renderLocked()
}

// renderLocked draws a horizontal gradient shifted by the brightness control
// and encodes it once; Grab hands out copies.
func (d *SynthDevice) renderLocked() error {
	img := image.NewGray(image.Rect(0, 0, d.width, d.height))
	offset := d.controls[ControlBrightness]
	for y := 0; y < d.height; y++ {
		for x := 0; x < d.width; x++ {
			v := x*255/d.width + offset
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return err
	}
	d.frame = buf.Bytes()
	return nil
}
