package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"
)

func TestSynthDevice_grabValidJPEG(t *testing.T) {
	d := NewSynthDevice(64, 48)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	frame, err := d.Grab()
	if err != nil {
		t.Fatalf("grab: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("frame is not a decodable JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("decoded %dx%d, want 64x48", b.Dx(), b.Dy())
	}
}

func TestSynthDevice_grabBeforeStart(t *testing.T) {
	d := NewSynthDevice(0, 0)
	if _, err := d.Grab(); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame before start, got %v", err)
	}
}

func TestSynthDevice_brightnessChangesOutput(t *testing.T) {
	d := NewSynthDevice(32, 32)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	before, _ := d.Grab()
	if err := d.Apply(Control{Name: ControlBrightness, Value: 90}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	after, _ := d.Grab()

	if bytes.Equal(before, after) {
		t.Error("brightness retune did not change the rendered frame")
	}
}
