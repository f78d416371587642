package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// staleAfter is how old the newest frame may be before Grab reports the
// pipeline as not producing.
const staleAfter = 2 * time.Second

// relaunchDelay spaces out pipeline restarts after an unexpected exit.
const relaunchDelay = 3 * time.Second

// LibcameraDevice drives a Raspberry Pi camera through rpicam-vid
// (libcamera-vid on older OS images): an endless MJPEG stream is read from the
// tool's stdout and scanned for JPEG start/end markers, keeping only the
// newest complete frame. Controls have no runtime channel in the capture
// tools, so a retune relaunches the pipeline with updated flags.
type LibcameraDevice struct {
	width   int
	height  int
	fps     int
	quality int
	log     *slog.Logger

	frameMu sync.RWMutex
	frame   []byte
	frameAt time.Time

	procMu   sync.Mutex
	binary   string
	parent   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	gen      uint64
	stopping bool
	controls map[string]int
}

// NewLibcameraDevice returns an unstarted device with the given capture
// geometry.
func NewLibcameraDevice(width, height, fps, quality int, log *slog.Logger) *LibcameraDevice {
	return &LibcameraDevice{
		width:    width,
		height:   height,
		fps:      fps,
		quality:  quality,
		log:      log,
		controls: make(map[string]int),
	}
}

// Start locates the capture binary and launches the pipeline. ctx bounds the
// pipeline's lifetime; when it is canceled the process dies and is not
// relaunched.
func (d *LibcameraDevice) Start(ctx context.Context) error {
	bin, err := exec.LookPath("rpicam-vid")
	if err != nil {
		bin, err = exec.LookPath("libcamera-vid")
		if err != nil {
			return fmt.Errorf("neither rpicam-vid nor libcamera-vid found in PATH: %w", err)
		}
	}

	d.procMu.Lock()
	defer d.procMu.Unlock()
	d.binary = bin
	d.parent = ctx
	return d.launchLocked()
}

// Stop kills the pipeline and prevents relaunch.
func (d *LibcameraDevice) Stop() error {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	d.stopping = true
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
		d.done = nil
	}
	return nil
}

// Grab returns a copy of the newest complete frame, or ErrNoFrame when the
// pipeline has not produced one recently enough.
func (d *LibcameraDevice) Grab() ([]byte, error) {
	d.frameMu.RLock()
	defer d.frameMu.RUnlock()
	if d.frame == nil {
		return nil, ErrNoFrame
	}
	if age := time.Since(d.frameAt); age > staleAfter {
		return nil, fmt.Errorf("%w: newest frame is %s old", ErrNoFrame, age.Round(time.Millisecond))
	}
	out := make([]byte, len(d.frame))
	copy(out, d.frame)
	return out, nil
}

// Apply records the control and, when the pipeline is running, relaunches it
// with the updated flags.
func (d *LibcameraDevice) Apply(ctl Control) error {
	d.procMu.Lock()
	defer d.procMu.Unlock()
	d.controls[ctl.Name] = ctl.Value
	if d.cancel == nil || d.stopping {
		return nil
	}
	d.log.Info("retuning camera pipeline", "control", ctl.Name, "value", ctl.Value)
	d.cancel()
	<-d.done
	return d.launchLocked()
}

// launchLocked starts one pipeline process. Callers hold procMu. Each launch
// bumps the generation counter so the exit watcher of a replaced process never
// relaunches over a newer one.
func (d *LibcameraDevice) launchLocked() error {
	ctx, cancel := context.WithCancel(d.parent)
	args := d.argsLocked()
	cmd := exec.CommandContext(ctx, d.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		d.cancel = nil
		d.done = nil
		return fmt.Errorf("start %s: %w", d.binary, err)
	}

	d.gen++
	gen := d.gen
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	d.log.Info("camera pipeline started", "binary", d.binary, "args", strings.Join(args, " "))

	go d.pump(stdout)
	go d.drainStderr(stderr)
	go func() {
		werr := cmd.Wait()
		close(done)
		d.handleExit(gen, werr)
	}()
	return nil
}

// handleExit relaunches the pipeline after an unexpected death, unless a
// newer generation is already running or the device is shutting down.
func (d *LibcameraDevice) handleExit(gen uint64, err error) {
	d.procMu.Lock()
	expected := d.stopping || d.gen != gen || d.parent.Err() != nil
	d.procMu.Unlock()
	if expected {
		return
	}

	d.log.Warn("camera pipeline exited unexpectedly", "error", err)
	time.Sleep(relaunchDelay)

	d.procMu.Lock()
	defer d.procMu.Unlock()
	if d.stopping || d.gen != gen || d.parent.Err() != nil {
		return
	}
	if lerr := d.launchLocked(); lerr != nil {
		d.log.Error("camera pipeline relaunch failed", "error", lerr)
	}
}

func (d *LibcameraDevice) argsLocked() []string {
	args := []string{
		"--codec", "mjpeg",
		"--timeout", "0",
		"--nopreview",
		"--flush",
		"--width", strconv.Itoa(d.width),
		"--height", strconv.Itoa(d.height),
		"--framerate", strconv.Itoa(d.fps),
		"--quality", strconv.Itoa(d.quality),
	}
	for name, v := range d.controls {
		switch name {
		case ControlBrightness:
			args = append(args, "--brightness", formatRatio(v))
		case ControlContrast:
			args = append(args, "--contrast", formatUnitOffset(v))
		case ControlSaturation:
			args = append(args, "--saturation", formatUnitOffset(v))
		case ControlExposure:
			if v > 0 {
				args = append(args, "--shutter", strconv.Itoa(v))
			}
		case ControlGain:
			if v > 0 {
				args = append(args, "--gain", strconv.Itoa(v))
			}
		case ControlHMirror:
			if v != 0 {
				args = append(args, "--hflip")
			}
		case ControlVFlip:
			if v != 0 {
				args = append(args, "--vflip")
			}
		}
	}
	return append(args, "--output", "-")
}

// formatRatio maps the integer control range -100..100 onto the -1.0..1.0
// float the capture tool expects.
func formatRatio(v int) string {
	return strconv.FormatFloat(float64(v)/100, 'f', 2, 64)
}

// formatUnitOffset maps 0 to the tool's neutral 1.0, -100..100 to 0.0..2.0.
func formatUnitOffset(v int) string {
	return strconv.FormatFloat(1+float64(v)/100, 'f', 2, 64)
}

// pump reads the MJPEG byte stream and extracts complete frames as they
// arrive. It exits when the pipe closes.
func (d *LibcameraDevice) pump(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, 512*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = d.extractFrames(buf)
		}
		if err != nil {
			return
		}
	}
}

// extractFrames pulls every complete SOI..EOI run out of buf, publishing each
// as the current frame, and returns the unconsumed tail.
func (d *LibcameraDevice) extractFrames(buf []byte) []byte {
	for {
		soi := bytes.Index(buf, soiMarker)
		if soi < 0 {
			// Keep one byte in case a marker straddles the chunk edge.
			if len(buf) > 1 {
				buf = buf[len(buf)-1:]
			}
			return buf
		}
		rel := bytes.Index(buf[soi+2:], eoiMarker)
		if rel < 0 {
			return buf[soi:]
		}
		end := soi + 2 + rel + 2
		frame := make([]byte, end-soi)
		copy(frame, buf[soi:end])
		d.setFrame(frame)
		buf = buf[end:]
	}
}

func (d *LibcameraDevice) setFrame(frame []byte) {
	d.frameMu.Lock()
	d.frame = frame
	d.frameAt = time.Now()
	d.frameMu.Unlock()
}

func (d *LibcameraDevice) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		d.log.Debug("camera pipeline", "stderr", sc.Text())
	}
}
