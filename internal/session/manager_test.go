package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cam-agent/internal/camera"
	"cam-agent/internal/event"
	"cam-agent/internal/gallery"
	"cam-agent/internal/platform/logger"
	"cam-agent/internal/storage"
)

// testFrame returns a minimal frame payload with JPEG start and end markers.
func testFrame() []byte {
	return []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
}

// testDevice hands out canned frames and records control applications. Grab
// tracks overlapping callers so tests can assert mutual exclusion.
type testDevice struct {
	mu      sync.Mutex
	applied []camera.Control

	grabs    atomic.Int64
	inGrab   atomic.Int32
	overlaps atomic.Int64
}

func (d *testDevice) Start(context.Context) error { return nil }

func (d *testDevice) Stop() error { return nil }

func (d *testDevice) Grab() ([]byte, error) {
	if d.inGrab.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	defer d.inGrab.Add(-1)
	d.grabs.Add(1)
	return testFrame(), nil
}

func (d *testDevice) Apply(ctl camera.Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, ctl)
	return nil
}

func (d *testDevice) appliedControls() []camera.Control {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]camera.Control, len(d.applied))
	copy(out, d.applied)
	return out
}

// captureNotifier records every event for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *captureNotifier) Notify(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) count(evType, state string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Event == evType && ev.State == state {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *testDevice, *captureNotifier, *storage.MediaStore, *gallery.Cache) {
	t.Helper()
	dev := &testDevice{}
	store, err := storage.NewMediaStore(t.TempDir(), logger.Discard())
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	gal := gallery.NewCache(store, nil, logger.Discard())
	n := &captureNotifier{}
	m := NewManager(cfg, camera.NewHandle(dev, 20*time.Millisecond), store, gal, nil, n, nil, logger.Discard())
	return m, dev, n, store, gal
}

func TestServeStream_singleActiveSession(t *testing.T) {
	m, _, n, _, _ := newTestManager(t, Config{TargetFPS: 100, StreamMax: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.ServeStream(ctx, io.Discard) }()
	if !waitUntil(t, time.Second, m.Streaming) {
		t.Fatal("stream never became active")
	}

	if err := m.ServeStream(context.Background(), io.Discard); !errors.Is(err, ErrStreamBusy) {
		t.Fatalf("second stream error = %v, want ErrStreamBusy", err)
	}

	m.StopStream()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
	if m.Streaming() {
		t.Fatal("manager still streaming after stop")
	}

	// The slot is reusable once released.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := m.ServeStream(ctx2, io.Discard); err != nil {
		t.Fatalf("stream after stop: %v", err)
	}
	if got := n.count(event.TypeStreamState, event.StateStopped); got != 2 {
		t.Fatalf("teardown notifications = %d, want 2", got)
	}
}

func TestServeStream_writesMultipartFrames(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, Config{TargetFPS: 100, StreamMax: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var buf bytes.Buffer
	if err := m.ServeStream(ctx, &buf); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := strings.Count(buf.String(), "--frame\r\n"); got < 2 {
		t.Fatalf("parts written = %d, want at least 2", got)
	}
}

func TestManager_cameraUnavailable(t *testing.T) {
	m, dev, _, store, _ := newTestManager(t, Config{})
	m.cam.MarkUnavailable()

	if err := m.ServeStream(context.Background(), io.Discard); !errors.Is(err, camera.ErrUnavailable) {
		t.Fatalf("stream error = %v, want ErrUnavailable", err)
	}
	if err := m.Capture(); !errors.Is(err, camera.ErrUnavailable) {
		t.Fatalf("capture error = %v, want ErrUnavailable", err)
	}
	if err := m.StartRecording(); !errors.Is(err, camera.ErrUnavailable) {
		t.Fatalf("record error = %v, want ErrUnavailable", err)
	}
	if got := dev.grabs.Load(); got != 0 {
		t.Fatalf("device grabbed %d times with camera marked down", got)
	}

	// Everything that does not need the sensor still works.
	name, err := store.SaveStill(time.Now(), testFrame())
	if err != nil {
		t.Fatalf("SaveStill: %v", err)
	}
	if err := m.Delete(name); err != nil {
		t.Fatalf("delete with camera down: %v", err)
	}
	if st := m.Status(); st.CameraUp {
		t.Fatal("status reports camera up")
	}
}

func TestCapture_idleSavesDirectly(t *testing.T) {
	m, dev, n, store, gal := newTestManager(t, Config{})
	gal.Listing()

	if err := m.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	stills := 0
	for _, e := range entries {
		if storage.IsStill(e.Name) {
			stills++
		}
	}
	if stills != 1 {
		t.Fatalf("stills on disk = %d, want 1", stills)
	}
	if got := dev.grabs.Load(); got != 1 {
		t.Fatalf("device grabs = %d, want 1", got)
	}
	if !gal.Dirty() {
		t.Fatal("gallery not marked dirty by capture")
	}
	if got := n.count(event.TypeRefreshGallery, ""); got != 1 {
		t.Fatalf("refresh notifications = %d, want 1", got)
	}
}

func TestCapture_deferredWhileStreaming(t *testing.T) {
	m, _, _, store, _ := newTestManager(t, Config{TargetFPS: 100, StreamMax: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.ServeStream(ctx, io.Discard) }()
	if !waitUntil(t, time.Second, m.Streaming) {
		t.Fatal("stream never became active")
	}

	if err := m.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}

	countStills := func() int {
		entries, err := store.List()
		if err != nil {
			return 0
		}
		n := 0
		for _, e := range entries {
			if storage.IsStill(e.Name) {
				n++
			}
		}
		return n
	}
	if !waitUntil(t, time.Second, func() bool { return countStills() == 1 }) {
		t.Fatal("deferred still never saved")
	}
	if m.pendingStill.Load() {
		t.Fatal("pending flag not cleared")
	}

	// Frames keep flowing; no further still appears.
	time.Sleep(50 * time.Millisecond)
	if got := countStills(); got != 1 {
		t.Fatalf("stills on disk = %d, want exactly 1", got)
	}

	m.StopStream()
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
}

func TestServeStream_feedsActiveRecorder(t *testing.T) {
	m, dev, _, store, _ := newTestManager(t, Config{TargetFPS: 100, StreamMax: 5 * time.Second, FlushEvery: 1})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.ServeStream(ctx, io.Discard) }()
	if !waitUntil(t, time.Second, func() bool { return m.rec.Frames() >= 5 }) {
		t.Fatal("stream never fed the recorder")
	}

	m.StopStream()
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}

	name := m.rec.Name()
	if err := m.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	if got := dev.overlaps.Load(); got != 0 {
		t.Fatalf("overlapping camera grabs = %d, want 0", got)
	}
	meta, ok := store.ReadMeta(name)
	if !ok {
		t.Fatal("duration sidecar missing")
	}
	if meta.Frames < 5 {
		t.Fatalf("recorded frames = %d, want at least 5", meta.Frames)
	}
}

func TestRunRecorder_pullsFramesWhenNotStreaming(t *testing.T) {
	m, dev, _, _, _ := newTestManager(t, Config{RecordInterval: 2 * time.Millisecond})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunRecorder(ctx)
		close(done)
	}()
	if !waitUntil(t, time.Second, func() bool { return m.rec.Frames() >= 10 }) {
		t.Fatal("recorder loop never pulled frames")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder loop did not exit on cancel")
	}

	if err := m.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	if dev.grabs.Load() == 0 {
		t.Fatal("device never grabbed")
	}
}

func TestRunRecorder_stepsAsideWhileStreaming(t *testing.T) {
	m, dev, _, _, _ := newTestManager(t, Config{RecordInterval: 2 * time.Millisecond})

	m.streaming.Store(true)
	if err := m.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	m.RunRecorder(ctx)

	if got := dev.grabs.Load(); got != 0 {
		t.Fatalf("recorder loop pulled %d frames while a stream was live", got)
	}

	m.streaming.Store(false)
	if err := m.StopRecording(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
}

func TestToggleRecording(t *testing.T) {
	m, _, n, _, _ := newTestManager(t, Config{})

	if err := m.ToggleRecording(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if !m.Recording() {
		t.Fatal("not recording after toggle")
	}
	if err := m.ToggleRecording(); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if m.Recording() {
		t.Fatal("still recording after second toggle")
	}
	if got := n.count(event.TypeRecordingStatus, event.StateStarted); got != 1 {
		t.Fatalf("started notifications = %d, want 1", got)
	}
	if got := n.count(event.TypeRecordingStatus, event.StateStopped); got != 1 {
		t.Fatalf("stopped notifications = %d, want 1", got)
	}
}

func TestToggleStream_stopsLiveSession(t *testing.T) {
	m, _, _, _, _ := newTestManager(t, Config{TargetFPS: 100, StreamMax: 5 * time.Second})

	m.ToggleStream() // no session: nothing to stop

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.ServeStream(ctx, io.Discard) }()
	if !waitUntil(t, time.Second, m.Streaming) {
		t.Fatal("stream never became active")
	}

	m.ToggleStream()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("toggle did not stop the stream")
	}
}

func TestApplySetting(t *testing.T) {
	m, dev, _, _, _ := newTestManager(t, Config{})

	if err := m.ApplySetting(camera.ControlBrightness, 20); err != nil {
		t.Fatalf("apply brightness: %v", err)
	}
	if err := m.ApplySetting("zoom", 5); err != nil {
		t.Fatalf("unknown setting should be ignored, got %v", err)
	}

	got := dev.appliedControls()
	if len(got) != 1 || got[0].Name != camera.ControlBrightness || got[0].Value != 20 {
		t.Fatalf("applied controls = %v", got)
	}
}

func TestDelete_marksDirtyEvenWhenMissing(t *testing.T) {
	m, _, n, _, gal := newTestManager(t, Config{})
	gal.Listing()

	if err := m.Delete("img_20260101_000000.jpg"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete error = %v, want ErrNotFound", err)
	}
	if !gal.Dirty() {
		t.Fatal("gallery not marked dirty after failed delete")
	}
	if got := n.count(event.TypeRefreshGallery, ""); got != 1 {
		t.Fatalf("refresh notifications = %d, want 1", got)
	}
}

func TestDeleteAll(t *testing.T) {
	m, _, _, store, gal := newTestManager(t, Config{})

	if _, err := store.SaveStill(time.Now(), testFrame()); err != nil {
		t.Fatalf("SaveStill: %v", err)
	}
	gal.Listing()

	if err := m.DeleteAll(); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	entries, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after delete all = %d, want 0", len(entries))
	}
	if !gal.Dirty() {
		t.Fatal("gallery not marked dirty")
	}
}

type fakeMirror struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeMirror) SaveStill(_ context.Context, name string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return nil
}

func (f *fakeMirror) seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.names)
}

func TestCapture_mirrorsInBackground(t *testing.T) {
	dev := &testDevice{}
	store, err := storage.NewMediaStore(t.TempDir(), logger.Discard())
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	gal := gallery.NewCache(store, nil, logger.Discard())
	mir := &fakeMirror{}
	m := NewManager(Config{}, camera.NewHandle(dev, 20*time.Millisecond), store, gal, mir, nil, nil, logger.Discard())

	if err := m.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !waitUntil(t, time.Second, func() bool { return mir.seen() == 1 }) {
		t.Fatal("still never mirrored")
	}
}
