// Package session arbitrates the camera between the live stream, the
// background recorder, and still captures. The rule throughout: at most one
// puller drives the camera at a time, and whichever puller holds the camera
// performs every due side effect on the frame it pulled.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cam-agent/internal/camera"
	"cam-agent/internal/event"
	"cam-agent/internal/gallery"
	"cam-agent/internal/platform/metrics"
	"cam-agent/internal/storage"
)

// Defaults for the session pacing knobs.
const (
	DefaultTargetFPS      = 15
	DefaultStreamMax      = 120 * time.Second
	DefaultRecordInterval = 40 * time.Millisecond
	DefaultFlushEvery     = 20
)

// recorderIdleNap paces the recorder loop while no recording is open.
const recorderIdleNap = 100 * time.Millisecond

// mirrorTimeout bounds one background still upload.
const mirrorTimeout = 10 * time.Second

// ErrStreamBusy is returned when a stream client connects while another
// session is already live.
var ErrStreamBusy = errors.New("session: a stream session is already active")

// Config carries the session pacing parameters. Zero values fall back to the
// package defaults.
type Config struct {
	TargetFPS      int
	StreamMax      time.Duration
	RecordInterval time.Duration
	FlushEvery     int
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.StreamMax <= 0 {
		c.StreamMax = DefaultStreamMax
	}
	if c.RecordInterval <= 0 {
		c.RecordInterval = DefaultRecordInterval
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = DefaultFlushEvery
	}
	return c
}

// frameInterval is the stream pacing target derived from the configured FPS.
func (c Config) frameInterval() time.Duration {
	return time.Second / time.Duration(c.TargetFPS)
}

// Manager coordinates all camera work. Stills requested during a live stream
// are deferred to the stream's next frame instead of contending for the
// camera; the background recorder loop steps aside entirely while a stream
// runs, because the stream feeds the recorder itself.
type Manager struct {
	cfg      Config
	cam      *camera.Handle
	rec      *Recorder
	store    *storage.MediaStore
	gal      *gallery.Cache
	mirror   storage.Mirror // optional, may be nil
	notifier event.Notifier
	met      *metrics.Metrics
	log      *slog.Logger

	streaming    atomic.Bool
	pendingStill atomic.Bool

	mu  sync.Mutex
	cur *streamer

	startedAt time.Time
}

// NewManager wires a manager over the camera handle and the storage layers.
// mirror may be nil when no remote mirror is configured.
func NewManager(cfg Config, cam *camera.Handle, store *storage.MediaStore, gal *gallery.Cache, mirror storage.Mirror, notifier event.Notifier, met *metrics.Metrics, log *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = event.Discard{}
	}
	m := &Manager{
		cfg:       cfg,
		cam:       cam,
		store:     store,
		gal:       gal,
		mirror:    mirror,
		notifier:  notifier,
		met:       met,
		log:       log,
		startedAt: time.Now(),
	}
	m.rec = NewRecorder(store, gal, notifier, met, cfg.TargetFPS, cfg.FlushEvery, log)
	return m
}

// ServeStream runs a live stream session writing multipart frames to w until
// the client disconnects, the session is stopped, or the hard ceiling
// expires. Only one session runs at a time; latecomers get ErrStreamBusy
// before anything is written, so the handler can still answer with a clean
// status code.
func (m *Manager) ServeStream(ctx context.Context, w io.Writer) error {
	if !m.cam.Available() {
		return camera.ErrUnavailable
	}
	if !m.streaming.CompareAndSwap(false, true) {
		return ErrStreamBusy
	}

	st := newStreamer(uuid.NewString(), m.cfg.frameInterval(), m.cfg.StreamMax, m.acquireForStream, m.notifier, m.met, m.log)
	m.mu.Lock()
	m.cur = st
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cur = nil
		m.mu.Unlock()
		m.streaming.Store(false)
	}()

	return st.run(ctx, w)
}

// acquireForStream pulls one frame with every due side effect attached: the
// recording write when a recording is open, and the deferred still when one
// is flagged.
func (m *Manager) acquireForStream() ([]byte, error) {
	sinks := make([]camera.Sink, 0, 2)
	if m.rec.Active() {
		sinks = append(sinks, m.rec.RecordFrame)
	}
	sinks = append(sinks, m.takeDeferredStill)
	return m.cam.Acquire(sinks...)
}

// takeDeferredStill services a capture requested mid-stream. It runs as a
// sink so the still comes from a frame the stream loop already pulled.
func (m *Manager) takeDeferredStill(frame []byte) {
	if !m.pendingStill.CompareAndSwap(true, false) {
		return
	}
	if err := m.saveStill(frame); err != nil {
		m.log.Warn("deferred capture failed", "error", err)
	}
}

// Capture takes a still image. While a stream session is live the request is
// deferred to the stream's next frame; otherwise the frame is pulled
// directly.
func (m *Manager) Capture() error {
	if !m.cam.Available() {
		return camera.ErrUnavailable
	}
	if m.streaming.Load() {
		m.pendingStill.Store(true)
		m.log.Debug("capture deferred to stream loop")
		return nil
	}

	var saveErr error
	if _, err := m.cam.Acquire(func(frame []byte) {
		saveErr = m.saveStill(frame)
	}); err != nil {
		if errors.Is(err, camera.ErrContended) {
			m.met.IncFramesContended()
		}
		return fmt.Errorf("capture: %w", err)
	}
	return saveErr
}

// saveStill persists one frame as a still, marks the gallery dirty whatever
// the outcome, announces the refresh, and mirrors the still in the
// background.
func (m *Manager) saveStill(frame []byte) error {
	name, err := m.store.SaveStill(time.Now(), frame)
	m.gal.MarkDirty()
	if err != nil {
		return fmt.Errorf("save still: %w", err)
	}
	m.met.IncStills()
	m.log.Info("still captured", "name", name, "bytes", len(frame))
	m.notifier.Notify(event.RefreshGallery())

	if m.mirror != nil {
		data := make([]byte, len(frame))
		copy(data, frame)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
			defer cancel()
			if err := m.mirror.SaveStill(ctx, name, data); err != nil {
				m.log.Warn("still mirror failed", "name", name, "error", err)
			}
		}()
	}
	return nil
}

// StartRecording opens the recorder. Already recording is a no-op.
func (m *Manager) StartRecording() error {
	if !m.cam.Available() {
		return camera.ErrUnavailable
	}
	return m.rec.Start(time.Now())
}

// StopRecording closes the recorder. Idle is a no-op.
func (m *Manager) StopRecording() error {
	return m.rec.Stop(time.Now())
}

// ToggleRecording flips the recorder state.
func (m *Manager) ToggleRecording() error {
	if m.rec.Active() {
		return m.StopRecording()
	}
	return m.StartRecording()
}

// StopStream asks the live session to end; the loop honors it on its next
// iteration. Without a session this is a no-op.
func (m *Manager) StopStream() {
	m.mu.Lock()
	st := m.cur
	m.mu.Unlock()
	if st != nil {
		st.stop()
	}
}

// StartStream is accepted for symmetry with the command surface. Sessions
// are created when a stream client connects, so with no session running
// there is nothing to start here.
func (m *Manager) StartStream() {
	if m.streaming.Load() {
		m.log.Debug("stream already active")
		return
	}
	m.log.Debug("stream start noted; session begins when a client connects")
}

// ToggleStream stops the live session or, with none running, behaves like
// StartStream.
func (m *Manager) ToggleStream() {
	m.mu.Lock()
	st := m.cur
	m.mu.Unlock()
	if st != nil {
		st.stop()
		return
	}
	m.StartStream()
}

// ApplySetting forwards a known camera control. Unknown names are logged and
// ignored rather than failing the command batch.
func (m *Manager) ApplySetting(name string, value int) error {
	if !camera.KnownControl(name) {
		m.log.Debug("ignoring unknown setting", "param", name)
		return nil
	}
	if err := m.cam.Apply(camera.Control{Name: name, Value: value}); err != nil {
		return fmt.Errorf("apply setting %s: %w", name, err)
	}
	m.log.Info("setting applied", "param", name, "value", value)
	return nil
}

// Delete removes one artifact. The gallery is marked dirty and the refresh
// announced whatever the outcome, so clients converge even after races with
// external deletions.
func (m *Manager) Delete(name string) error {
	err := m.store.Delete(name)
	m.gal.MarkDirty()
	m.notifier.Notify(event.RefreshGallery())
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	m.log.Info("artifact deleted", "name", name)
	return nil
}

// DeleteAll clears every media artifact, sparing foreign files.
func (m *Manager) DeleteAll() error {
	removed, err := m.store.DeleteAll()
	m.gal.MarkDirty()
	m.notifier.Notify(event.RefreshGallery())
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	m.log.Info("media cleared", "removed", removed)
	return nil
}

// Streaming reports whether a live session is running.
func (m *Manager) Streaming() bool {
	return m.streaming.Load()
}

// Recording reports whether the recorder is active.
func (m *Manager) Recording() bool {
	return m.rec.Active()
}

// Busy reports whether any media session is in flight. The connection
// supervisor withholds link recovery while this holds.
func (m *Manager) Busy() bool {
	return m.Streaming() || m.Recording()
}

// CameraAvailable reports whether the device initialized.
func (m *Manager) CameraAvailable() bool {
	return m.cam.Available()
}

// RunRecorder drives the background recording loop until ctx ends. While a
// stream session is live the loop only naps: the stream pulls the frames and
// feeds the recorder itself, so the camera never sees two pullers.
func (m *Manager) RunRecorder(ctx context.Context) {
	m.log.Debug("recorder loop running")
	for ctx.Err() == nil {
		switch {
		case !m.rec.Active():
			if !sleepCtx(ctx, recorderIdleNap) {
				return
			}
		case m.streaming.Load():
			if !sleepCtx(ctx, m.cfg.RecordInterval) {
				return
			}
		default:
			if _, err := m.cam.Acquire(m.rec.RecordFrame); err != nil {
				switch {
				case errors.Is(err, camera.ErrContended):
					m.met.IncFramesContended()
				default:
					m.log.Warn("recording frame failed", "error", err)
				}
			} else {
				m.met.IncFrames()
			}
			if !sleepCtx(ctx, m.cfg.RecordInterval) {
				return
			}
		}
	}
}

// Snapshot is the agent status served over the control surface.
type Snapshot struct {
	CameraUp       bool   `json:"camera_up"`
	Streaming      bool   `json:"streaming"`
	Recording      bool   `json:"recording"`
	RecordedFrames int64  `json:"recorded_frames"`
	PendingStill   bool   `json:"pending_still"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	DiskUsedBytes  uint64 `json:"disk_used_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
}

// Status returns the current snapshot.
func (m *Manager) Status() Snapshot {
	used, total := m.store.Usage()
	return Snapshot{
		CameraUp:       m.cam.Available(),
		Streaming:      m.Streaming(),
		Recording:      m.Recording(),
		RecordedFrames: m.rec.Frames(),
		PendingStill:   m.pendingStill.Load(),
		UptimeSeconds:  int64(time.Since(m.startedAt).Seconds()),
		DiskUsedBytes:  used,
		DiskTotalBytes: total,
	}
}
