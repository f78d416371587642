package session

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"cam-agent/internal/event"
	"cam-agent/internal/gallery"
	"cam-agent/internal/mjpeg"
	"cam-agent/internal/platform/metrics"
	"cam-agent/internal/storage"
)

// Recorder owns at most one on-disk recording session at a time. Start and
// Stop are idempotent at the boundaries; RecordFrame is a no-op while idle,
// so frame pullers can feed it unconditionally.
type Recorder struct {
	store    *storage.MediaStore
	gal      *gallery.Cache
	notifier event.Notifier
	met      *metrics.Metrics
	log      *slog.Logger

	fps        int
	flushEvery int64

	active atomic.Bool

	mu        sync.Mutex
	name      string
	file      *os.File
	buf       *bufio.Writer
	frames    int64
	startedAt time.Time
	thumbDone bool
}

// NewRecorder returns an idle recorder writing through store.
func NewRecorder(store *storage.MediaStore, gal *gallery.Cache, notifier event.Notifier, met *metrics.Metrics, fps, flushEvery int, log *slog.Logger) *Recorder {
	if fps <= 0 {
		fps = DefaultTargetFPS
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	return &Recorder{
		store:      store,
		gal:        gal,
		notifier:   notifier,
		met:        met,
		fps:        fps,
		flushEvery: int64(flushEvery),
		log:        log,
	}
}

// Active reports whether a recording session is open.
func (r *Recorder) Active() bool {
	return r.active.Load()
}

// Frames returns the number of frames written to the open session so far.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Name returns the artifact name of the open recording, "" while idle.
func (r *Recorder) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Start opens a new recording artifact and announces the state change.
// Starting while active is a no-op.
func (r *Recorder) Start(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active.Load() {
		return nil
	}

	name, f, err := r.store.CreateRecording(now)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	r.name = name
	r.file = f
	r.buf = bufio.NewWriterSize(f, 64*1024)
	r.frames = 0
	r.startedAt = now
	r.thumbDone = false
	r.active.Store(true)

	r.met.IncRecordings()
	r.log.Info("recording started", "name", name)
	r.notifier.Notify(event.RecordingStatus(true))
	return nil
}

// Stop closes the open recording, persists the duration sidecar, marks the
// gallery dirty, and announces the state change. Stopping while idle is a
// no-op.
func (r *Recorder) Stop(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active.Load() {
		return nil
	}
	r.active.Store(false)

	var firstErr error
	if err := r.buf.Flush(); err != nil {
		firstErr = fmt.Errorf("flush recording: %w", err)
	}
	if err := r.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync recording: %w", err)
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close recording: %w", err)
	}

	// Whole seconds only: 47 frames at 15 FPS is a 3 second clip.
	duration := int(r.frames) / r.fps
	meta := storage.Meta{
		DurationSeconds: duration,
		Frames:          r.frames,
		FPS:             r.fps,
		RecordedAt:      r.startedAt,
	}
	if err := r.store.WriteMeta(r.name, meta); err != nil {
		r.log.Warn("duration sidecar not persisted", "name", r.name, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	r.gal.MarkDirty()
	r.log.Info("recording stopped", "name", r.name, "frames", r.frames, "duration_s", duration)
	r.notifier.Notify(event.RecordingStatus(false))

	r.name, r.file, r.buf = "", nil, nil
	return firstErr
}

// RecordFrame appends one frame to the open recording in the multipart wire
// framing, so the artifact replays as a stream without conversion. The very
// first frame of a session doubles as the thumbnail, attempted exactly once;
// a failed thumbnail never aborts the recording. Every flushEvery-th frame
// the buffer is flushed and the file synced, bounding loss on power cuts.
func (r *Recorder) RecordFrame(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active.Load() || r.file == nil {
		return
	}

	if !r.thumbDone {
		r.thumbDone = true
		if err := r.store.SaveThumb(r.name, frame); err != nil {
			r.log.Warn("thumbnail not saved", "name", r.name, "error", err)
		}
	}

	if err := mjpeg.WritePart(r.buf, frame); err != nil {
		r.log.Warn("recording write failed", "name", r.name, "error", err)
		return
	}
	r.frames++

	if r.frames%r.flushEvery == 0 {
		if err := r.buf.Flush(); err != nil {
			r.log.Warn("recording flush failed", "name", r.name, "error", err)
			return
		}
		if err := r.file.Sync(); err != nil {
			r.log.Debug("recording fsync failed", "name", r.name, "error", err)
		}
	}
}
