package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"cam-agent/internal/camera"
	"cam-agent/internal/event"
	"cam-agent/internal/mjpeg"
	"cam-agent/internal/platform/metrics"
)

// slowStreakLimit is how many consecutive slow iterations accumulate before
// the streak is logged and reset. The session continues either way.
const slowStreakLimit = 3

// streamer runs one live MJPEG session: acquire a frame, write one part,
// flush, keep pace. The active flag, the client context, and the hard
// deadline are all observed at the top of every iteration.
type streamer struct {
	id       string
	interval time.Duration
	maxDur   time.Duration
	acquire  func() ([]byte, error)
	notifier event.Notifier
	met      *metrics.Metrics
	log      *slog.Logger

	active     atomic.Bool
	slowStreak int
	frames     int64
}

func newStreamer(id string, interval, maxDur time.Duration, acquire func() ([]byte, error), notifier event.Notifier, met *metrics.Metrics, log *slog.Logger) *streamer {
	st := &streamer{
		id:       id,
		interval: interval,
		maxDur:   maxDur,
		acquire:  acquire,
		notifier: notifier,
		met:      met,
		log:      log,
	}
	st.active.Store(true)
	return st
}

// stop flips the active flag; the loop observes it on its next iteration.
func (st *streamer) stop() {
	st.active.Store(false)
}

// run writes multipart frames to w until the session is stopped, the client
// goes away, or the hard ceiling expires. Teardown happens exactly once no
// matter which exit is taken.
func (st *streamer) run(ctx context.Context, w io.Writer) error {
	start := time.Now()
	deadline := start.Add(st.maxDur)
	flusher, _ := w.(http.Flusher)

	st.met.IncStreamSessions()
	st.log.Info("stream session started", "session_id", st.id)
	st.notifier.Notify(event.StreamState(true))
	defer func() {
		st.active.Store(false)
		st.log.Info("stream session ended",
			"session_id", st.id,
			"frames", st.frames,
			"duration_ms", time.Since(start).Milliseconds())
		st.notifier.Notify(event.StreamState(false))
	}()

	for st.active.Load() {
		select {
		case <-ctx.Done():
			st.log.Debug("stream client disconnected", "session_id", st.id)
			return nil
		default:
		}
		now := time.Now()
		if !now.Before(deadline) {
			st.log.Info("stream session hit max duration", "session_id", st.id)
			return nil
		}

		frame, err := st.acquire()
		switch {
		case err == nil:
			if werr := mjpeg.WritePart(w, frame); werr != nil {
				// A torn client write ends the session via the
				// context check above, not here.
				st.log.Debug("frame write failed", "session_id", st.id, "error", werr)
			} else {
				if flusher != nil {
					flusher.Flush()
				}
				st.frames++
				st.met.IncFrames()
			}
		case errors.Is(err, camera.ErrContended):
			st.met.IncFramesContended()
		default:
			st.log.Warn("frame acquisition failed", "session_id", st.id, "error", err)
		}

		elapsed := time.Since(now)
		if elapsed > 2*st.interval {
			st.met.IncSlowFrames()
			st.slowStreak++
			if st.slowStreak >= slowStreakLimit {
				st.log.Warn("stream running behind", "session_id", st.id, "consecutive_slow", st.slowStreak)
				st.slowStreak = 0
			}
		} else {
			st.slowStreak = 0
		}

		rest := st.interval - elapsed
		if rest < time.Millisecond {
			rest = time.Millisecond
		}
		if !sleepCtx(ctx, rest) {
			return nil
		}
	}

	st.log.Debug("stream session stopped", "session_id", st.id)
	return nil
}

// sleepCtx sleeps for d unless ctx ends first, reporting whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
