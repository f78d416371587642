package netwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cam-agent/internal/platform/metrics"
)

// Defaults for the supervision loop.
const (
	DefaultCheckInterval = 15 * time.Second
	DefaultResetCeiling  = 4
)

// Supervisor checks the uplink on a fixed cadence and escalates recovery:
// soft reconnects first, a hard reset once consecutive failures reach the
// ceiling. While a media session is in flight recovery is withheld, so a
// reset never costs footage.
type Supervisor struct {
	link     Link
	ann      Announcer
	busy     func() bool
	met      *metrics.Metrics
	log      *slog.Logger
	interval time.Duration
	ceiling  int

	mu        sync.Mutex
	connected bool
	failures  int
}

// NewSupervisor wires a supervisor over link. ann may be nil when discovery
// is disabled; busy may be nil when nothing ever blocks recovery.
func NewSupervisor(link Link, ann Announcer, busy func() bool, interval time.Duration, ceiling int, met *metrics.Metrics, log *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultResetCeiling
	}
	if busy == nil {
		busy = func() bool { return false }
	}
	return &Supervisor{
		link:     link,
		ann:      ann,
		busy:     busy,
		interval: interval,
		ceiling:  ceiling,
		met:      met,
		log:      log,
	}
}

// Run drives Tick on a ticker until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	s.log.Debug("link supervisor running", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one supervision round.
func (s *Supervisor) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link.Connected() {
		if !s.connected {
			s.log.Info("uplink recovered")
		}
		s.connected = true
		s.failures = 0
		s.met.SetLinkUp(true)
		if s.ann != nil {
			if err := s.ann.EnsureAnnounced(); err != nil {
				s.log.Warn("mdns announcement failed", "error", err)
			}
		}
		return
	}

	s.connected = false
	s.met.SetLinkUp(false)
	if s.ann != nil {
		s.ann.Lapse()
	}

	// A reset mid-session would cost footage; note the outage and wait.
	if s.busy() {
		s.log.Debug("uplink down, recovery withheld during media session")
		return
	}

	s.failures++
	if s.failures >= s.ceiling {
		s.log.Warn("uplink still down, hard reset", "failures", s.failures)
		s.failures = 0
		s.met.IncLinkResets()
		if err := s.link.Reset(); err != nil {
			s.log.Error("link reset failed", "error", err)
		}
		return
	}

	s.log.Info("uplink down, reconnecting", "failures", s.failures)
	s.met.IncLinkReconnects()
	if err := s.link.Reconnect(); err != nil {
		s.log.Warn("link reconnect failed", "error", err)
	}
}

// Snapshot reports the last observed link state and the consecutive failure
// count.
func (s *Supervisor) Snapshot() (connected bool, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, s.failures
}
