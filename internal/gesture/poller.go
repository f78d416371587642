package gesture

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is the touch sampling cadence.
const DefaultPollInterval = 20 * time.Millisecond

// Bindings maps resolved gestures to actions. Nil actions are skipped.
type Bindings struct {
	Tap      func()
	MultiTap func()
	LongHold func()
}

// Poller samples a touch source on a fixed cadence and dispatches resolved
// gestures. Read errors are logged and polling continues; a flaky sensor
// must not take the agent down.
type Poller struct {
	src      Source
	det      *Detector
	bindings Bindings
	interval time.Duration
	log      *slog.Logger
}

func NewPoller(src Source, det *Detector, bindings Bindings, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{src: src, det: det, bindings: bindings, interval: interval, log: log}
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	p.log.Debug("touch poller running", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			raw, err := p.src.Read()
			if err != nil {
				p.log.Debug("touch read failed", "error", err)
				continue
			}
			p.dispatch(p.det.Poll(raw, now))
		}
	}
}

func (p *Poller) dispatch(g Gesture) {
	if g == None {
		return
	}
	p.log.Info("gesture", "kind", g.String())
	switch g {
	case Tap:
		if p.bindings.Tap != nil {
			p.bindings.Tap()
		}
	case MultiTap:
		if p.bindings.MultiTap != nil {
			p.bindings.MultiTap()
		}
	case LongHold:
		if p.bindings.LongHold != nil {
			p.bindings.LongHold()
		}
	}
}
