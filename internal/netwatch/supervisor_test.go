package netwatch

import (
	"sync/atomic"
	"testing"
	"time"

	"cam-agent/internal/platform/logger"
)

type fakeLink struct {
	up         atomic.Bool
	reconnects atomic.Int64
	resets     atomic.Int64
}

func (f *fakeLink) Connected() bool { return f.up.Load() }

func (f *fakeLink) Reconnect() error {
	f.reconnects.Add(1)
	return nil
}

func (f *fakeLink) Reset() error {
	f.resets.Add(1)
	return nil
}

type fakeAnnouncer struct {
	ensures atomic.Int64
	lapses  atomic.Int64
}

func (f *fakeAnnouncer) EnsureAnnounced() error {
	f.ensures.Add(1)
	return nil
}

func (f *fakeAnnouncer) Lapse() { f.lapses.Add(1) }

func (f *fakeAnnouncer) Close() {}

func newTestSupervisor(link Link, ann Announcer, busy func() bool) *Supervisor {
	return NewSupervisor(link, ann, busy, time.Second, 4, nil, logger.Discard())
}

func TestSupervisorTick_escalatesToReset(t *testing.T) {
	link := &fakeLink{}
	sup := newTestSupervisor(link, nil, nil)

	for i := 0; i < 3; i++ {
		sup.Tick()
	}
	if got := link.reconnects.Load(); got != 3 {
		t.Fatalf("reconnects = %d, want 3", got)
	}
	if got := link.resets.Load(); got != 0 {
		t.Fatalf("resets = %d, want 0 before the ceiling", got)
	}

	sup.Tick()
	if got := link.resets.Load(); got != 1 {
		t.Fatalf("resets = %d, want 1 at the ceiling", got)
	}
	if _, failures := sup.Snapshot(); failures != 0 {
		t.Fatalf("failures after reset = %d, want 0", failures)
	}

	// The escalation cycle restarts.
	for i := 0; i < 4; i++ {
		sup.Tick()
	}
	if got := link.reconnects.Load(); got != 6 {
		t.Fatalf("reconnects = %d, want 6", got)
	}
	if got := link.resets.Load(); got != 2 {
		t.Fatalf("resets = %d, want 2", got)
	}
}

func TestSupervisorTick_withholdsRecoveryDuringSession(t *testing.T) {
	link := &fakeLink{}
	ann := &fakeAnnouncer{}
	var busy atomic.Bool
	busy.Store(true)
	sup := newTestSupervisor(link, ann, busy.Load)

	for i := 0; i < 10; i++ {
		sup.Tick()
	}
	if got := link.reconnects.Load(); got != 0 {
		t.Fatalf("reconnects during session = %d, want 0", got)
	}
	if got := link.resets.Load(); got != 0 {
		t.Fatalf("resets during session = %d, want 0", got)
	}
	if connected, _ := sup.Snapshot(); connected {
		t.Fatal("outage not noted while withheld")
	}
	if ann.lapses.Load() == 0 {
		t.Fatal("announcement never lapsed while down")
	}

	// Recovery resumes once the session ends.
	busy.Store(false)
	sup.Tick()
	if got := link.reconnects.Load(); got != 1 {
		t.Fatalf("reconnects after session = %d, want 1", got)
	}
}

func TestSupervisorTick_recoveryZeroesFailures(t *testing.T) {
	link := &fakeLink{}
	ann := &fakeAnnouncer{}
	sup := newTestSupervisor(link, ann, nil)

	sup.Tick()
	sup.Tick()
	if _, failures := sup.Snapshot(); failures != 2 {
		t.Fatalf("failures = %d, want 2", failures)
	}

	link.up.Store(true)
	sup.Tick()
	connected, failures := sup.Snapshot()
	if !connected || failures != 0 {
		t.Fatalf("snapshot = (%v, %d), want (true, 0)", connected, failures)
	}
	if ann.ensures.Load() == 0 {
		t.Fatal("announcement not re-ensured on recovery")
	}

	// The count starts over after an up period.
	link.up.Store(false)
	for i := 0; i < 3; i++ {
		sup.Tick()
	}
	if got := link.resets.Load(); got != 0 {
		t.Fatalf("resets = %d, want 0 (counter restarted)", got)
	}
}

func TestSupervisorTick_announcesWhileUp(t *testing.T) {
	link := &fakeLink{}
	link.up.Store(true)
	ann := &fakeAnnouncer{}
	sup := newTestSupervisor(link, ann, nil)

	for i := 0; i < 3; i++ {
		sup.Tick()
	}
	if got := ann.ensures.Load(); got != 3 {
		t.Fatalf("ensures = %d, want 3", got)
	}
	if got := ann.lapses.Load(); got != 0 {
		t.Fatalf("lapses = %d, want 0", got)
	}
	if got := link.reconnects.Load(); got != 0 {
		t.Fatalf("reconnects = %d, want 0", got)
	}
}

func TestWifiLink_noCommandConfigured(t *testing.T) {
	w := NewWifiLink("wlan0", "", "", logger.Discard())
	if err := w.Reconnect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestWifiLink_commandFailureSurfaces(t *testing.T) {
	w := NewWifiLink("wlan0", "exit 3", "true", logger.Discard())
	if err := w.Reconnect(); err == nil {
		t.Fatal("expected error from failing command")
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
}
