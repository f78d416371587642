package netwatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Announcer keeps a service announcement alive on the local network.
type Announcer interface {
	EnsureAnnounced() error
	Lapse()
	Close()
}

// MDNSAnnouncer registers the agent's HTTP endpoint over mDNS so clients
// find it without knowing its address. The registration lapses while the
// uplink is down and is lazily re-established on recovery.
type MDNSAnnouncer struct {
	instance string
	port     int
	txt      []string
	log      *slog.Logger

	mu  sync.Mutex
	srv *zeroconf.Server
}

func NewMDNSAnnouncer(instance string, port int, txt []string, log *slog.Logger) *MDNSAnnouncer {
	return &MDNSAnnouncer{instance: instance, port: port, txt: txt, log: log}
}

// EnsureAnnounced registers the service unless it already is.
func (a *MDNSAnnouncer) EnsureAnnounced() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv != nil {
		return nil
	}
	srv, err := zeroconf.Register(a.instance, "_http._tcp", "local.", a.port, a.txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.srv = srv
	a.log.Info("mdns announcement up", "instance", a.instance, "port", a.port)
	return nil
}

// Lapse drops the announcement; EnsureAnnounced re-registers later.
func (a *MDNSAnnouncer) Lapse() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.srv == nil {
		return
	}
	a.srv.Shutdown()
	a.srv = nil
	a.log.Debug("mdns announcement lapsed")
}

// Close drops the announcement for good.
func (a *MDNSAnnouncer) Close() {
	a.Lapse()
}
