// Package netwatch keeps the device reachable: it watches the uplink,
// recovers it when it drops, and keeps the agent's mDNS announcement alive.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// commandTimeout bounds one recovery command.
const commandTimeout = 10 * time.Second

// Link is the network uplink under supervision.
type Link interface {
	Connected() bool
	Reconnect() error
	Reset() error
}

// WifiLink supervises a wireless interface through the kernel's operstate
// file and operator-provided recovery commands. Unset commands make the
// action a logged no-op, for boards where the OS handles recovery itself.
type WifiLink struct {
	iface        string
	reconnectCmd string
	resetCmd     string
	log          *slog.Logger
}

func NewWifiLink(iface, reconnectCmd, resetCmd string, log *slog.Logger) *WifiLink {
	return &WifiLink{iface: iface, reconnectCmd: reconnectCmd, resetCmd: resetCmd, log: log}
}

// Connected reports whether the interface is up.
func (w *WifiLink) Connected() bool {
	data, err := os.ReadFile(filepath.Join("/sys/class/net", w.iface, "operstate"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "up"
}

// Reconnect runs the soft reconnect command.
func (w *WifiLink) Reconnect() error {
	return w.runCmd("reconnect", w.reconnectCmd)
}

// Reset runs the hard reset command.
func (w *WifiLink) Reset() error {
	return w.runCmd("reset", w.resetCmd)
}

func (w *WifiLink) runCmd(kind, cmd string) error {
	if cmd == "" {
		w.log.Debug("no link recovery command configured", "kind", kind)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return fmt.Errorf("link %s: %w (%s)", kind, err, strings.TrimSpace(string(out)))
	}
	w.log.Info("link recovery command ran", "kind", kind)
	return nil
}
