package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cam-agent/internal/event"
	"cam-agent/internal/platform/metrics"
)

// wsWriteWait bounds one broadcast write so a stalled client cannot block
// the notifier.
const wsWriteWait = 2 * time.Second

// Hub fans status events out to connected WebSocket clients and feeds the
// commands they send back into the dispatcher. It implements event.Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	met      *metrics.Metrics
	log      *slog.Logger

	mu        sync.Mutex
	conns     map[*websocket.Conn]bool
	onCommand func(Command)
}

// NewHub returns a hub with no command sink; wire one with OnCommand before
// the server accepts connections.
func NewHub(met *metrics.Metrics, log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Control clients live on the device's own LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		met:   met,
		log:   log,
		conns: make(map[*websocket.Conn]bool),
	}
}

// OnCommand sets the sink for commands received from clients.
func (h *Hub) OnCommand(fn func(Command)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCommand = fn
}

// ServeWS upgrades the connection and pumps inbound command frames until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.add(conn)
	defer h.remove(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug("websocket client gone", slog.String("error", err.Error()))
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.log.Debug("bad websocket command", slog.String("error", err.Error()))
			continue
		}
		h.mu.Lock()
		fn := h.onCommand
		h.mu.Unlock()
		if fn != nil {
			fn(cmd)
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
	h.met.SetWSClients(len(h.conns))
	h.log.Info("websocket client connected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("clients", len(h.conns)))
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	conn.Close()
	h.met.SetWSClients(len(h.conns))
	h.log.Info("websocket client disconnected", slog.Int("clients", len(h.conns)))
}

// Notify broadcasts one status event to every client, pruning the dead.
func (h *Hub) Notify(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("websocket write failed, dropping client", slog.String("error", err.Error()))
			delete(h.conns, conn)
			conn.Close()
		}
	}
	h.met.SetWSClients(len(h.conns))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
