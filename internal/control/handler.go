package control

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cam-agent/internal/camera"
	"cam-agent/internal/gallery"
	"cam-agent/internal/mjpeg"
	"cam-agent/internal/netwatch"
	"cam-agent/internal/session"
	"cam-agent/internal/storage"
)

// Handler exposes the agent HTTP endpoints using go-chi.
type Handler struct {
	mgr   *session.Manager
	gal   *gallery.Cache
	store *storage.MediaStore
	disp  *Dispatcher
	sup   *netwatch.Supervisor
	hub   *Hub
	log   *slog.Logger
}

// NewHandler returns a Handler over the session manager and its
// collaborators. sup and hub may be nil (e.g. in tests); their status fields
// then read as zero.
func NewHandler(mgr *session.Manager, gal *gallery.Cache, store *storage.MediaStore, disp *Dispatcher, sup *netwatch.Supervisor, hub *Hub, log *slog.Logger) *Handler {
	return &Handler{mgr: mgr, gal: gal, store: store, disp: disp, sup: sup, hub: hub, log: log}
}

// Index handles GET /.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("cam-agent up\n"))
}

// Stream handles GET /stream: at most one live MJPEG session per camera.
// The session runs in this handler's goroutine until the client disconnects,
// a stop command lands, or the session ceiling expires.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", mjpeg.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	err := h.mgr.ServeStream(r.Context(), w)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrStreamBusy):
		// ServeStream rejects before writing, so the status line is
		// still ours to set.
		h.log.Info("stream rejected, session already live", slog.String("remote", r.RemoteAddr))
		http.Error(w, "stream session already active", http.StatusConflict)
	case errors.Is(err, camera.ErrUnavailable):
		h.log.Warn("stream rejected, camera unavailable")
		http.Error(w, "camera unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error("stream session failed", slog.String("error", err.Error()))
	}
}

// Command handles POST /api/command. Bad JSON is the only rejection; the
// command outcome is reported over the event channel, not the response.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.log.Debug("invalid command body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.disp.Dispatch(cmd)
	w.WriteHeader(http.StatusAccepted)
}

// Gallery handles GET /api/gallery.
func (h *Handler) Gallery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.gal.Listing()); err != nil {
		h.log.Debug("gallery encode failed", slog.String("error", err.Error()))
	}
}

type statusResponse struct {
	session.Snapshot
	LinkUp       bool `json:"link_up"`
	LinkFailures int  `json:"link_failures"`
	WSClients    int  `json:"ws_clients"`
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Snapshot: h.mgr.Status()}
	if h.sup != nil {
		resp.LinkUp, resp.LinkFailures = h.sup.Snapshot()
	}
	if h.hub != nil {
		resp.WSClients = h.hub.ClientCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Debug("status encode failed", slog.String("error", err.Error()))
	}
}

// MediaGet handles GET /media/{name}: stills and thumbnails as plain JPEG,
// recordings replayed with the live stream's multipart framing.
func (h *Handler) MediaGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, fi, err := h.store.Open(name)
	if err != nil {
		h.writeStoreError(w, name, err)
		return
	}
	defer f.Close()

	if storage.IsVideo(name) {
		w.Header().Set("Content-Type", mjpeg.ContentType)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		if _, err := io.Copy(w, f); err != nil {
			h.log.Debug("media replay interrupted",
				slog.String("name", name),
				slog.String("error", err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// MediaDelete handles DELETE /media/{name}.
func (h *Handler) MediaDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.mgr.Delete(name); err != nil {
		h.writeStoreError(w, name, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MediaDeleteAll handles DELETE /media.
func (h *Handler) MediaDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.DeleteAll(); err != nil {
		h.log.Error("delete all failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, storage.ErrBadName):
		h.log.Debug("bad media name", slog.String("name", name))
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		h.log.Error("media operation failed",
			slog.String("name", name),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}
