// Package gallery maintains the cached media listing served to clients.
// Mutations anywhere in the agent mark the cache dirty; the next read pays
// for a full rebuild. The listing is never patched in place.
package gallery

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cam-agent/internal/platform/metrics"
	"cam-agent/internal/storage"
)

// Kinds of listed artifacts.
const (
	KindVideo = "video"
	KindImage = "image"
)

// Item is one artifact in the listing.
type Item struct {
	Name            string    `json:"name"`
	SizeBytes       int64     `json:"size_bytes"`
	ModifiedAt      time.Time `json:"modified_at"`
	Kind            string    `json:"kind"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	Thumb           string    `json:"thumb,omitempty"`
}

// Listing is a full gallery snapshot.
type Listing struct {
	Items       []Item    `json:"items"`
	UsedBytes   uint64    `json:"used_bytes"`
	TotalBytes  uint64    `json:"total_bytes"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Cache serves listings, rebuilding only when marked dirty.
type Cache struct {
	store *storage.MediaStore
	met   *metrics.Metrics
	log   *slog.Logger

	dirty atomic.Bool

	mu      sync.Mutex // serializes rebuilds, guards listing
	listing Listing
}

// NewCache returns a cache whose first read performs a rebuild.
func NewCache(store *storage.MediaStore, met *metrics.Metrics, log *slog.Logger) *Cache {
	c := &Cache{store: store, met: met, log: log}
	c.dirty.Store(true)
	return c
}

// MarkDirty flags the listing as stale. Callers mark unconditionally, even
// when the mutation that triggered the call failed.
func (c *Cache) MarkDirty() {
	c.dirty.Store(true)
}

// Dirty reports whether the next read will rebuild.
func (c *Cache) Dirty() bool {
	return c.dirty.Load()
}

// Listing returns the current gallery snapshot, rebuilding it first when the
// cache is dirty. When storage is unreadable it returns a well-formed empty
// listing and stays dirty, so the next read retries.
func (c *Cache) Listing() Listing {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty.Load() {
		return c.listing
	}
	// Clear before enumerating: a mutation landing mid-rebuild re-marks
	// the cache and the next read rebuilds again.
	c.dirty.Store(false)

	entries, err := c.store.List()
	if err != nil {
		c.dirty.Store(true)
		c.log.Warn("gallery rebuild failed", "error", err)
		c.listing = Listing{Items: []Item{}, GeneratedAt: time.Now()}
		return c.listing
	}

	thumbs := make(map[string]bool)
	for _, e := range entries {
		if storage.IsThumb(e.Name) {
			thumbs[e.Name] = true
		}
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		switch {
		case storage.IsThumb(e.Name) || storage.IsMeta(e.Name):
			// internal artifacts, never listed
		case storage.IsVideo(e.Name):
			it := Item{Name: e.Name, SizeBytes: e.Size, ModifiedAt: e.ModTime, Kind: KindVideo}
			if m, ok := c.store.ReadMeta(e.Name); ok {
				it.DurationSeconds = m.DurationSeconds
			}
			if tn := storage.ThumbName(e.Name); thumbs[tn] {
				it.Thumb = tn
			}
			items = append(items, it)
		case storage.IsStill(e.Name):
			items = append(items, Item{Name: e.Name, SizeBytes: e.Size, ModifiedAt: e.ModTime, Kind: KindImage})
		}
	}

	used, total := c.store.Usage()
	c.listing = Listing{Items: items, UsedBytes: used, TotalBytes: total, GeneratedAt: time.Now()}
	c.met.IncGalleryRebuilds()
	c.log.Debug("gallery rebuilt", "items", len(items))
	return c.listing
}
