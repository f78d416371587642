// Package storage persists media artifacts in a single flat directory:
// recordings, stills, recording thumbnails, and duration sidecars. Artifact
// names never contain path separators; everything that reaches the filesystem
// goes through validName first.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	recPrefix   = "rec_"
	stillPrefix = "img_"
	thumbPrefix = "thumb_"
	metaSuffix  = ".meta"
	videoExt    = ".mjpg"
	stillExt    = ".jpg"
	nameStamp   = "20060102_150405"
)

var (
	// ErrBadName is returned for names that could escape the media directory.
	ErrBadName = errors.New("storage: invalid artifact name")
	// ErrNotFound is returned when the named artifact does not exist.
	ErrNotFound = errors.New("storage: artifact not found")
)

// Meta is the sidecar persisted next to a finished recording.
type Meta struct {
	DurationSeconds int       `json:"duration_seconds"`
	Frames          int64     `json:"frames"`
	FPS             int       `json:"fps"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Entry is one file in the media directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// MediaStore reads and writes artifacts under one directory.
type MediaStore struct {
	dir string
	log *slog.Logger
}

// NewMediaStore ensures dir exists and returns a store rooted there.
func NewMediaStore(dir string, log *slog.Logger) (*MediaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &MediaStore{dir: dir, log: log}, nil
}

// Dir returns the media directory path.
func (s *MediaStore) Dir() string {
	return s.dir
}

// CreateRecording opens a new recording file named after t. Names are taken
// with O_EXCL, so a second recording in the same second gets a counter suffix
// instead of truncating the first.
func (s *MediaStore) CreateRecording(t time.Time) (string, *os.File, error) {
	return s.createExclusive(recPrefix, t, videoExt)
}

// SaveStill persists one captured frame and returns the artifact name.
func (s *MediaStore) SaveStill(t time.Time, data []byte) (string, error) {
	name, f, err := s.createExclusive(stillPrefix, t, stillExt)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return name, fmt.Errorf("write still %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return name, fmt.Errorf("close still %s: %w", name, err)
	}
	return name, nil
}

// SaveThumb persists the thumbnail for a recording.
func (s *MediaStore) SaveThumb(recName string, data []byte) error {
	if !validName(recName) {
		return ErrBadName
	}
	if err := os.WriteFile(filepath.Join(s.dir, ThumbName(recName)), data, 0o644); err != nil {
		return fmt.Errorf("write thumbnail for %s: %w", recName, err)
	}
	return nil
}

// WriteMeta persists the duration sidecar for an artifact.
func (s *MediaStore) WriteMeta(name string, m Meta) error {
	if !validName(name) {
		return ErrBadName
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meta for %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name+metaSuffix), data, 0o644); err != nil {
		return fmt.Errorf("write meta for %s: %w", name, err)
	}
	return nil
}

// ReadMeta loads the sidecar for an artifact, reporting whether one exists.
func (s *MediaStore) ReadMeta(name string) (Meta, bool) {
	if !validName(name) {
		return Meta{}, false
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name+metaSuffix))
	if err != nil {
		return Meta{}, false
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Warn("corrupt meta sidecar", "name", name, "error", err)
		return Meta{}, false
	}
	return m, true
}

// List returns every regular file in the media directory, newest first.
func (s *MediaStore) List() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list media dir: %w", err)
	}
	out := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Open returns a reader and file info for one artifact.
func (s *MediaStore) Open(name string) (*os.File, os.FileInfo, error) {
	if !validName(name) {
		return nil, nil, ErrBadName
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", name, err)
	}
	return f, info, nil
}

// Delete removes one artifact. For recordings the thumbnail and sidecar go
// with it, best effort.
func (s *MediaStore) Delete(name string) error {
	if !validName(name) {
		return ErrBadName
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	if IsVideo(name) {
		_ = os.Remove(filepath.Join(s.dir, ThumbName(name)))
		_ = os.Remove(filepath.Join(s.dir, name+metaSuffix))
	}
	return nil
}

// DeleteAll removes every media artifact, thumbnail, and sidecar, leaving
// foreign files alone. It returns how many media artifacts were removed.
func (s *MediaStore) DeleteAll() (int, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list media dir: %w", err)
	}
	removed := 0
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !IsVideo(name) && !IsStill(name) && !IsThumb(name) && !IsMeta(name) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.log.Warn("delete failed", "name", name, "error", err)
			continue
		}
		if IsVideo(name) || IsStill(name) {
			removed++
		}
	}
	return removed, nil
}

// Usage reports used and total bytes on the filesystem holding the media
// directory. Both are zero when the figure is unavailable.
func (s *MediaStore) Usage() (used, total uint64) {
	du, err := disk.Usage(s.dir)
	if err != nil {
		s.log.Debug("disk usage unavailable", "error", err)
		return 0, 0
	}
	return du.Used, du.Total
}

// ThumbName derives the thumbnail artifact name for a recording.
func ThumbName(recName string) string {
	base := strings.TrimSuffix(recName, filepath.Ext(recName))
	return thumbPrefix + base + stillExt
}

// IsVideo reports whether name is a recording artifact.
func IsVideo(name string) bool {
	return strings.HasSuffix(name, videoExt)
}

// IsStill reports whether name is a captured still (thumbnails excluded).
func IsStill(name string) bool {
	if IsThumb(name) {
		return false
	}
	return strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg")
}

// IsThumb reports whether name is a recording thumbnail.
func IsThumb(name string) bool {
	return strings.HasPrefix(name, thumbPrefix)
}

// IsMeta reports whether name is a duration sidecar.
func IsMeta(name string) bool {
	return strings.HasSuffix(name, metaSuffix)
}

// createExclusive opens a fresh artifact file, appending a counter suffix on
// same-second collisions.
func (s *MediaStore) createExclusive(prefix string, t time.Time, ext string) (string, *os.File, error) {
	stamp := t.Format(nameStamp)
	for i := 0; ; i++ {
		name := prefix + stamp + ext
		if i > 0 {
			name = fmt.Sprintf("%s%s_%d%s", prefix, stamp, i+1, ext)
		}
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return name, f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, fmt.Errorf("create %s: %w", name, err)
		}
	}
}

// validName rejects anything that could escape the media directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
