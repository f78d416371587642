package gesture

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Source yields one raw sensor reading per call.
type Source interface {
	Read() (int, error)
}

// FileSource reads the raw value from a sysfs or IIO attribute file, one
// integer per read.
type FileSource struct {
	Path string
}

func (f FileSource) Read() (int, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, fmt.Errorf("read touch sensor: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse touch sensor reading: %w", err)
	}
	return v, nil
}
