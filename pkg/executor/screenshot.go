package executor

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// screenshotSaver writes frames of failed detections as PNG files.
type screenshotSaver struct {
	dir string
	seq atomic.Int64
}

func newScreenshotSaver(dir string) *screenshotSaver {
	return &screenshotSaver{dir: dir}
}

// Save writes frame to <dir>/<device>/<class>_<timestamp>_<seq>.png and returns the path.
func (s *screenshotSaver) Save(deviceID, class string, frame image.Image) (string, error) {
	dir := filepath.Join(s.dir, sanitize(deviceID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%03d.png", sanitize(class), time.Now().Format("20060102_150405"), s.seq.Add(1))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create screenshot: %w", err)
	}
	if err := png.Encode(f, frame); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode screenshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func sanitize(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
