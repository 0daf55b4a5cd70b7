package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RawLog appends raw stream lines to a text file.
type RawLog struct {
	mu sync.Mutex
	f  *os.File
}

// RawPaths returns the navigation and ranging raw log paths of a run started at
// start, under dir/nmea and dir/rng.
func RawPaths(dir, prefix string, start time.Time) (nav, rng string) {
	stamp := start.UTC().Format("2006-01-02_15-04")
	nav = filepath.Join(dir, "nmea", fmt.Sprintf("%s_%s_NMEA.txt", prefix, stamp))
	rng = filepath.Join(dir, "rng", fmt.Sprintf("%s_%s_RNG.txt", prefix, stamp))
	return nav, rng
}

// OpenRaw opens path for appending, creating parent directories.
func OpenRaw(path string) (*RawLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("obslog: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: %w", err)
	}
	return &RawLog{f: f}, nil
}

// WriteLine appends line and a newline.
func (l *RawLog) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("obslog: write %s: %w", l.f.Name(), err)
	}
	return nil
}

// Name returns the file path.
func (l *RawLog) Name() string { return l.f.Name() }

// Close closes the file.
func (l *RawLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
