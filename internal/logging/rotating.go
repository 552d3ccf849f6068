// Package logging provides the daemon's rotating log file writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Rotating writes to date-stamped files that roll over on a new UTC day or
// when the current file would exceed MaxBytes.
//
// Given basePath logs/streamflow.log, output files are named
// logs/streamflow-2026-08-27.log, logs/streamflow-2026-08-27-2.log, ...
type Rotating struct {
	basePath string
	maxBytes int64

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotating creates the writer and opens the first file. basePath "-"
// discards all output.
func NewRotating(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopCloser{io.Discard}, nil
	}
	r := &Rotating{basePath: basePath, maxBytes: maxBytes}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rotate(0); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotating) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close closes the current file.
func (r *Rotating) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// rotate opens a new file when the UTC day changed or the incoming write
// would push the current file past maxBytes.
func (r *Rotating) rotate(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case r.file == nil || r.day != today:
		r.day = today
		r.index = 1
	case r.maxBytes > 0 && r.size+incoming > r.maxBytes:
		r.index++
	default:
		return nil
	}
	return r.open()
}

func (r *Rotating) open() error {
	if r.file != nil {
		_ = r.file.Close()
	}
	dir, name := filepath.Split(r.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	filename := fmt.Sprintf("%s-%s%s", base, r.day, ext)
	if r.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, r.day, r.index, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	r.file = f
	r.size = size
	return nil
}

type nopCloser struct{ w io.Writer }

func (n nopCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopCloser) Close() error                { return nil }
