// SPDX-License-Identifier: MIT

package decoder

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	// DefaultMaxLogSize is the default maximum log file size before rotation.
	DefaultMaxLogSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxLogFiles is the default number of rotated log files to keep.
	DefaultMaxLogFiles = 5
)

// RotatingWriter is an io.Writer that rotates log files when they
// exceed a size limit, used to capture a decoder subprocess's stderr
// without letting it grow unbounded over a 24/7 run.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// RotatingWriterOption is a functional option for configuring RotatingWriter.
type RotatingWriterOption func(*RotatingWriter)

// WithMaxSize sets the maximum log file size before rotation.
func WithMaxSize(size int64) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxSize = size }
}

// WithMaxFiles sets the maximum number of rotated files to keep.
func WithMaxFiles(count int) RotatingWriterOption {
	return func(w *RotatingWriter) { w.maxFiles = count }
}

// WithCompression enables gzip compression for rotated logs.
func WithCompression(compress bool) RotatingWriterOption {
	return func(w *RotatingWriter) { w.compress = compress }
}

// NewRotatingWriter creates a new rotating log writer, creating the
// parent directory and opening (or creating) the log file.
func NewRotatingWriter(path string, opts ...RotatingWriterOption) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxLogSize,
		maxFiles: DefaultMaxLogFiles,
	}
	for _, opt := range opts {
		opt(w)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer, rotating first if the write would exceed maxSize.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		_ = w.rotate() // best-effort: prefer writing over losing logs
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the underlying log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// Rotate forces a log rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotatedPath := w.rotatedPath(1)
	if err := os.Rename(w.path, rotatedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if w.compress {
		go w.compressFile(rotatedPath)
	}

	w.cleanup()
	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath := w.rotatedPath(i)
		newPath := w.rotatedPath(i + 1)
		if _, err := os.Stat(oldPath); err == nil {
			if err := os.Rename(oldPath, newPath); err != nil {
				return fmt.Errorf("failed to shift rotated log %q: %w", oldPath, err)
			}
			continue
		}
		gzOld := oldPath + ".gz"
		if _, err := os.Stat(gzOld); err == nil {
			if err := os.Rename(gzOld, newPath+".gz"); err != nil {
				return fmt.Errorf("failed to shift rotated log %q: %w", gzOld, err)
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *RotatingWriter) compressFile(path string) {
	src, err := os.Open(path) // #nosec G304 -- path is derived from our own configured log directory
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz") // #nosec G304
	if err != nil {
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		return
	}
	if err := gz.Close(); err != nil {
		return
	}
	_ = os.Remove(path)
}

func (w *RotatingWriter) cleanup() {
	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, base+".") {
			rotated = append(rotated, name)
		}
	}
	sort.Strings(rotated)

	for len(rotated) > w.maxFiles {
		_ = os.Remove(filepath.Join(dir, rotated[0]))
		rotated = rotated[1:]
	}
}

// LogWriter builds the canonical rotating, gzip-compressed stderr log
// for a named source's decoder subprocess.
func LogWriter(logDir, sourceName string, opts ...RotatingWriterOption) (io.WriteCloser, error) {
	safeName := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, sourceName)

	path := filepath.Join(logDir, fmt.Sprintf("decoder-%s.log", safeName))
	return NewRotatingWriter(path, opts...)
}
