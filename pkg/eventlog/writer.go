// Package eventlog provides the append-only progress log that records
// orchestration milestones as "[timestamp] message" lines.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultFileName is the progress log name inside the project directory.
const DefaultFileName = "claude-progress.txt"

// TimestampLayout is the layout of the bracketed timestamp on each line.
const TimestampLayout = "2006-01-02 15:04:05"

// Writer appends timestamped lines to the progress log. The file is opened in
// append mode and synced after every line; existing content is never rewritten.
type Writer struct {
	path string
	file *os.File
	now  func() time.Time
	mu   sync.Mutex
}

// NewWriter opens (creating if needed) the progress log at path.
func NewWriter(path string) (*Writer, error) {
	return newWriter(path, time.Now)
}

func newWriter(path string, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress log %s: %w", path, err)
	}
	return &Writer{path: path, file: file, now: now}, nil
}

// Log appends one line containing message.
func (w *Writer) Log(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("progress log %s is closed", w.path)
	}

	line := fmt.Sprintf("[%s] %s\n", w.now().Format(TimestampLayout), message)
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write progress log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync progress log: %w", err)
	}
	return nil
}

// Logf formats and appends one line.
func (w *Writer) Logf(format string, args ...any) error {
	return w.Log(fmt.Sprintf(format, args...))
}

// Path returns the progress log path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the underlying file. Logging after Close returns an error.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close progress log: %w", err)
	}
	return nil
}

// Tail returns up to n of the last lines of the log at path, for display.
// A missing file yields no lines.
func Tail(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open progress log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if n <= 0 {
		return nil, nil
	}

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read progress log: %w", err)
	}
	return ring, nil
}
