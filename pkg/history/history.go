// Package history keeps the bounded log of single-feature requests and how
// each one ended. The file is a JSON array of the most recent entries.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"autocoder/pkg/features"
	"autocoder/pkg/logx"
	"autocoder/pkg/utils"
)

const (
	// DefaultFileName is the history file name inside the project directory.
	DefaultFileName = ".feature-history.json"
	// DefaultLimit is the number of entries kept.
	DefaultLimit = 50
	// MaxFeatureLength is the number of characters of feature text kept per entry.
	MaxFeatureLength = 200
)

// Entry statuses written by the feature runner.
const (
	StatusStarted     = "started"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// FailedStatus returns the status recorded when the agent exits with code.
func FailedStatus(code int) string {
	return fmt.Sprintf("failed (exit %d)", code)
}

// Entry is one history record.
type Entry struct {
	Timestamp features.Timestamp `json:"timestamp"`
	Feature   string             `json:"feature"`
	Status    string             `json:"status"`
}

// AppendResult describes the effect of an Append.
type AppendResult struct {
	// Dropped is the number of old entries discarded to stay within the limit.
	Dropped int
	// Reset is true when an unreadable history file was replaced.
	Reset bool
}

// Log is a feature history file bounded to Limit entries.
type Log struct {
	path   string
	limit  int
	now    func() time.Time
	logger *logx.Logger
	mu     sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithLimit sets the number of entries kept. Non-positive values keep the default.
func WithLimit(limit int) Option {
	return func(l *Log) {
		if limit > 0 {
			l.limit = limit
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a history log at path.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path:   path,
		limit:  DefaultLimit,
		now:    time.Now,
		logger: logx.NewLogger("history"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the history file path.
func (l *Log) Path() string {
	return l.path
}

// Limit returns the number of entries kept.
func (l *Log) Limit() int {
	return l.limit
}

// Load returns the stored entries, oldest first. A missing file is an empty
// history. A file that cannot be parsed is also treated as empty, and reset
// reports that case so callers can tell it apart from a fresh project.
func (l *Log) Load() (entries []Entry, reset bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Log) load() ([]Entry, bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read feature history %s: %w", l.path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("Feature history %s is unreadable, starting a new history: %v", l.path, err)
		return nil, true, nil
	}
	return entries, false, nil
}

// Append records an entry, keeping only the newest Limit entries.
func (l *Log) Append(feature, status string) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, reset, err := l.load()
	if err != nil {
		return AppendResult{}, err
	}

	entries = append(entries, Entry{
		Timestamp: features.NewTimestamp(l.now()),
		Feature:   Truncate(feature, MaxFeatureLength),
		Status:    status,
	})

	result := AppendResult{Reset: reset}
	if excess := len(entries) - l.limit; excess > 0 {
		result.Dropped = excess
		entries = entries[excess:]
		l.logger.Debug("Dropped %d old history entries", excess)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return result, fmt.Errorf("failed to encode feature history: %w", err)
	}
	if err := utils.WriteFileAtomic(l.path, data, 0644); err != nil {
		return result, fmt.Errorf("failed to write feature history: %w", err)
	}
	return result, nil
}

// Truncate shortens s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
