// Package logx provides leveled component logging with context-aware debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogFileName is the name of the log file created by InitializeLogFile.
const LogFileName = "autocoder.log"

const timestampLayout = "2006-01-02T15:04:05.000Z"

type Logger struct {
	component string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which domains to enable debug for (nil = all)
}

// componentKey is the context key carrying the component name for Debug.
type componentKey struct{}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	// logWriter overrides stderr when non-nil (log file, tee, tests).
	logWriter     io.Writer
	logFile       *os.File
	logWriterLock sync.Mutex
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv initializes debug configuration from environment variables.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	// DEBUG=1 or DEBUG=true
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=orch,claude,features
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, domain := range domains {
		if d := strings.TrimSpace(domain); d != "" {
			out[d] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetDebugConfig enables or disables debug logging globally.
func SetDebugConfig(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains configures which domains should have debug logging enabled.
// An empty list enables all domains.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// InitializeLogFile routes all log output to <logDir>/autocoder.log.
// With tee set, lines are also written to stderr.
func InitializeLogFile(logDir string, tee bool) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	path := filepath.Join(logDir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	if tee {
		logWriter = io.MultiWriter(f, os.Stderr)
	} else {
		logWriter = f
	}
	return nil
}

// CloseLogFile closes the log file opened by InitializeLogFile and restores stderr output.
func CloseLogFile() error {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	logWriter = nil
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// LogFilePath returns the path of the active log file, or "" when logging to stderr.
func LogFilePath() string {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

func writeLine(component string, level Level, message string) {
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", time.Now().UTC().Format(timestampLayout), component, level, message)

	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	var w io.Writer = os.Stderr
	if logWriter != nil {
		w = logWriter
	}
	_, _ = io.WriteString(w, line)
}

func (l *Logger) log(level Level, format string, args ...any) {
	writeLine(l.component, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// DebugState logs state transition information.
func (l *Logger) DebugState(action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	l.Debug("State %s: %s%s", action, state, extraInfo)
}

// WithComponent returns a context carrying the component name used by Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "orch", "Derived state: %s", state)
//
// Environment variable control:
//
//	DEBUG=1                        # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=orch     # Enable debug only for the orch domain
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	component := "unknown"
	if ctx != nil {
		if c, ok := ctx.Value(componentKey{}).(string); ok && c != "" {
			component = c
		}
	}
	writeLine(component, LevelDebug, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

var defaultLogger = NewLogger("system")

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
