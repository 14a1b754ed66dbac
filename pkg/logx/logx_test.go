package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestLogger redirects log output into a buffer for the duration of the test.
func setupTestLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()

	t.Cleanup(func() {
		logWriterLock.Lock()
		logWriter = nil
		logWriterLock.Unlock()
		SetDebugConfig(false)
		SetDebugDomains(nil)
	})
	return &buf
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger(t)

	NewLogger("orch").Info("Test message with %s", "formatting")

	output := buf.String()
	assert.Contains(t, output, "[orch]")
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "Test message with formatting")
	assert.True(t, strings.HasPrefix(output, "["), "expected timestamp prefix, got %q", output)
	assert.Contains(t, output, "Z]")
}

func TestWarnfUsesSystemComponent(t *testing.T) {
	buf := setupTestLogger(t)

	Warnf("metrics endpoint stopped on %s", ":9090")

	assert.Contains(t, buf.String(), "[system] WARN: metrics endpoint stopped on :9090")
}

func TestLogLevels(t *testing.T) {
	buf := setupTestLogger(t)
	SetDebugConfig(true)

	logger := NewLogger("levels")
	tests := []struct {
		logFunc  func(string, ...any)
		expected Level
	}{
		{logger.Debug, LevelDebug},
		{logger.Info, LevelInfo},
		{logger.Warn, LevelWarn},
		{logger.Error, LevelError},
	}

	for _, tt := range tests {
		buf.Reset()
		tt.logFunc("message")
		assert.Contains(t, buf.String(), string(tt.expected)+": message")
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	buf := setupTestLogger(t)
	SetDebugConfig(false)

	NewLogger("quiet").Debug("should not appear")
	Debug(context.Background(), "quiet", "nor this")

	assert.Empty(t, buf.String())
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := setupTestLogger(t)
	SetDebugConfig(true)
	SetDebugDomains([]string{"orch", " claude "})

	ctx := WithComponent(context.Background(), "runner")
	Debug(ctx, "orch", "orch message")
	Debug(ctx, "claude", "claude message")
	Debug(ctx, "features", "features message")

	output := buf.String()
	assert.Contains(t, output, "[runner] DEBUG: [orch] orch message")
	assert.Contains(t, output, "[claude] claude message")
	assert.NotContains(t, output, "features message")

	assert.True(t, IsDebugEnabledForDomain("orch"))
	assert.False(t, IsDebugEnabledForDomain("features"))
}

func TestDebugWithoutComponent(t *testing.T) {
	buf := setupTestLogger(t)
	SetDebugConfig(true)

	Debug(context.Background(), "orch", "no component")
	assert.Contains(t, buf.String(), "[unknown]")
}

func TestInitializeLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, InitializeLogFile(dir, false))
	t.Cleanup(func() { _ = CloseLogFile() })

	assert.Equal(t, filepath.Join(dir, LogFileName), LogFilePath())

	NewLogger("file").Warn("written to file")
	require.NoError(t, CloseLogFile())
	assert.Empty(t, LogFilePath())

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[file] WARN: written to file")
}

func TestCloseLogFileWithoutInit(t *testing.T) {
	assert.NoError(t, CloseLogFile())
}

func TestWrapAndErrorf(t *testing.T) {
	buf := setupTestLogger(t)

	assert.NoError(t, Wrap(nil, "nothing"))

	base := errors.New("boom")
	err := Wrap(base, "db connect")
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "db connect: boom", err.Error())

	err = Errorf("setup failed: %w", base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, buf.String(), "ERROR: setup failed: boom")
}
