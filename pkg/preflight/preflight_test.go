package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/exec"
)

type stubInstaller struct {
	version     string
	err         error
	autoInstall bool
}

func (s *stubInstaller) Command() string { return "claude" }

func (s *stubInstaller) EnsureClaudeCode(_ context.Context, autoInstall bool) (string, error) {
	s.autoInstall = autoInstall
	return s.version, s.err
}

func TestRunAllPassing(t *testing.T) {
	agent := &stubInstaller{version: "1.0.3"}
	results := Run(context.Background(), Options{Agent: agent, AutoInstall: true, ProjectDir: t.TempDir()})

	assert.True(t, results.Passed)
	require.Len(t, results.Checks, 2)
	assert.Equal(t, CheckAgentCLI, results.Checks[0].Check)
	assert.Contains(t, results.Checks[0].Message, "1.0.3")
	assert.Equal(t, CheckWorkspace, results.Checks[1].Check)
	assert.True(t, agent.autoInstall)
	assert.Equal(t, "All 2 preflight checks passed", results.Summary)
}

func TestRunCreatesMissingWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "new", "project")
	results := Run(context.Background(), Options{ProjectDir: dir})

	assert.True(t, results.Passed)
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file must be removed")
}

func TestRunMissingAgent(t *testing.T) {
	agent := &stubInstaller{err: exec.ErrCommandNotFound}
	results := Run(context.Background(), Options{Agent: agent, ProjectDir: t.TempDir()})

	assert.False(t, results.Passed)
	assert.Equal(t, "1 of 2 preflight checks failed", results.Summary)
	assert.False(t, results.Checks[0].Passed)
	assert.True(t, results.Checks[1].Passed)

	out := FormatResults(results)
	assert.Contains(t, out, "npm install -g @anthropic-ai/claude-code")
	assert.Contains(t, out, "[PASS] workspace")
}

func TestRunReadOnlyWorkspace(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0755) })

	results := Run(context.Background(), Options{ProjectDir: dir})
	assert.False(t, results.Passed)
	assert.Contains(t, results.Checks[0].Message, "not writable")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(context.Background(), Options{Agent: &stubInstaller{version: "x"}}))

	err := Validate(context.Background(), Options{Agent: &stubInstaller{err: exec.ErrCommandNotFound}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrCommandNotFound))
	assert.Contains(t, err.Error(), "agent-cli")

	var pfErr *Error
	require.ErrorAs(t, err, &pfErr)
	assert.Contains(t, pfErr.Details, "claude")
}

func TestRunNothingSelected(t *testing.T) {
	results := Run(context.Background(), Options{})
	assert.True(t, results.Passed)
	assert.Empty(t, results.Checks)
}
