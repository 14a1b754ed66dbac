package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"autocoder/internal/mocks"
	"autocoder/pkg/agent"
	"autocoder/pkg/config"
	"autocoder/pkg/exec"
	"autocoder/pkg/features"
	"autocoder/pkg/history"
	"autocoder/pkg/logx"
	"autocoder/pkg/preflight"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubInstaller struct {
	err error
}

func (s *stubInstaller) Command() string { return "claude" }

func (s *stubInstaller) EnsureClaudeCode(context.Context, bool) (string, error) {
	return "1.0.0 (Claude Code)", s.err
}

type testApp struct {
	*app
	dir    string
	agent  *mocks.ScriptedAgent
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// newTestApp builds an app around a scripted agent and a project directory
// whose loop has no cooldown.
func newTestApp(t *testing.T, stdin string, outcomes ...agent.Outcome) *testApp {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Dir(config.Path(dir)), 0755))
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(`{"loop": {"cooldown": "none"}}`), 0644))

	ta := &testApp{
		dir:    dir,
		agent:  mocks.NewScriptedAgent(outcomes...),
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	ta.app = newApp(strings.NewReader(stdin), ta.stdout, ta.stderr)
	ta.newAgent = func(*config.Config) agent.Port { return ta.agent }
	ta.newInstaller = func(*config.Config) preflight.AgentInstaller { return &stubInstaller{} }
	ta.isTerminal = func() bool { return false }
	return ta
}

func (ta *testApp) run(ctx context.Context, args ...string) int {
	return execute(ctx, append([]string{"--project-dir", ta.dir}, args...), ta.app)
}

func (ta *testApp) store() *features.Store {
	return features.NewStore(filepath.Join(ta.dir, features.DefaultFileName))
}

func (ta *testApp) writeAppSpec(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "spec.txt")
	require.NoError(t, os.WriteFile(src, []byte("A workout tracker"), 0644))
	return src
}

func (ta *testApp) historyEntries(t *testing.T) []history.Entry {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ta.dir, config.DefaultHistoryFile))
	require.NoError(t, err)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

func TestLoopRunsUntilAllFeaturesPass(t *testing.T) {
	ta := newTestApp(t, "")
	ta.agent.OnInvoke = func(call int, _, _ string) {
		if call == 1 {
			require.NoError(t, ta.store().Save(&features.Registry{Features: []features.Feature{
				{ID: "f1", Description: "Log a workout", Status: features.StatusPending},
				{ID: "f2", Description: "Rest timer", Status: features.StatusPending},
			}}))
			return
		}
		reg, _, err := ta.store().Load()
		require.NoError(t, err)
		next, ok := reg.NextPending()
		require.True(t, ok)
		_, err = ta.store().MarkComplete(next.ID)
		require.NoError(t, err)
	}

	code := ta.run(context.Background(), "--skip-preflight", "--app-spec", ta.writeAppSpec(t))

	assert.Equal(t, exitOK, code, ta.stderr.String())
	assert.Equal(t, 3, ta.agent.CallCount())
	assert.Contains(t, ta.stdout.String(), "ALL FEATURES COMPLETED! Total: 2 features")
	assert.Contains(t, ta.stdout.String(),
		"Log file: "+filepath.Join(ta.dir, config.DefaultLogDir, logx.LogFileName))
	assert.FileExists(t, filepath.Join(ta.dir, config.DefaultAppSpecFile))
	assert.FileExists(t, filepath.Join(ta.dir, config.DefaultLedgerFile))

	progress, err := os.ReadFile(filepath.Join(ta.dir, config.DefaultProgressLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(progress), "] All features completed")
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	ta := newTestApp(t, "")
	require.NoError(t, ta.store().Save(&features.Registry{Features: []features.Feature{
		{ID: "f1", Description: "never finished", Status: features.StatusPending},
	}}))

	code := ta.run(context.Background(), "--skip-preflight", "--max-iterations", "2")

	assert.Equal(t, exitOK, code)
	assert.Equal(t, 2, ta.agent.CallCount())
	assert.Contains(t, ta.stdout.String(), "Reached max iterations (2)")
}

func TestLoopToolMissingOnFirstSessionExitsOne(t *testing.T) {
	ta := newTestApp(t, "", agent.ToolNotFound(exec.ErrCommandNotFound))

	code := ta.run(context.Background(), "--skip-preflight", "--app-spec", ta.writeAppSpec(t))

	assert.Equal(t, exitFailure, code)
	assert.Equal(t, 1, ta.agent.CallCount())
	assert.Contains(t, ta.stderr.String(), "❌ Error:")
	assert.Contains(t, ta.stderr.String(), "npm install -g @anthropic-ai/claude-code")
}

func TestLoopCancelledContextPauses(t *testing.T) {
	ta := newTestApp(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := ta.run(ctx, "--skip-preflight", "--app-spec", ta.writeAppSpec(t))

	assert.Equal(t, exitInterrupted, code)
	assert.Zero(t, ta.agent.CallCount())
	assert.Contains(t, ta.stdout.String(), "Paused by user")
	assert.Empty(t, ta.stderr.String())
}

func TestLoopMissingAppSpecSourceFails(t *testing.T) {
	ta := newTestApp(t, "")

	code := ta.run(context.Background(), "--skip-preflight", "--app-spec", filepath.Join(ta.dir, "nope.txt"))

	assert.Equal(t, exitFailure, code)
	assert.Zero(t, ta.agent.CallCount())
	assert.Contains(t, ta.stderr.String(), "Check the path")
}

func TestLoopPreflightFailureStopsBeforeAgent(t *testing.T) {
	ta := newTestApp(t, "")
	ta.newInstaller = func(*config.Config) preflight.AgentInstaller {
		return &stubInstaller{err: exec.ErrCommandNotFound}
	}

	code := ta.run(context.Background(), "--app-spec", ta.writeAppSpec(t))

	assert.Equal(t, exitFailure, code)
	assert.Zero(t, ta.agent.CallCount())
	assert.Contains(t, ta.stderr.String(), "Preflight checks failed")
}

func TestLoopUnwritableProgressLogFails(t *testing.T) {
	ta := newTestApp(t, "")
	require.NoError(t, os.Mkdir(filepath.Join(ta.dir, config.DefaultProgressLogFile), 0755))

	code := ta.run(context.Background(), "--skip-preflight", "--app-spec", ta.writeAppSpec(t))

	assert.Equal(t, exitFailure, code)
	assert.Zero(t, ta.agent.CallCount())
	assert.Contains(t, ta.stderr.String(), "cannot open progress log")
}

func TestLoopRejectsPositionalArguments(t *testing.T) {
	ta := newTestApp(t, "")
	assert.Equal(t, exitFailure, ta.run(context.Background(), "stray"))
	assert.Zero(t, ta.agent.CallCount())
}

func TestFeaturePositionalDescription(t *testing.T) {
	ta := newTestApp(t, "")

	code := ta.run(context.Background(), "--skip-preflight", "feature", "Add", "a", "rest", "timer")

	assert.Equal(t, exitOK, code, ta.stderr.String())
	require.Equal(t, 1, ta.agent.CallCount())
	assert.Contains(t, ta.agent.Prompts()[0], "Add a rest timer")
	assert.Equal(t, ta.dir, ta.agent.Calls()[0].WorkDir)
	assert.Contains(t, ta.stdout.String(), "Feature implementation session complete!")

	entries := ta.historyEntries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, history.StatusStarted, entries[0].Status)
	assert.Equal(t, history.StatusCompleted, entries[1].Status)
	assert.Equal(t, "Add a rest timer", entries[1].Feature)
}

func TestFeaturePropagatesAgentExitCode(t *testing.T) {
	ta := newTestApp(t, "", agent.Failed(3, 0))

	code := ta.run(context.Background(), "--skip-preflight", "feature", "Export CSV")

	assert.Equal(t, 3, code)
	assert.Contains(t, ta.stdout.String(), "Session ended with exit code 3")
	entries := ta.historyEntries(t)
	assert.Equal(t, "failed (exit 3)", entries[len(entries)-1].Status)
}

func TestFeatureInterruptedExits130(t *testing.T) {
	ta := newTestApp(t, "", agent.Interrupted(0))

	code := ta.run(context.Background(), "--skip-preflight", "feature", "Export CSV")

	assert.Equal(t, exitInterrupted, code)
	entries := ta.historyEntries(t)
	assert.Equal(t, history.StatusInterrupted, entries[len(entries)-1].Status)
}

func TestFeatureToolMissingPrintsGuidance(t *testing.T) {
	ta := newTestApp(t, "", agent.ToolNotFound(nil))

	code := ta.run(context.Background(), "--skip-preflight", "feature", "Export CSV")

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, ta.stderr.String(), "npm install -g @anthropic-ai/claude-code")
	entries := ta.historyEntries(t)
	assert.Equal(t, "failed (exit 1)", entries[len(entries)-1].Status)
}

func TestFeatureFromSpecFile(t *testing.T) {
	ta := newTestApp(t, "")
	specPath := filepath.Join(t.TempDir(), "feature.md")
	require.NoError(t, os.WriteFile(specPath, []byte("---\ntitle: Rest timer\n---\nCount down between sets.\n"), 0644))

	code := ta.run(context.Background(), "--skip-preflight", "feature", "--spec", specPath, "ignored positional text")

	assert.Equal(t, exitOK, code, ta.stderr.String())
	prompt := ta.agent.Prompts()[0]
	assert.Contains(t, prompt, "# Rest timer\n\nCount down between sets.")
	assert.NotContains(t, prompt, "ignored positional text")
}

func TestFeatureMissingSpecFileExitsOne(t *testing.T) {
	ta := newTestApp(t, "")

	code := ta.run(context.Background(), "--skip-preflight", "feature", "--spec", filepath.Join(ta.dir, "missing.md"))

	assert.Equal(t, exitFailure, code)
	assert.Zero(t, ta.agent.CallCount())
	assert.Contains(t, ta.stderr.String(), "Check the path")
}

func TestFeatureInteractiveReadsUntilBlankLine(t *testing.T) {
	ta := newTestApp(t, "Add dark mode\nwith a toggle in settings\n\nnot part of it\n")

	code := ta.run(context.Background(), "--skip-preflight", "feature", "-i")

	assert.Equal(t, exitOK, code, ta.stderr.String())
	prompt := ta.agent.Prompts()[0]
	assert.Contains(t, prompt, "Add dark mode\nwith a toggle in settings")
	assert.NotContains(t, prompt, "not part of it")
	assert.NotContains(t, ta.stdout.String(), "Describe the feature", "no prompt text without a terminal")
}

func TestFeatureWithoutInputExitsOne(t *testing.T) {
	ta := newTestApp(t, "")

	code := ta.run(context.Background(), "--skip-preflight", "feature")

	assert.Equal(t, exitFailure, code)
	assert.Zero(t, ta.agent.CallCount())
	assert.Contains(t, ta.stderr.String(), "Provide a feature description")
}

func TestStatusReportsProgress(t *testing.T) {
	ta := newTestApp(t, "")
	ta.agent.OnInvoke = func(int, string, string) {
		_, err := ta.store().MarkComplete("f1")
		require.NoError(t, err)
	}
	require.NoError(t, ta.store().Save(&features.Registry{Features: []features.Feature{
		{ID: "f1", Description: "Log a workout", Status: features.StatusPending},
		{ID: "f2", Description: "Rest timer\nwith sound", Status: features.StatusPending},
	}}))
	require.Equal(t, exitOK, ta.run(context.Background(), "--skip-preflight", "--max-iterations", "1"))
	ta.stdout.Reset()

	code := ta.run(context.Background(), "status")

	require.Equal(t, exitOK, code, ta.stderr.String())
	out := ta.stdout.String()
	assert.Contains(t, out, "Features: 1/2 (50.0%), 1 pending")
	assert.Contains(t, out, "Next:     f2  Rest timer\n")
	assert.Contains(t, out, "max_iterations (loop")
	assert.Contains(t, out, "Recent sessions:")
	assert.Contains(t, out, "coding")
	assert.Contains(t, out, "Coding session 1 completed with exit code 0")
}

func TestStatusOnFreshProjectWritesNothing(t *testing.T) {
	ta := newTestApp(t, "")

	code := ta.run(context.Background(), "status")

	require.Equal(t, exitOK, code, ta.stderr.String())
	assert.Contains(t, ta.stdout.String(), "Features: not initialized")
	assert.NoFileExists(t, filepath.Join(ta.dir, config.DefaultLedgerFile))
	assert.NoFileExists(t, filepath.Join(ta.dir, config.DefaultProgressLogFile))
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, exitOK, exitCodeFor(nil))
	assert.Equal(t, exitFailure, exitCodeFor(assert.AnError))
	assert.Equal(t, 42, exitCodeFor(withCode(42, nil)))
	assert.Equal(t, exitInterrupted, exitCodeFor(withCode(exitInterrupted, assert.AnError)))
}
