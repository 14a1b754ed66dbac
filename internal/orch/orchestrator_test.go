package orch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/internal/mocks"
	"autocoder/pkg/agent"
	"autocoder/pkg/features"
	"autocoder/pkg/persistence"
	"autocoder/pkg/templates"
)

type memoryEvents struct {
	mu    sync.Mutex
	lines []string
}

func (m *memoryEvents) Log(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, message)
	return nil
}

func (m *memoryEvents) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

type harness struct {
	dir    string
	store  *features.Store
	events *memoryEvents
	agent  *mocks.ScriptedAgent
}

func newHarness(t *testing.T, outcomes ...agent.Outcome) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app_spec.txt"), []byte("A habit tracker"), 0644))
	return &harness{
		dir:    dir,
		store:  features.NewStore(filepath.Join(dir, features.DefaultFileName)),
		events: &memoryEvents{},
		agent:  mocks.NewScriptedAgent(outcomes...),
	}
}

func (h *harness) options(maxIterations int) Options {
	return Options{
		ProjectDir:    h.dir,
		MaxIterations: maxIterations,
		Store:         h.store,
		Composer:      templates.NewComposer(templates.Options{Dirs: []string{h.dir}}),
		Agent:         h.agent,
		AppSpecPath:   filepath.Join(h.dir, "app_spec.txt"),
		Events:        h.events,
		Cooldown:      NoCooldown{},
	}
}

func (h *harness) run(t *testing.T, ctx context.Context, maxIterations int) (*Result, error) {
	t.Helper()
	o, err := New(h.options(maxIterations))
	require.NoError(t, err)
	return o.Run(ctx)
}

func (h *harness) seed(t *testing.T, statuses ...features.Status) {
	t.Helper()
	reg := &features.Registry{Features: []features.Feature{}}
	for i, st := range statuses {
		id := "feat-" + string(rune('a'+i))
		reg.Features = append(reg.Features, features.Feature{ID: id, Description: "Feature " + id, Status: st})
	}
	require.NoError(t, h.store.Save(reg))
}

// completeNext plays an agent that implements the next pending feature.
func (h *harness) completeNext(t *testing.T) func(int, string, string) {
	return func(int, string, string) {
		reg, found, err := h.store.Load()
		require.NoError(t, err)
		require.True(t, found)
		next, ok := reg.NextPending()
		require.True(t, ok)
		_, err = h.store.MarkComplete(next.ID)
		require.NoError(t, err)
	}
}

func TestRunInitializesUninitializedProject(t *testing.T) {
	h := newHarness(t)
	h.agent.OnInvoke = func(int, string, string) {
		h.seed(t, features.StatusPassing)
	}

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Sessions)
	assert.Equal(t, 0, res.CodingSessions)

	prompts := h.agent.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "A habit tracker")
	assert.Contains(t, prompts[0], h.dir)

	assert.Equal(t, []string{
		"Run started (max iterations: unlimited)",
		"Starting initializer agent",
		"Initializer agent completed with exit code 0",
		"All features completed",
	}, h.events.Lines())
}

func TestRunEmptyRegistryCompletesWithoutSessions(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, features.Summary{}, res.Summary)
	assert.Zero(t, h.agent.CallCount())
}

func TestRunCodesPendingFeaturesInOrder(t *testing.T) {
	h := newHarness(t)
	h.seed(t, features.StatusPassing, features.StatusPending, features.StatusPending)
	h.agent.OnInvoke = h.completeNext(t)

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 2, res.CodingSessions)
	assert.Equal(t, 3, res.Summary.Completed)

	prompts := h.agent.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "CODING SESSION 1")
	assert.Contains(t, prompts[0], "1 of 3 features passing (33.3%), 2 pending")
	assert.Contains(t, prompts[0], `"id": "feat-b"`)
	assert.Contains(t, prompts[1], "2 of 3 features passing (66.7%), 1 pending")

	lines := h.events.Lines()
	assert.Contains(t, lines, "Starting coding session - Feature: feat-b")
	assert.Contains(t, lines, "Coding session 1 completed with exit code 0")
	assert.Contains(t, lines, "Starting coding session - Feature: feat-c")
	assert.Contains(t, lines, "Coding session 2 completed with exit code 0")
	assert.Equal(t, "All features completed", lines[len(lines)-1])
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	h := newHarness(t)
	h.seed(t, features.StatusPending)

	res, err := h.run(t, context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, ReasonMaxIterations, res.Reason)
	assert.Equal(t, 2, h.agent.CallCount())
	assert.Equal(t, "Reached max iterations (2)", h.events.Lines()[len(h.events.Lines())-1])
	assert.Equal(t, "Run started (max iterations: 2)", h.events.Lines()[0])
}

func TestRunCompletionWinsOverIterationCap(t *testing.T) {
	h := newHarness(t)
	h.seed(t, features.StatusPending)
	h.agent.OnInvoke = h.completeNext(t)

	res, err := h.run(t, context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
}

func TestRunRetriesFailedSessions(t *testing.T) {
	h := newHarness(t, agent.Failed(2, time.Second), agent.Failed(1, time.Second))
	h.seed(t, features.StatusPending)
	h.agent.OnInvoke = func(call int, p, w string) {
		if call == 3 {
			h.completeNext(t)(call, p, w)
		}
	}

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 3, res.Sessions)
	assert.Contains(t, h.events.Lines(), "Coding session 1 completed with exit code 2")

	prompts := h.agent.Prompts()
	assert.Contains(t, prompts[2], `"id": "feat-a"`, "failed feature is retried")
}

func TestRunRetriesFailedInitializer(t *testing.T) {
	h := newHarness(t, agent.Failed(1, 0))
	h.agent.OnInvoke = func(call int, _, _ string) {
		if call == 2 {
			h.seed(t, features.StatusPassing)
		}
	}

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)

	prompts := h.agent.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "A habit tracker", "initializer path is taken again while the registry is absent")
}

func TestRunAbortsWhenToolMissingOnFirstInvocation(t *testing.T) {
	h := newHarness(t, agent.ToolNotFound(nil))
	h.seed(t, features.StatusPending)

	_, err := h.run(t, context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrToolNotFound)
	assert.Equal(t, 1, h.agent.CallCount())
	assert.Contains(t, h.events.Lines()[len(h.events.Lines())-1], "Agent CLI not found")
}

func TestRunContinuesWhenToolDisappearsLater(t *testing.T) {
	h := newHarness(t, agent.Succeeded(0), agent.ToolNotFound(nil))
	h.seed(t, features.StatusPending)
	h.agent.OnInvoke = func(call int, p, w string) {
		if call == 3 {
			h.completeNext(t)(call, p, w)
		}
	}

	res, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 3, h.agent.CallCount())
}

func TestRunCorruptRegistryAborts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("{oops"), 0644))

	_, err := h.run(t, context.Background(), 0)
	assert.ErrorIs(t, err, features.ErrRegistryCorrupt)
	assert.Zero(t, h.agent.CallCount())
}

func TestRunMissingAppSpecAborts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(filepath.Join(h.dir, "app_spec.txt")))

	_, err := h.run(t, context.Background(), 0)
	assert.ErrorIs(t, err, templates.ErrTemplateNotFound)
	assert.Zero(t, h.agent.CallCount())
}

func TestRunPausesOnInterruptAndResumes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, features.StatusPassing, features.StatusPending, features.StatusPending)
	h.agent.BlockUntilCanceled = true
	h.agent.Started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = h.run(t, ctx, 0)
	}()

	<-h.agent.Started
	cancel()
	<-done

	require.NoError(t, err)
	assert.Equal(t, ReasonPaused, res.Reason)
	assert.Equal(t, StatePaused, res.State)

	lines := h.events.Lines()
	assert.Equal(t, "Coding session 1 completed with exit code 130", lines[len(lines)-2])
	assert.Equal(t, "Session paused at iteration 1", lines[len(lines)-1])

	// A fresh run picks up the same feature from disk.
	resumed := mocks.NewScriptedAgent()
	resumed.OnInvoke = h.completeNext(t)
	opts := h.options(0)
	opts.Agent = resumed
	o, err := New(opts)
	require.NoError(t, err)

	res, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	require.NotEmpty(t, resumed.Prompts())
	assert.Contains(t, resumed.Prompts()[0], `"id": "feat-b"`)
}

// cancelingCooldown cancels the run while the loop is about to wait.
type cancelingCooldown struct {
	cancel context.CancelFunc
}

func (c cancelingCooldown) Delay(int, agent.Outcome) time.Duration {
	c.cancel()
	return time.Hour
}

func TestRunCooldownIsCancellable(t *testing.T) {
	h := newHarness(t)
	h.seed(t, features.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := h.options(0)
	opts.Cooldown = cancelingCooldown{cancel: cancel}
	o, err := New(opts)
	require.NoError(t, err)

	start := time.Now()
	res, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, ReasonPaused, res.Reason)
	assert.Equal(t, 1, h.agent.CallCount())
}

func TestRunAlreadyCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.run(t, ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ReasonPaused, res.Reason)
	assert.Zero(t, h.agent.CallCount())
	assert.Contains(t, h.events.Lines(), "Session paused at iteration 0")
}

func TestRunRecordsLedger(t *testing.T) {
	ledger, err := persistence.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = ledger.Close() }()

	h := newHarness(t, agent.Failed(1, time.Second))
	h.seed(t, features.StatusPending)
	h.agent.OnInvoke = func(call int, p, w string) {
		if call == 2 {
			h.completeNext(t)(call, p, w)
		}
	}

	opts := h.options(0)
	opts.Ledger = ledger
	o, err := New(opts)
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	run, err := ledger.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.RunID, run.ID)
	assert.Equal(t, persistence.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.EndedAt)

	sessions, err := ledger.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "feat-a", s.FeatureID)
		assert.Equal(t, persistence.SessionKindCoding, s.Kind)
		assert.Positive(t, s.PromptTokens)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t)
	opts := h.options(-1)
	_, err = New(opts)
	assert.Error(t, err)
}

func TestPromptsNeverContainUnrenderedKnownPlaceholders(t *testing.T) {
	h := newHarness(t)
	h.seed(t, features.StatusPending)
	h.agent.OnInvoke = h.completeNext(t)

	_, err := h.run(t, context.Background(), 0)
	require.NoError(t, err)
	for _, p := range h.agent.Prompts() {
		for _, name := range []string{"{project_dir}", "{next_feature}", "{feature_list}", "{session_number}"} {
			assert.False(t, strings.Contains(p, name), name)
		}
	}
}
