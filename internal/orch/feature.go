package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/agent"
	"autocoder/pkg/history"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/persistence"
	"autocoder/pkg/specs"
	"autocoder/pkg/templates"
	"autocoder/pkg/utils"
)

// FeatureOptions configures a FeatureRunner. Composer and Agent are required.
type FeatureOptions struct {
	ProjectDir string
	Composer   *templates.Composer
	Agent      agent.Port
	// History records each request; nil disables it.
	History  *history.Log
	Ledger   Ledger
	Recorder metrics.Recorder
	Tokens   *utils.TokenCounter
	Logger   *logx.Logger
	Clock    func() time.Time
}

// FeatureRunner runs one agent session for a free-form feature description.
type FeatureRunner struct {
	projectDir string
	composer   *templates.Composer
	history    *history.Log
	session    *sessionRunner
	logger     *logx.Logger
}

// FeatureResult is the outcome of a feature session.
type FeatureResult struct {
	RunID   string
	Outcome agent.Outcome
	// Status is the history status recorded for the session.
	Status string
}

// NewFeatureRunner creates a FeatureRunner.
func NewFeatureRunner(opts FeatureOptions) (*FeatureRunner, error) {
	if opts.Composer == nil || opts.Agent == nil {
		return nil, errors.New("feature runner requires a prompt composer and agent")
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("feature")
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NopRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &FeatureRunner{
		projectDir: opts.ProjectDir,
		composer:   opts.Composer,
		history:    opts.History,
		logger:     opts.Logger,
		session: &sessionRunner{
			agent:      opts.Agent,
			projectDir: opts.ProjectDir,
			ledger:     opts.Ledger,
			recorder:   opts.Recorder,
			tokens:     opts.Tokens,
			logger:     opts.Logger,
			now:        opts.Clock,
		},
	}, nil
}

// Run renders the feature prompt, records the request as started, invokes
// the agent once, and records how the session ended. Agent failures are
// reported in the result, not as errors.
func (r *FeatureRunner) Run(ctx context.Context, description string) (*FeatureResult, error) {
	if strings.TrimSpace(description) == "" {
		return nil, specs.ErrEmptyFeature
	}

	prompt, err := r.composer.Compose(templates.FeaturePrompt, templates.Vars{
		"feature_description": description,
		"project_dir":         r.projectDir,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot render feature prompt: %w", err)
	}

	res := &FeatureResult{RunID: uuid.NewString()}
	r.record(description, history.StatusStarted)

	r.session.startRun(ctx, persistence.Run{
		ID:        res.RunID,
		StartedAt: r.session.now(),
		Status:    persistence.RunStatusActive,
		Mode:      persistence.ModeFeature,
	})

	res.Outcome = r.session.run(ctx, sessionRequest{
		runID:  res.RunID,
		kind:   persistence.SessionKindFeature,
		prompt: prompt,
	})
	res.Status = HistoryStatus(res.Outcome)
	r.record(description, res.Status)

	runStatus := persistence.RunStatusCompleted
	switch res.Outcome.Kind {
	case agent.KindInterrupted:
		runStatus = persistence.RunStatusShutdown
	case agent.KindFailed, agent.KindToolNotFound:
		runStatus = persistence.RunStatusFailed
	}
	r.session.endRun(ctx, res.RunID, runStatus)

	return res, nil
}

func (r *FeatureRunner) record(description, status string) {
	if r.history == nil {
		return
	}
	result, err := r.history.Append(description, status)
	if err != nil {
		r.logger.Warn("Failed to update feature history: %v", err)
		return
	}
	if result.Reset {
		r.logger.Warn("Feature history %s was unreadable and has been restarted", r.history.Path())
	}
	if result.Dropped > 0 {
		r.logger.Info("Feature history is capped at %d entries; discarded %d oldest", r.history.Limit(), result.Dropped)
	}
}

// HistoryStatus maps an outcome to its feature-history status. A missing
// agent CLI is recorded as exit 1, the code the CLI itself exits with.
func HistoryStatus(o agent.Outcome) string {
	switch o.Kind {
	case agent.KindSucceeded:
		return history.StatusCompleted
	case agent.KindInterrupted:
		return history.StatusInterrupted
	default:
		return history.FailedStatus(ExitCode(o))
	}
}

// ExitCode is the process exit code for a feature session: the agent's own
// code when it has one, 1 for a missing CLI or a failure without a code, and
// 130 for an interrupt.
func ExitCode(o agent.Outcome) int {
	switch o.Kind {
	case agent.KindSucceeded:
		return 0
	case agent.KindInterrupted:
		return agent.ExitCodeInterrupted
	case agent.KindToolNotFound:
		return 1
	default:
		if o.ExitCode <= 0 {
			return 1
		}
		return o.ExitCode
	}
}
