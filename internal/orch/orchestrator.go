package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/agent"
	"autocoder/pkg/features"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/persistence"
	"autocoder/pkg/templates"
	"autocoder/pkg/utils"
)

// Reason says why a run ended without an error.
type Reason string

const (
	ReasonCompleted     Reason = "completed"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonPaused        Reason = "paused"
)

// Result summarizes a finished run.
type Result struct {
	RunID  string
	Reason Reason
	State  State
	// Sessions counts every agent invocation; CodingSessions only coding ones.
	Sessions       int
	CodingSessions int
	// Summary is the registry summary at the last decision point.
	Summary features.Summary
}

// Options configures an Orchestrator. Store, Composer, and Agent are required.
type Options struct {
	ProjectDir string
	// MaxIterations caps the number of sessions in this run; 0 means unlimited.
	MaxIterations int

	Store    *features.Store
	Composer *templates.Composer
	Agent    agent.Port

	// AppSpecPath is read for the initializer prompt. When the file is
	// missing, the app_spec template is resolved through the Composer.
	AppSpecPath string

	Events   EventLog
	Cooldown CooldownPolicy
	Ledger   Ledger
	Recorder metrics.Recorder
	Tokens   *utils.TokenCounter
	Logger   *logx.Logger
	Clock    func() time.Time
}

// Orchestrator sequences initializer and coding sessions. It holds no
// progress state between decisions; everything is re-read from the registry.
type Orchestrator struct {
	projectDir    string
	maxIterations int
	store         *features.Store
	composer      *templates.Composer
	appSpecPath   string
	events        EventLog
	cooldown      CooldownPolicy
	session       *sessionRunner
	recorder      metrics.Recorder
	logger        *logx.Logger

	state          State
	sessions       int
	codingSessions int
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Composer == nil || opts.Agent == nil {
		return nil, errors.New("orchestrator requires a registry store, prompt composer and agent")
	}
	if opts.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must be >= 0, got %d", opts.MaxIterations)
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("orchestrator")
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NopRecorder{}
	}
	if opts.Cooldown == nil {
		opts.Cooldown = NoCooldown{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Orchestrator{
		projectDir:    opts.ProjectDir,
		maxIterations: opts.MaxIterations,
		store:         opts.Store,
		composer:      opts.Composer,
		appSpecPath:   opts.AppSpecPath,
		events:        opts.Events,
		cooldown:      opts.Cooldown,
		recorder:      opts.Recorder,
		logger:        opts.Logger,
		state:         StateUninitialized,
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

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Run drives sessions until every feature passes, the iteration cap is
// reached, or ctx is cancelled. Cancellation is not an error: the run ends
// with ReasonPaused. Errors are returned only for conditions a retry cannot
// fix: a corrupt registry, a missing template, or an agent CLI that is absent
// on the very first invocation.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	ctx = logx.WithComponent(ctx, "orchestrator")
	o.event("Run started (max iterations: %s)", o.maxIterationsLabel())
	o.session.startRun(ctx, persistence.Run{
		ID:            res.RunID,
		StartedAt:     o.session.now(),
		Status:        persistence.RunStatusActive,
		Mode:          persistence.ModeLoop,
		MaxIterations: o.maxIterations,
	})

	runStatus := persistence.RunStatusFailed
	defer func() {
		res.State = o.state
		res.Sessions = o.sessions
		res.CodingSessions = o.codingSessions
		o.session.endRun(ctx, res.RunID, runStatus)
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			runStatus = persistence.RunStatusShutdown
			return o.pause(res)
		}

		reg, found, err := o.store.Load()
		if err != nil {
			return res, fmt.Errorf("cannot decide next session: %w", err)
		}
		if found {
			res.Summary = reg.Summary()
			o.recorder.SetFeatures(res.Summary)
		}

		next := deriveState(reg, found)
		logx.Debug(ctx, "orch", "Derived state %s (registry found: %t, %s)", next, found, res.Summary)
		if next == StateCompleted {
			if err := o.transition(StateCompleted); err != nil {
				return res, err
			}
			o.logger.Info("All %d features passing", res.Summary.Total)
			o.event("All features completed")
			res.Reason = ReasonCompleted
			runStatus = persistence.RunStatusCompleted
			return res, nil
		}

		if o.maxIterations > 0 && o.sessions >= o.maxIterations {
			o.logger.Info("Reached max iterations (%d) at %s", o.maxIterations, res.Summary)
			o.event("Reached max iterations (%d)", o.maxIterations)
			res.Reason = ReasonMaxIterations
			runStatus = persistence.RunStatusMaxIterations
			return res, nil
		}

		var outcome agent.Outcome
		if next == StateUninitialized {
			outcome, err = o.runInitializer(ctx, res.RunID)
		} else {
			outcome, err = o.runCoding(ctx, res.RunID, reg)
		}
		if err != nil {
			return res, err
		}

		if outcome.Kind == agent.KindToolNotFound && o.sessions == 1 {
			return res, fmt.Errorf("agent CLI unavailable on first invocation: %w", outcome.Err)
		}
		if outcome.Kind == agent.KindInterrupted || ctx.Err() != nil {
			runStatus = persistence.RunStatusShutdown
			return o.pause(res)
		}

		if outcome.OK() {
			failures = 0
		} else {
			failures++
			o.logger.Warn("Session %d did not succeed (%s); the next cycle will retry from the registry", o.sessions, outcome)
		}

		if o.maxIterations > 0 && o.sessions >= o.maxIterations {
			continue
		}

		delay := o.cooldown.Delay(failures, outcome)
		if delay > 0 {
			o.logger.Info("Session complete. Continuing in %s (Ctrl+C to pause)", delay)
		}
		if err := wait(ctx, delay); err != nil {
			runStatus = persistence.RunStatusShutdown
			return o.pause(res)
		}
	}
}

// deriveState maps the persisted registry to the state of the next cycle.
func deriveState(reg *features.Registry, found bool) State {
	if !found {
		return StateUninitialized
	}
	if _, ok := reg.NextPending(); !ok {
		return StateCompleted
	}
	return StateCoding
}

func (o *Orchestrator) runInitializer(ctx context.Context, runID string) (agent.Outcome, error) {
	if err := o.transition(StateUninitialized); err != nil {
		return agent.Outcome{}, err
	}

	appSpec, err := o.loadAppSpec()
	if err != nil {
		return agent.Outcome{}, err
	}
	prompt, err := o.composer.Compose(templates.InitializerPrompt, templates.Vars{
		"app_spec":    appSpec,
		"project_dir": o.projectDir,
	})
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("cannot render initializer prompt: %w", err)
	}

	if err := o.transition(StateInitializing); err != nil {
		return agent.Outcome{}, err
	}
	o.logger.Info("🚀 Starting initializer agent for %s", o.projectDir)
	o.event("Starting initializer agent")

	o.sessions++
	outcome := o.session.run(ctx, sessionRequest{
		runID:  runID,
		kind:   persistence.SessionKindInitializer,
		prompt: prompt,
	})

	if outcome.Kind == agent.KindToolNotFound {
		o.event("Agent CLI not found: %v", outcome.Err)
	} else {
		o.event("Initializer agent completed with exit code %d", outcome.ExitCode)
	}
	return outcome, nil
}

func (o *Orchestrator) runCoding(ctx context.Context, runID string, reg *features.Registry) (agent.Outcome, error) {
	if err := o.transition(StateCoding); err != nil {
		return agent.Outcome{}, err
	}

	summary := reg.Summary()
	next, _ := reg.NextPending()

	featureList, err := json.MarshalIndent(reg.Features, "", "  ")
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("failed to encode feature list: %w", err)
	}
	nextFeature, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("failed to encode next feature: %w", err)
	}

	sessionNumber := o.codingSessions + 1
	prompt, err := o.composer.Compose(templates.CodingPrompt, templates.Vars{
		"feature_list":        string(featureList),
		"next_feature":        string(nextFeature),
		"progress_completed":  strconv.Itoa(summary.Completed),
		"progress_total":      strconv.Itoa(summary.Total),
		"progress_pending":    strconv.Itoa(summary.Pending),
		"progress_percentage": strconv.FormatFloat(summary.Percentage, 'f', -1, 64),
		"session_number":      strconv.Itoa(sessionNumber),
		"project_dir":         o.projectDir,
	})
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("cannot render coding prompt: %w", err)
	}

	o.logger.Info("Coding session %d: progress %s, next feature %s", sessionNumber, summary, next.ID)
	o.event("Starting coding session - Feature: %s", next.ID)

	o.sessions++
	outcome := o.session.run(ctx, sessionRequest{
		runID:     runID,
		kind:      persistence.SessionKindCoding,
		featureID: next.ID,
		prompt:    prompt,
	})
	o.codingSessions++

	if outcome.Kind == agent.KindToolNotFound {
		o.event("Agent CLI not found: %v", outcome.Err)
	} else {
		o.event("Coding session %d completed with exit code %d", o.codingSessions, outcome.ExitCode)
	}
	return outcome, nil
}

// loadAppSpec reads the project specification for the initializer prompt.
func (o *Orchestrator) loadAppSpec() (string, error) {
	if o.appSpecPath != "" {
		data, err := os.ReadFile(o.appSpecPath)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read app spec %s: %w", o.appSpecPath, err)
		}
	}
	tmpl, err := o.composer.Load(templates.AppSpec)
	if err != nil {
		return "", fmt.Errorf("no project specification to initialize from: %w", err)
	}
	return tmpl.Content, nil
}

func (o *Orchestrator) pause(res *Result) (*Result, error) {
	if err := o.transition(StatePaused); err != nil {
		return res, err
	}
	o.recorder.IncPauses()
	o.logger.Info("Paused after %d sessions", o.sessions)
	o.event("Session paused at iteration %d", o.sessions)
	res.Reason = ReasonPaused
	return res, nil
}

func (o *Orchestrator) transition(to State) error {
	from := o.state
	if !IsValidTransition(from, to) {
		return transitionError(from, to)
	}
	if from != to {
		o.logger.DebugState("transition", string(to), "from="+string(from))
	}
	o.state = to
	return nil
}

func (o *Orchestrator) event(format string, args ...any) {
	if o.events == nil {
		return
	}
	if err := o.events.Log(fmt.Sprintf(format, args...)); err != nil {
		o.logger.Warn("Failed to write progress log: %v", err)
	}
}

func (o *Orchestrator) maxIterationsLabel() string {
	if o.maxIterations == 0 {
		return "unlimited"
	}
	return strconv.Itoa(o.maxIterations)
}
