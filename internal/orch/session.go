package orch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"autocoder/pkg/agent"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/persistence"
	"autocoder/pkg/utils"
)

// EventLog receives progress-log milestones.
type EventLog interface {
	Log(message string) error
}

// Ledger is the subset of the session ledger the runners write to.
type Ledger interface {
	StartRun(ctx context.Context, run persistence.Run) error
	EndRun(ctx context.Context, runID, status string) error
	RecordSession(ctx context.Context, rec persistence.SessionRecord) error
}

// sessionRunner invokes the agent and records the session in the ledger and
// metrics. Ledger and metrics failures are logged and never change the outcome.
type sessionRunner struct {
	agent      agent.Port
	projectDir string
	ledger     Ledger
	recorder   metrics.Recorder
	tokens     *utils.TokenCounter
	logger     *logx.Logger
	now        func() time.Time
}

type sessionRequest struct {
	runID     string
	kind      string
	featureID string
	prompt    string
}

func (s *sessionRunner) run(ctx context.Context, req sessionRequest) agent.Outcome {
	sessionID := uuid.NewString()
	tokens := s.tokens.CountTokens(req.prompt)
	s.recorder.ObservePromptTokens(req.kind, tokens)
	s.logger.Info("Session %s (%s) starting, prompt ~%d tokens", sessionID[:8], req.kind, tokens)

	started := s.now()
	outcome := s.agent.Invoke(ctx, req.prompt, s.projectDir)
	if outcome.Duration == 0 {
		outcome.Duration = s.now().Sub(started)
	}

	s.logger.Info("Session %s (%s) %s after %s", sessionID[:8], req.kind, outcome, outcome.Duration.Round(time.Second))
	s.recorder.ObserveSession(req.kind, string(outcome.Kind), outcome.Duration)

	if s.ledger != nil {
		rec := persistence.SessionRecord{
			ID:           sessionID,
			RunID:        req.runID,
			Kind:         req.kind,
			FeatureID:    req.featureID,
			Outcome:      string(outcome.Kind),
			ExitCode:     outcome.ExitCode,
			PromptTokens: tokens,
			StartedAt:    started,
			Duration:     outcome.Duration,
		}
		// The run context may already be cancelled by the interrupt that ended this session.
		if err := s.ledger.RecordSession(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Warn("Failed to record session %s: %v", sessionID, err)
		}
	}
	return outcome
}

func (s *sessionRunner) startRun(ctx context.Context, run persistence.Run) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.StartRun(ctx, run); err != nil {
		s.logger.Warn("Failed to record run start: %v", err)
	}
}

func (s *sessionRunner) endRun(ctx context.Context, runID, status string) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.EndRun(context.WithoutCancel(ctx), runID, status); err != nil {
		s.logger.Warn("Failed to record run end: %v", err)
	}
}
