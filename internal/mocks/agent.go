package mocks

import (
	"context"
	"sync"
	"time"

	"autocoder/pkg/agent"
)

// Invocation records one call to ScriptedAgent.Invoke.
type Invocation struct {
	Prompt  string
	WorkDir string
}

// ScriptedAgent implements agent.Port by replaying a fixed list of outcomes.
// When the script runs out, DefaultOutcome is returned.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type ScriptedAgent struct {
	// Outcomes are returned in order, one per invocation.
	Outcomes []agent.Outcome

	// DefaultOutcome is returned once Outcomes is exhausted.
	DefaultOutcome agent.Outcome

	// OnInvoke runs before the outcome is returned, with the 1-based call
	// number. Tests use it to play the agent's part, e.g. writing the registry.
	OnInvoke func(call int, prompt, workDir string)

	// BlockUntilCanceled makes Invoke wait for ctx cancellation and report
	// Interrupted, like a real process killed by a signal.
	BlockUntilCanceled bool

	// Started is closed on the first invocation when non-nil.
	Started chan struct{}

	calls []Invocation
	mu    sync.Mutex
}

// NewScriptedAgent returns an agent that replays outcomes and then succeeds.
func NewScriptedAgent(outcomes ...agent.Outcome) *ScriptedAgent {
	return &ScriptedAgent{
		Outcomes:       outcomes,
		DefaultOutcome: agent.Succeeded(0),
	}
}

// Invoke implements agent.Port.
func (s *ScriptedAgent) Invoke(ctx context.Context, prompt, workDir string) agent.Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, Invocation{Prompt: prompt, WorkDir: workDir})
	call := len(s.calls)
	outcome := s.DefaultOutcome
	if call <= len(s.Outcomes) {
		outcome = s.Outcomes[call-1]
	}
	hook := s.OnInvoke
	block := s.BlockUntilCanceled
	if call == 1 && s.Started != nil {
		close(s.Started)
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call, prompt, workDir)
	}

	if block {
		start := time.Now()
		<-ctx.Done()
		return agent.Interrupted(time.Since(start))
	}
	return outcome
}

// Calls returns a copy of the recorded invocations.
func (s *ScriptedAgent) Calls() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.calls...)
}

// CallCount returns the number of invocations so far.
func (s *ScriptedAgent) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Prompts returns the prompts received, in order.
func (s *ScriptedAgent) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Prompt
	}
	return out
}

var _ agent.Port = (*ScriptedAgent)(nil)
