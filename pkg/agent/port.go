package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ExitCodeInterrupted is the exit code reported for an interrupted session,
// matching the shell convention for SIGINT.
const ExitCodeInterrupted = 130

var (
	// ErrToolNotFound indicates the agent executable could not be resolved.
	ErrToolNotFound = errors.New("agent CLI not found")
	// ErrInterrupted indicates the session was cancelled before the agent exited.
	ErrInterrupted = errors.New("agent session interrupted")
)

// Kind classifies how an invocation ended.
type Kind string

const (
	KindSucceeded    Kind = "succeeded"
	KindFailed       Kind = "failed"
	KindToolNotFound Kind = "tool_not_found"
	KindInterrupted  Kind = "interrupted"
)

// Outcome is the result of one agent invocation.
type Outcome struct {
	Kind     Kind
	ExitCode int
	Duration time.Duration
	// Err carries detail for ToolNotFound and Interrupted, and for failures
	// that never produced an exit code (for example a session timeout).
	Err error
}

// Succeeded returns a successful outcome.
func Succeeded(d time.Duration) Outcome {
	return Outcome{Kind: KindSucceeded, ExitCode: 0, Duration: d}
}

// Failed returns an outcome for a non-zero exit.
func Failed(code int, d time.Duration) Outcome {
	return Outcome{Kind: KindFailed, ExitCode: code, Duration: d}
}

// ToolNotFound returns an outcome for a missing agent executable.
func ToolNotFound(err error) Outcome {
	if err == nil {
		err = ErrToolNotFound
	} else if !errors.Is(err, ErrToolNotFound) {
		err = fmt.Errorf("%w: %w", ErrToolNotFound, err)
	}
	return Outcome{Kind: KindToolNotFound, ExitCode: -1, Err: err}
}

// Interrupted returns an outcome for a cancelled session.
func Interrupted(d time.Duration) Outcome {
	return Outcome{Kind: KindInterrupted, ExitCode: ExitCodeInterrupted, Duration: d, Err: ErrInterrupted}
}

// OK reports whether the agent exited successfully.
func (o Outcome) OK() bool {
	return o.Kind == KindSucceeded
}

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch o.Kind {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		if o.Err != nil {
			return fmt.Sprintf("failed (exit %d): %v", o.ExitCode, o.Err)
		}
		return fmt.Sprintf("failed (exit %d)", o.ExitCode)
	case KindToolNotFound:
		return fmt.Sprintf("tool not found: %v", o.Err)
	case KindInterrupted:
		return fmt.Sprintf("interrupted (exit %d)", o.ExitCode)
	default:
		return string(o.Kind)
	}
}

// Port invokes the external agent. Invoke blocks until the agent exits or ctx
// is cancelled; on cancellation the agent process is terminated and an
// Interrupted outcome is returned. Implementations never capture output.
type Port interface {
	Invoke(ctx context.Context, prompt, workDir string) Outcome
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, prompt, workDir string) Outcome

// Invoke calls f.
func (f PortFunc) Invoke(ctx context.Context, prompt, workDir string) Outcome {
	return f(ctx, prompt, workDir)
}
