// Package exec runs external commands for agent sessions. Commands inherit or
// redirect the standard streams instead of buffering them. Each command runs
// in its own process group; cancellation delivers SIGTERM to the group before
// a hard kill, and nothing the command spawned outlives Run.
package exec

import (
	"context"
	"errors"
	"io"
	"time"
)

// ExecutorType represents the type of executor.
type ExecutorType string

// Executor type constants.
const (
	ExecutorTypeLocal ExecutorType = "local"
)

// DefaultKillGrace is how long a cancelled command has to exit after SIGTERM.
const DefaultKillGrace = 10 * time.Second

// ErrCommandNotFound is returned when the command executable cannot be resolved.
var ErrCommandNotFound = errors.New("command not found")

// Executor defines the interface for executing commands.
type Executor interface {
	// Run executes a command and waits for it to exit. A non-zero exit is
	// reported in Result, not as an error; errors mean the command never ran.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() ExecutorType

	// Available returns true if this executor can be used in the current environment.
	Available() bool
}

// Opts contains options for command execution.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Opts struct {
	// Stdin is fed to the command. Nil means no input.
	Stdin io.Reader

	// Stdout and Stderr receive the command's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Env contains extra environment variables (KEY=VALUE) added to the current environment.
	Env []string

	// WorkDir is the working directory for the command.
	WorkDir string

	// Timeout is the maximum duration for command execution. Zero means no limit.
	Timeout time.Duration

	// KillGrace is how long to wait after SIGTERM before killing. Zero uses DefaultKillGrace.
	KillGrace time.Duration
}

// Result contains the result of command execution.
type Result struct {
	// ExitCode is the exit code of the command, or -1 when it was killed by a signal.
	ExitCode int

	// Duration is how long the command ran.
	Duration time.Duration

	// Canceled is true when the caller's context was cancelled before the command exited.
	Canceled bool

	// TimedOut is true when Opts.Timeout expired before the command exited.
	TimedOut bool

	// ExecutorUsed indicates which executor was used (for debugging)
	ExecutorUsed ExecutorType
}

// DefaultExecOpts returns default execution options.
func DefaultExecOpts() Opts {
	return Opts{KillGrace: DefaultKillGrace}
}
