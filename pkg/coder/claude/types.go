// Package claude drives the Claude Code CLI as the external coding agent.
// The prompt is piped to `claude -p` on stdin and the CLI's own output passes
// straight through to the terminal.
package claude

import (
	"errors"
	"time"
)

// DefaultCommand is the agent executable name.
const DefaultCommand = "claude"

// InstallCommand is the command that installs the agent CLI.
const InstallCommand = "npm install -g @anthropic-ai/claude-code"

// ErrSessionTimeout indicates a session ran longer than Options.SessionTimeout.
var ErrSessionTimeout = errors.New("agent session timed out")

// Options contains options for running Claude Code.
type Options struct {
	// Command is the executable to run.
	Command string

	// Args are passed before any model flag. The prompt is always sent on stdin.
	Args []string

	// Model is the model to request (optional).
	Model string

	// Env contains extra environment variables for the agent process.
	Env map[string]string

	// SessionTimeout bounds a single session. Zero means no limit.
	SessionTimeout time.Duration

	// KillGrace is how long the agent has to exit after SIGTERM.
	KillGrace time.Duration
}

// DefaultArgs returns the print-mode flags used for unattended sessions.
func DefaultArgs() []string {
	return []string{"-p", "--dangerously-skip-permissions"}
}

// DefaultOptions returns Options with default values.
func DefaultOptions() Options {
	return Options{
		Command:   DefaultCommand,
		Args:      DefaultArgs(),
		KillGrace: 10 * time.Second,
	}
}
