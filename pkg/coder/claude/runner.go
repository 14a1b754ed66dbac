package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"autocoder/pkg/agent"
	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
)

// Runner executes Claude Code sessions. It implements agent.Port.
type Runner struct {
	executor exec.Executor
	opts     Options
	stdout   io.Writer
	stderr   io.Writer
	logger   *logx.Logger
}

var _ agent.Port = (*Runner)(nil)

// NewRunner creates a new Runner. Agent output goes to the process's own
// stdout and stderr unless redirected with WithOutput.
func NewRunner(executor exec.Executor, opts Options, logger *logx.Logger) *Runner {
	if logger == nil {
		logger = logx.NewLogger("claude-runner")
	}
	if executor == nil {
		executor = exec.NewLocalExec()
	}
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.Args == nil {
		opts.Args = DefaultArgs()
	}
	return &Runner{
		executor: executor,
		opts:     opts,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		logger:   logger,
	}
}

// WithOutput redirects the agent's output streams.
func (r *Runner) WithOutput(stdout, stderr io.Writer) *Runner {
	r.stdout = stdout
	r.stderr = stderr
	return r
}

// Command returns the argv used for every session.
func (r *Runner) Command() []string {
	return r.buildCommand()
}

// Invoke runs one agent session rooted at workDir with prompt on stdin and
// waits for it to end.
func (r *Runner) Invoke(ctx context.Context, prompt, workDir string) agent.Outcome {
	cmd := r.buildCommand()
	opts := &exec.Opts{
		Stdin:     bytes.NewReader([]byte(prompt)),
		Stdout:    r.stdout,
		Stderr:    r.stderr,
		Env:       r.buildEnv(),
		WorkDir:   workDir,
		Timeout:   r.opts.SessionTimeout,
		KillGrace: r.opts.KillGrace,
	}

	r.logger.Debug("Starting agent: cmd=%v dir=%s prompt=%d bytes", cmd, workDir, len(prompt))
	start := time.Now()
	result, err := r.executor.Run(ctx, cmd, opts)
	duration := time.Since(start)

	outcome := classify(ctx, result, err, duration)
	r.logger.Info("Agent session ended: %s after %s", outcome, duration.Round(time.Millisecond))
	return outcome
}

// classify maps an executor result onto the outcome taxonomy.
func classify(ctx context.Context, result exec.Result, err error, duration time.Duration) agent.Outcome {
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrCommandNotFound):
			return agent.ToolNotFound(err)
		case ctx.Err() != nil:
			return agent.Interrupted(duration)
		default:
			outcome := agent.Failed(-1, duration)
			outcome.Err = err
			return outcome
		}
	}

	switch {
	case result.Canceled:
		return agent.Interrupted(duration)
	case result.TimedOut:
		outcome := agent.Failed(result.ExitCode, duration)
		outcome.Err = fmt.Errorf("%w after %s", ErrSessionTimeout, duration.Round(time.Second))
		return outcome
	case result.ExitCode == 0:
		return agent.Succeeded(duration)
	default:
		return agent.Failed(result.ExitCode, duration)
	}
}

func (r *Runner) buildCommand() []string {
	cmd := make([]string, 0, len(r.opts.Args)+3)
	cmd = append(cmd, r.opts.Command)
	cmd = append(cmd, r.opts.Args...)
	if r.opts.Model != "" {
		cmd = append(cmd, "--model", r.opts.Model)
	}
	return cmd
}

func (r *Runner) buildEnv() []string {
	if len(r.opts.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.opts.Env))
	for k := range r.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+r.opts.Env[k])
	}
	return env
}
