package exec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	osexec "os/exec"
	"syscall"
	"time"
)

// LocalExec executes commands directly on the local system.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor type name.
func (e *LocalExec) Name() ExecutorType {
	return ExecutorTypeLocal
}

// Available returns true since local execution is always available.
func (e *LocalExec) Available() bool {
	return true
}

// Run executes a command locally and waits for it to exit.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		defaults := DefaultExecOpts()
		opts = &defaults
	}

	if opts.WorkDir != "" {
		info, err := os.Stat(opts.WorkDir)
		if err != nil {
			return Result{}, fmt.Errorf("working directory %s: %w", opts.WorkDir, err)
		}
		if !info.IsDir() {
			return Result{}, fmt.Errorf("working directory %s is not a directory", opts.WorkDir)
		}
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := osexec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	execCmd.Dir = opts.WorkDir
	execCmd.Stdin = opts.Stdin
	execCmd.Stdout = opts.Stdout
	execCmd.Stderr = opts.Stderr
	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	// Stop the whole process group: SIGTERM first, and WaitDelay escalates
	// to a kill of the direct child. stopGroup handles what it spawned.
	setProcessGroup(execCmd)
	execCmd.Cancel = func() error {
		if err := signalGroup(execCmd.Process.Pid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return os.ErrProcessDone
			}
			return err
		}
		return nil
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	execCmd.WaitDelay = grace

	start := time.Now()
	if err := execCmd.Start(); err != nil {
		if errors.Is(err, osexec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrCommandNotFound, cmd[0], err)
		}
		return Result{}, fmt.Errorf("failed to start %s: %w", cmd[0], err)
	}

	waitErr := execCmd.Wait()
	stopGroup(execCmd.Process.Pid, grace)
	result := Result{
		Duration:     time.Since(start),
		ExitCode:     execCmd.ProcessState.ExitCode(),
		ExecutorUsed: e.Name(),
	}

	switch {
	case ctx.Err() != nil:
		result.Canceled = true
	case runCtx.Err() != nil:
		result.TimedOut = true
	}

	if waitErr != nil {
		var exitErr *osexec.ExitError
		// ErrWaitDelay means the process exited but something it spawned
		// still held the output pipes; stopGroup has dealt with that.
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, osexec.ErrWaitDelay) &&
			!result.Canceled && !result.TimedOut {
			// I/O copy failures land here.
			return result, fmt.Errorf("failed waiting for %s: %w", cmd[0], waitErr)
		}
	}
	return result, nil
}

// groupPollInterval is how often stopGroup checks for survivors.
const groupPollInterval = 20 * time.Millisecond

// stopGroup terminates whatever is left of the process group led by pid once
// the leader has exited, so no process the command started outlives Run:
// SIGTERM, then SIGKILL after grace.
func stopGroup(pid int, grace time.Duration) {
	if !groupAlive(pid) {
		return
	}
	_ = signalGroup(pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !groupAlive(pid) {
			return
		}
		time.Sleep(groupPollInterval)
	}
	_ = signalGroup(pid, syscall.SIGKILL)
}
