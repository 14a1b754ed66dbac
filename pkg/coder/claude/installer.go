package claude

import (
	"bytes"
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
)

// Installer checks for the Claude Code CLI and can install it through npm.
type Installer struct {
	executor exec.Executor
	command  string
	lookPath func(string) (string, error)
	logger   *logx.Logger
}

// NewInstaller creates an Installer for the given agent command.
func NewInstaller(executor exec.Executor, command string, logger *logx.Logger) *Installer {
	if logger == nil {
		logger = logx.NewLogger("claude-installer")
	}
	if executor == nil {
		executor = exec.NewLocalExec()
	}
	if command == "" {
		command = DefaultCommand
	}
	return &Installer{
		executor: executor,
		command:  command,
		lookPath: osexec.LookPath,
		logger:   logger,
	}
}

// Command returns the agent command being checked.
func (i *Installer) Command() string {
	return i.command
}

// Resolve returns the absolute path of the agent command.
func (i *Installer) Resolve() (string, error) {
	path, err := i.lookPath(i.command)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", exec.ErrCommandNotFound, i.command, err)
	}
	return path, nil
}

// Version runs `<command> --version` and returns its trimmed output.
func (i *Installer) Version(ctx context.Context) (string, error) {
	if _, err := i.Resolve(); err != nil {
		return "", err
	}
	out, err := i.runCommand(ctx, []string{i.command, "--version"}, 30*time.Second)
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(out)
	if version == "" {
		return "", fmt.Errorf("%s --version printed nothing", i.command)
	}
	return version, nil
}

// EnsureClaudeCode verifies the CLI is installed. When it is missing and
// autoInstall is set, it installs it with npm (which must already be present).
func (i *Installer) EnsureClaudeCode(ctx context.Context, autoInstall bool) (string, error) {
	if version, err := i.Version(ctx); err == nil {
		i.logger.Debug("Claude Code already installed: %s", version)
		return version, nil
	} else if !autoInstall {
		return "", err
	}

	if _, err := i.lookPath("npm"); err != nil {
		return "", logx.Errorf("cannot install Claude Code: npm not found on PATH (install Node.js first)")
	}

	i.logger.Info("Installing Claude Code: %s", InstallCommand)
	if _, err := i.runCommand(ctx, strings.Fields(InstallCommand), 5*time.Minute); err != nil {
		return "", logx.Errorf("failed to install Claude Code: %w", err)
	}

	version, err := i.Version(ctx)
	if err != nil {
		return "", logx.Errorf("Claude Code installation verification failed: %w", err)
	}
	i.logger.Info("Claude Code installed successfully: %s", version)
	return version, nil
}

// runCommand executes a command and returns its stdout.
func (i *Installer) runCommand(ctx context.Context, cmd []string, timeout time.Duration) (string, error) {
	var stdout, stderr bytes.Buffer
	opts := &exec.Opts{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: timeout,
	}
	result, err := i.executor.Run(ctx, cmd, opts)
	if err != nil {
		return "", fmt.Errorf("command %v failed: %w", cmd, err)
	}
	if result.ExitCode != 0 || result.TimedOut {
		return stdout.String(), fmt.Errorf("command %v exited with code %d: %s", cmd, result.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// InstallGuidance returns operator instructions for a missing agent CLI.
func InstallGuidance(command string) string {
	if command == "" {
		command = DefaultCommand
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The agent CLI %q was not found on PATH.\n", command)
	fmt.Fprintf(&b, "Install it with:\n\n    %s\n\n", InstallCommand)
	b.WriteString("then authenticate once by running `claude` interactively.")
	if path := os.Getenv("PATH"); path == "" {
		b.WriteString("\nPATH is empty in this environment.")
	}
	return b.String()
}
