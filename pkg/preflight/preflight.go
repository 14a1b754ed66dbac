// Package preflight provides pre-startup validation for autocoder.
// It validates that the agent CLI can be launched and that the workspace can
// hold the files a run writes, and formats actionable guidance when either fails.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Check identifies a preflight check.
type Check string

// Check constants.
const (
	CheckAgentCLI  Check = "agent-cli"
	CheckWorkspace Check = "workspace"
)

// CheckResult represents the outcome of a single preflight check.
type CheckResult struct {
	Error   error
	Message string
	Check   Check
	Passed  bool
}

// Results contains all preflight check results.
type Results struct {
	Summary string
	Checks  []CheckResult
	Passed  bool
}

// AgentInstaller resolves the agent CLI, installing it when allowed.
type AgentInstaller interface {
	Command() string
	EnsureClaudeCode(ctx context.Context, autoInstall bool) (string, error)
}

// Options selects what Run checks.
type Options struct {
	// Agent is checked when non-nil.
	Agent       AgentInstaller
	AutoInstall bool
	// ProjectDir is checked for writability when non-empty.
	ProjectDir string
}

// Run executes the preflight checks selected by opts.
func Run(ctx context.Context, opts Options) *Results {
	results := &Results{Passed: true}

	if opts.Agent != nil {
		results.Checks = append(results.Checks, checkAgentCLI(ctx, opts.Agent, opts.AutoInstall))
	}
	if opts.ProjectDir != "" {
		results.Checks = append(results.Checks, checkWorkspace(opts.ProjectDir))
	}

	failed := 0
	for i := range results.Checks {
		if !results.Checks[i].Passed {
			failed++
		}
	}
	results.Passed = failed == 0

	if results.Passed {
		results.Summary = fmt.Sprintf("All %d preflight checks passed", len(results.Checks))
	} else {
		results.Summary = fmt.Sprintf("%d of %d preflight checks failed", failed, len(results.Checks))
	}
	return results
}

// Validate runs the checks and returns an error describing every failure.
// The error wraps the first failing check's cause so errors.Is works on it.
func Validate(ctx context.Context, opts Options) error {
	results := Run(ctx, opts)
	if results.Passed {
		return nil
	}

	var (
		failedChecks []string
		first        error
	)
	for i := range results.Checks {
		if results.Checks[i].Passed {
			continue
		}
		failedChecks = append(failedChecks, FormatCheckError(results.Checks[i]))
		if first == nil {
			first = results.Checks[i].Error
		}
	}
	if first == nil {
		first = errors.New("preflight check failed")
	}
	return &Error{Details: strings.Join(failedChecks, "\n"), cause: first}
}

// Error is returned by Validate. Details holds the formatted guidance.
type Error struct {
	Details string
	cause   error
}

func (e *Error) Error() string {
	return "preflight checks failed:\n" + e.Details
}

func (e *Error) Unwrap() error {
	return e.cause
}
