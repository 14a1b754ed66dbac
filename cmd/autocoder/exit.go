package main

import (
	"errors"
	"fmt"
	"io"

	"autocoder/pkg/agent"
	"autocoder/pkg/coder/claude"
	"autocoder/pkg/exec"
	"autocoder/pkg/features"
	"autocoder/pkg/preflight"
	"autocoder/pkg/specs"
	"autocoder/pkg/templates"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = agent.ExitCodeInterrupted
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// reportError prints err with a remedy line for the structural errors.
func reportError(w io.Writer, err error, agentCommand string) {
	var ee *exitError
	if errors.As(err, &ee) && ee.err == nil {
		return
	}

	var pfErr *preflight.Error
	if errors.As(err, &pfErr) {
		fmt.Fprintf(w, "\n❌ Preflight checks failed:\n%s\n", pfErr.Details)
		return
	}

	fmt.Fprintf(w, "\n❌ Error: %v\n", err)
	switch {
	case errors.Is(err, agent.ErrToolNotFound), errors.Is(err, exec.ErrCommandNotFound):
		fmt.Fprintf(w, "\n%s\n", claude.InstallGuidance(agentCommand))
	case errors.Is(err, features.ErrRegistryCorrupt):
		fmt.Fprintln(w, "Fix or restore the feature registry by hand; autocoder never rewrites a file it cannot parse.")
	case errors.Is(err, templates.ErrTemplateNotFound):
		fmt.Fprintln(w, "Provide the missing file: pass --app-spec, or add the prompt to .autocoder/prompts.")
	case errors.Is(err, specs.ErrSpecFileMissing):
		fmt.Fprintln(w, "Check the path and try again.")
	case errors.Is(err, specs.ErrEmptyFeature):
		fmt.Fprintln(w, "Provide a feature description, --spec file, or use --interactive.")
	}
}
