package preflight

import (
	"fmt"
	"strings"

	"autocoder/pkg/coder/claude"
)

// FormatCheckError formats a failed check result with actionable guidance.
func FormatCheckError(check CheckResult) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("  %s: %s\n", check.Check, check.Message))
	if check.Error != nil {
		sb.WriteString(fmt.Sprintf("    cause: %v\n", check.Error))
	}
	for _, line := range strings.Split(getGuidance(check.Check), "\n") {
		sb.WriteString("    " + line + "\n")
	}

	return sb.String()
}

// FormatResults formats all preflight results for display.
func FormatResults(results *Results) string {
	var sb strings.Builder

	if results.Passed {
		sb.WriteString("Preflight checks passed\n")
		for i := range results.Checks {
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", results.Checks[i].Check, results.Checks[i].Message))
		}
		return sb.String()
	}

	sb.WriteString("Preflight checks failed\n\n")
	sb.WriteString("Failed checks:\n")
	for i := range results.Checks {
		if !results.Checks[i].Passed {
			sb.WriteString(FormatCheckError(results.Checks[i]))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Passed checks:\n")
	for i := range results.Checks {
		if results.Checks[i].Passed {
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", results.Checks[i].Check, results.Checks[i].Message))
		}
	}
	return sb.String()
}

// getGuidance returns actionable guidance for fixing a failed check.
func getGuidance(check Check) string {
	switch check {
	case CheckAgentCLI:
		return fmt.Sprintf("Install the agent CLI: %s\n"+
			"Then run `claude` once interactively to authenticate, or set auto_install in .autocoder/config.json.",
			claude.InstallCommand)
	case CheckWorkspace:
		return "Choose a project directory you can write to with --project-dir."
	default:
		return "Check the autocoder documentation for setup instructions."
	}
}
