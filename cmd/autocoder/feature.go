package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"autocoder/internal/orch"
	"autocoder/pkg/agent"
	"autocoder/pkg/config"
	"autocoder/pkg/history"
	"autocoder/pkg/specs"
)

// maxBannerFeature is how much of the description the banner shows.
const maxBannerFeature = 500

type featureOptions struct {
	specFile    string
	interactive bool
}

func (a *app) featureCmd() *cobra.Command {
	opts := &featureOptions{}
	cmd := &cobra.Command{
		Use:   "feature [description]",
		Short: "Implement one feature in an existing codebase",
		Long: `Run a single agent session that implements one feature described in plain
text. The request and its outcome are kept in .feature-history.json.

Examples:
  autocoder feature "Add a rest timer to workout tracking"
  autocoder feature --spec my_feature.md
  autocoder feature --interactive

The exit code is the agent's own exit code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFeature(cmd, args, opts)
		},
	}
	cmd.Flags().StringVar(&opts.specFile, "spec", "", "Path to a file containing the feature specification")
	cmd.Flags().BoolVarP(&opts.interactive, "interactive", "i", false, "Enter the feature description interactively")
	return cmd
}

// featureDescription picks the input source: --spec, then --interactive, then
// positional text.
func (a *app) featureDescription(args []string, opts *featureOptions) (string, error) {
	switch {
	case opts.specFile != "":
		spec, err := specs.LoadFile(opts.specFile)
		if err != nil {
			return "", err
		}
		return spec.Description(), nil
	case opts.interactive:
		prompts := a.stdout
		if !a.isTerminal() {
			prompts = nil
		}
		return specs.ReadInteractive(a.stdin, prompts)
	case len(args) > 0:
		spec, err := specs.FromText(strings.Join(args, " "))
		if err != nil {
			return "", err
		}
		return spec.Description(), nil
	default:
		return "", specs.ErrEmptyFeature
	}
}

func (a *app) runFeature(cmd *cobra.Command, args []string, opts *featureOptions) error {
	ctx := cmd.Context()

	description, err := a.featureDescription(args, opts)
	if err != nil {
		return err
	}

	e, err := a.openEnv(ctx, true)
	if err != nil {
		return err
	}
	defer e.close(true)

	if err := a.runPreflight(ctx, e); err != nil {
		return err
	}

	runner, err := orch.NewFeatureRunner(orch.FeatureOptions{
		ProjectDir: e.projectDir,
		Composer:   e.composer,
		Agent:      a.newAgent(e.cfg),
		History: history.New(
			config.ResolvePath(e.projectDir, e.cfg.Files.History),
			history.WithLimit(e.cfg.History.Limit),
		),
		Ledger:   e.orchLedger(),
		Recorder: e.recorder,
		Tokens:   e.tokens,
	})
	if err != nil {
		return err
	}

	a.printFeatureBanner(e.projectDir, description)

	res, err := runner.Run(ctx, description)
	if err != nil {
		return err
	}

	code := orch.ExitCode(res.Outcome)
	switch res.Outcome.Kind {
	case agent.KindSucceeded:
		fmt.Fprintln(a.stdout, "\n✅ Feature implementation session complete!")
		return nil
	case agent.KindInterrupted:
		fmt.Fprintln(a.stdout, "\n\nInterrupted by user.")
		return withCode(code, nil)
	case agent.KindToolNotFound:
		return withCode(code, res.Outcome.Err)
	default:
		fmt.Fprintf(a.stdout, "\n⚠️  Session ended with exit code %d\n", code)
		return withCode(code, nil)
	}
}

func (a *app) printFeatureBanner(projectDir, description string) {
	shown := history.Truncate(description, maxBannerFeature)
	if shown != description {
		shown += "..."
	}
	rule := strings.Repeat("-", 60)
	fmt.Fprintf(a.stdout, "\n  FEATURE AGENT\n  Implementing feature in existing codebase\n\n")
	fmt.Fprintf(a.stdout, "📁 Project: %s\n\n📋 Feature:\n%s\n%s\n%s\n\n", projectDir, rule, shown, rule)
	fmt.Fprintln(a.stdout, "Starting implementation...\n(Press Ctrl+C to cancel)")
}
