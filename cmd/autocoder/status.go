package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"autocoder/pkg/config"
	"autocoder/pkg/eventlog"
	"autocoder/pkg/features"
	"autocoder/pkg/history"
	"autocoder/pkg/persistence"
	"autocoder/pkg/workspace"
)

type statusOptions struct {
	sessions int
	logLines int
}

func (a *app) statusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show feature progress and recent sessions",
		Long: `Print the feature registry summary, the next pending feature, the latest
run and the most recent agent sessions. Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStatus(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.sessions, "sessions", 5, "Number of recent sessions to show")
	cmd.Flags().IntVar(&opts.logLines, "log-lines", 5, "Number of progress log lines to show")
	return cmd
}

func (a *app) runStatus(cmd *cobra.Command, opts *statusOptions) error {
	ctx := cmd.Context()

	e, err := a.openEnv(ctx, false)
	if err != nil {
		return err
	}
	defer e.close(false)

	out := a.stdout
	fmt.Fprintf(out, "Project: %s\n", e.projectDir)

	reg, found, err := features.NewStore(config.ResolvePath(e.projectDir, e.cfg.Files.Registry)).Load()
	switch {
	case err != nil:
		return err
	case !found:
		fmt.Fprintln(out, "Features: not initialized (the next run starts with the initializer session)")
	default:
		fmt.Fprintf(out, "Features: %s, %d pending\n", reg.Summary(), reg.Summary().Pending)
		if next, ok := reg.NextPending(); ok {
			fmt.Fprintf(out, "Next:     %s  %s\n", next.ID, oneLine(next.Description, 70))
		} else {
			fmt.Fprintln(out, "Next:     none, all features passing")
		}
	}

	report := workspace.VerifyWorkspace(ctx, e.projectDir, e.cfg, nil)
	for _, f := range report.Failures {
		fmt.Fprintf(out, "Problem:  %s\n", f)
	}

	if e.ledger != nil {
		if err := a.printLedger(cmd, e.ledger, opts.sessions); err != nil {
			return err
		}
	}

	if opts.logLines > 0 {
		lines, err := eventlog.Tail(config.ResolvePath(e.projectDir, e.cfg.Files.ProgressLog), opts.logLines)
		if err != nil {
			return err
		}
		if len(lines) > 0 {
			fmt.Fprintln(out, "\nProgress log:")
			for _, l := range lines {
				fmt.Fprintf(out, "  %s\n", l)
			}
		}
	}
	return nil
}

func (a *app) printLedger(cmd *cobra.Command, ledger *persistence.Ledger, limit int) error {
	ctx := cmd.Context()
	out := a.stdout

	run, err := ledger.LatestRun(ctx)
	if errors.Is(err, persistence.ErrRunNotFound) {
		fmt.Fprintln(out, "Last run: none recorded")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Last run: %s %s (%s, started %s)\n",
		shortID(run.ID), run.Status, run.Mode, run.StartedAt.Local().Format(time.DateTime))

	if limit <= 0 {
		return nil
	}
	sessions, err := ledger.RecentSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nRecent sessions:")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  STARTED\tKIND\tFEATURE\tOUTCOME\tEXIT\tDURATION\tTOKENS")
	for _, s := range sessions {
		feature := s.FeatureID
		if feature == "" {
			feature = "-"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			s.StartedAt.Local().Format(time.DateTime), s.Kind, feature, s.Outcome,
			s.ExitCode, s.Duration.Round(time.Second), s.PromptTokens)
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return history.Truncate(s, n-3) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
