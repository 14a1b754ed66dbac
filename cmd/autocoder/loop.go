package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autocoder/internal/orch"
	"autocoder/pkg/config"
	"autocoder/pkg/eventlog"
	"autocoder/pkg/features"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/workspace"
)

type loopOptions struct {
	maxIterations int
	appSpec       string
	metricsAddr   string
}

func (a *app) runLoop(cmd *cobra.Command, opts *loopOptions) error {
	ctx := cmd.Context()

	e, err := a.openEnv(ctx, true)
	if err != nil {
		return err
	}
	defer e.close(true)

	cfg := e.cfg
	if cmd.Flags().Changed("max-iterations") {
		cfg.Loop.MaxIterations = opts.maxIterations
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.ListenAddr = opts.metricsAddr
	}

	if _, err := workspace.Setup(e.projectDir, workspace.SetupOptions{
		AppSpecSource: opts.appSpec,
		AppSpecFile:   cfg.Files.AppSpec,
	}); err != nil {
		return err
	}
	if err := a.runPreflight(ctx, e); err != nil {
		return err
	}

	events, err := eventlog.NewWriter(config.ResolvePath(e.projectDir, cfg.Files.ProgressLog))
	if err != nil {
		return logx.Wrap(err, "cannot open progress log")
	}
	defer func() { _ = events.Close() }()

	cooldown, err := orch.NewCooldownPolicy(cfg.Loop)
	if err != nil {
		return err
	}

	o, err := orch.New(orch.Options{
		ProjectDir:    e.projectDir,
		MaxIterations: cfg.Loop.MaxIterations,
		Store:         features.NewStore(config.ResolvePath(e.projectDir, cfg.Files.Registry)),
		Composer:      e.composer,
		Agent:         a.newAgent(cfg),
		AppSpecPath:   config.ResolvePath(e.projectDir, cfg.Files.AppSpec),
		Events:        events,
		Cooldown:      cooldown,
		Ledger:        e.orchLedger(),
		Recorder:      e.recorder,
		Tokens:        e.tokens,
	})
	if err != nil {
		return err
	}

	a.printLoopBanner(e.projectDir, cfg.Loop.MaxIterations)

	res, err := a.runWithMetrics(ctx, cfg.Metrics.ListenAddr, e.recorder, o.Run)
	if err != nil {
		return err
	}

	switch res.Reason {
	case orch.ReasonCompleted:
		fmt.Fprintf(a.stdout, "\n✅ ALL FEATURES COMPLETED! Total: %d features\n", res.Summary.Total)
	case orch.ReasonMaxIterations:
		fmt.Fprintf(a.stdout, "\nReached max iterations (%d). Progress: %s. Run again to continue.\n",
			cfg.Loop.MaxIterations, res.Summary)
	case orch.ReasonPaused:
		fmt.Fprintf(a.stdout, "\n⏸️  Paused by user after %d sessions. Run again to resume.\n", res.Sessions)
		return withCode(exitInterrupted, nil)
	}
	return nil
}

// runWithMetrics runs fn, serving metrics on addr for as long as it runs.
// A bind failure is reported before any session starts.
func (a *app) runWithMetrics(
	ctx context.Context,
	addr string,
	recorder *metrics.PrometheusRecorder,
	fn func(context.Context) (*orch.Result, error),
) (*orch.Result, error) {
	if addr == "" {
		return fn(ctx)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	var res *orch.Result
	var g errgroup.Group
	g.Go(func() error {
		// The endpoint is best effort; losing it never stops the sessions.
		if err := metrics.ServeListener(serveCtx, listener, recorder.Registry()); err != nil {
			logx.Warnf("Metrics endpoint stopped: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopServing()
		var runErr error
		res, runErr = fn(ctx)
		return runErr
	})
	err = g.Wait()
	return res, err
}

func (a *app) printLoopBanner(projectDir string, maxIterations int) {
	limit := "Unlimited"
	if maxIterations > 0 {
		limit = fmt.Sprint(maxIterations)
	}
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(a.stdout, "\n%s\n  AUTONOMOUS CODING AGENT\n%s\n", rule, rule)
	fmt.Fprintf(a.stdout, "  Project: %s\n", projectDir)
	fmt.Fprintf(a.stdout, "  Max iterations: %s\n", limit)
	if path := logx.LogFilePath(); path != "" {
		fmt.Fprintf(a.stdout, "  Log file: %s\n", path)
	}
	fmt.Fprintln(a.stdout)
	fmt.Fprintf(a.stdout, "  Press Ctrl+C to pause. Run again to resume.\n%s\n", rule)
}
