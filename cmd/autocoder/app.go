package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"autocoder/internal/orch"
	"autocoder/pkg/agent"
	"autocoder/pkg/coder/claude"
	"autocoder/pkg/config"
	"autocoder/pkg/exec"
	"autocoder/pkg/logx"
	"autocoder/pkg/metrics"
	"autocoder/pkg/persistence"
	"autocoder/pkg/preflight"
	"autocoder/pkg/templates"
	"autocoder/pkg/utils"
	"autocoder/pkg/version"
)

// app holds the I/O streams and collaborator factories shared by every
// command. Tests replace the factories to avoid spawning a real agent.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	newAgent     func(cfg *config.Config) agent.Port
	newInstaller func(cfg *config.Config) preflight.AgentInstaller
	isTerminal   func() bool

	// persistent flags
	projectDir    string
	tee           bool
	debug         bool
	skipPreflight bool
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	a.newAgent = func(cfg *config.Config) agent.Port {
		return claude.NewRunner(exec.NewLocalExec(), agentOptions(cfg), nil).WithOutput(a.stdout, a.stderr)
	}
	a.newInstaller = func(cfg *config.Config) preflight.AgentInstaller {
		return claude.NewInstaller(exec.NewLocalExec(), cfg.Agent.Command, nil)
	}
	a.isTerminal = func() bool {
		f, ok := a.stdin.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
	return a
}

func agentOptions(cfg *config.Config) claude.Options {
	return claude.Options{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Model:          cfg.Agent.Model,
		Env:            cfg.Agent.Env,
		SessionTimeout: cfg.Agent.SessionTimeout.Std(),
		KillGrace:      cfg.Agent.KillGrace.Std(),
	}
}

// execute runs the command tree and maps the result to a process exit code.
func execute(ctx context.Context, args []string, a *app) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		command := config.DefaultAgentCommand
		if cfg, readErr := config.Read(a.absProjectDir()); readErr == nil {
			command = cfg.Agent.Command
		}
		reportError(a.stderr, err, command)
	}
	return exitCodeFor(err)
}

func (a *app) rootCmd() *cobra.Command {
	loop := &loopOptions{}
	root := &cobra.Command{
		Use:   "autocoder",
		Short: "Run an autonomous coding agent until every feature passes",
		Long: `autocoder drives the Claude Code CLI through repeated sessions against a
project directory. The first session turns app_spec.txt into feature_list.json;
each later session implements the next pending feature. Progress lives on disk,
so an interrupted run resumes where it stopped.

Examples:
  # Start or resume a project
  autocoder --project-dir ./my-app --app-spec ./spec.txt

  # Stop after five sessions
  autocoder --project-dir ./my-app --max-iterations 5

  # Implement one feature in an existing codebase
  autocoder feature "Add a rest timer to workout tracking"`,
		Version:       version.String(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runLoop(cmd, loop)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.projectDir, "project-dir", "p", ".", "Project directory")
	flags.BoolVar(&a.tee, "tee", false, "Output logs to both console and file (default: file only)")
	flags.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&a.skipPreflight, "skip-preflight", false, "Skip the agent CLI and workspace checks")

	root.Flags().IntVar(&loop.maxIterations, "max-iterations", 0, "Maximum number of agent sessions (0 = unlimited)")
	root.Flags().StringVar(&loop.appSpec, "app-spec", "", "Project specification copied to app_spec.txt when the project has none")
	root.Flags().StringVar(&loop.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(a.featureCmd(), a.statusCmd())
	return root
}

func (a *app) absProjectDir() string {
	abs, err := filepath.Abs(a.projectDir)
	if err != nil {
		return a.projectDir
	}
	return abs
}

// env is the per-command runtime: config, log file, ledger, metrics, prompts.
type env struct {
	projectDir string
	cfg        *config.Config
	ledger     *persistence.Ledger
	recorder   *metrics.PrometheusRecorder
	composer   *templates.Composer
	tokens     *utils.TokenCounter
	logger     *logx.Logger
}

// openEnv loads the project config and opens the shared resources. With
// persist set the config file is created or upgraded on disk.
func (a *app) openEnv(ctx context.Context, persist bool) (*env, error) {
	projectDir := a.absProjectDir()

	var (
		cfg *config.Config
		err error
	)
	if persist {
		cfg, err = config.Load(projectDir)
	} else {
		cfg, err = config.Read(projectDir)
	}
	if err != nil {
		return nil, err
	}

	if persist {
		// Initialize the log file before anything else logs.
		if err := logx.InitializeLogFile(config.ResolvePath(projectDir, cfg.Files.LogDir), a.tee); err != nil {
			return nil, err
		}
	}
	if a.debug || cfg.Debug.Enabled {
		logx.SetDebugConfig(true)
		logx.SetDebugDomains(cfg.Debug.Domains)
	}

	e := &env{
		projectDir: projectDir,
		cfg:        cfg,
		recorder:   metrics.NewPrometheusRecorder(),
		logger:     logx.NewLogger("autocoder"),
	}

	dirs := []string{config.ResolvePath(projectDir, cfg.Prompts.Dir)}
	if cfg.Prompts.SearchWorkspace {
		dirs = append(dirs, projectDir)
	}
	e.composer = templates.NewComposer(templates.Options{Dirs: dirs, Extensions: cfg.Prompts.Extensions})

	if e.tokens, err = utils.NewTokenCounter(); err != nil {
		e.logger.Warn("Token counting falls back to estimates: %v", err)
	}

	ledgerPath := config.ResolvePath(projectDir, cfg.Files.Ledger)
	if persist || utils.FileExists(ledgerPath) {
		ledger, err := persistence.Open(ledgerPath)
		if err != nil {
			e.logger.Warn("Session ledger unavailable, continuing without it: %v", err)
		} else {
			e.ledger = ledger
		}
	}
	if persist && e.ledger != nil {
		if n, err := e.ledger.MarkStaleRunsCrashed(ctx); err != nil {
			e.logger.Warn("Failed to check for crashed runs: %v", err)
		} else if n > 0 {
			e.logger.Warn("Marked %d unfinished run(s) from a previous process as crashed", n)
		}
	}
	return e, nil
}

// orchLedger returns the ledger as the interface the runners take, keeping
// a nil *Ledger from becoming a non-nil interface.
func (e *env) orchLedger() orch.Ledger {
	if e.ledger == nil {
		return nil
	}
	return e.ledger
}

// close flushes metrics and releases resources.
func (e *env) close(persist bool) {
	if persist && e.cfg.Metrics.Textfile != "" {
		path := config.ResolvePath(e.projectDir, e.cfg.Metrics.Textfile)
		if err := metrics.WriteTextfile(path, e.recorder.Registry()); err != nil {
			e.logger.Warn("Failed to write metrics textfile: %v", err)
		}
	}
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			e.logger.Warn("Failed to close ledger: %v", err)
		}
	}
	if persist {
		if err := logx.CloseLogFile(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	}
}

func (a *app) runPreflight(ctx context.Context, e *env) error {
	if a.skipPreflight {
		return nil
	}
	return preflight.Validate(ctx, preflight.Options{
		Agent:       a.newInstaller(e.cfg),
		AutoInstall: e.cfg.Agent.AutoInstall,
		ProjectDir:  e.projectDir,
	})
}
