package workspace

import (
	"context"
	"errors"
	"fmt"

	"autocoder/pkg/config"
	"autocoder/pkg/features"
	"autocoder/pkg/logx"
	"autocoder/pkg/persistence"
	"autocoder/pkg/utils"
)

// VerifyReport contains the results of workspace verification.
type VerifyReport struct {
	Warnings []string // Non-fatal diagnostics (no registry yet, no ledger)
	Failures []string // Files that exist but cannot be used
	OK       bool
}

// VerifyWorkspace checks that the files a run reads are usable: the config
// parses, the registry (if present) is well formed, and the ledger (if
// present) opens and answers queries. The registry and config are only read.
func VerifyWorkspace(ctx context.Context, projectDir string, cfg *config.Config, logger *logx.Logger) *VerifyReport {
	if logger == nil {
		logger = logx.NewLogger("verify")
	}
	rep := &VerifyReport{OK: true}

	fail := func(msg string, args ...any) {
		formatted := fmt.Sprintf(msg, args...)
		rep.Failures = append(rep.Failures, formatted)
		rep.OK = false
		logger.Error("Verification failure: %s", formatted)
	}
	warn := func(msg string, args ...any) {
		formatted := fmt.Sprintf(msg, args...)
		rep.Warnings = append(rep.Warnings, formatted)
		logger.Debug("Verification warning: %s", formatted)
	}

	if cfg == nil {
		var err error
		cfg, err = config.Read(projectDir)
		if err != nil {
			fail("config: %v", err)
			return rep
		}
	}

	registryPath := config.ResolvePath(projectDir, cfg.Files.Registry)
	if _, found, err := features.NewStore(registryPath).Load(); err != nil {
		fail("registry: %v", err)
	} else if !found {
		warn("registry %s does not exist yet (initializer has not run)", registryPath)
	}

	if !utils.FileExists(config.ResolvePath(projectDir, cfg.Files.AppSpec)) {
		warn("app spec %s is missing", cfg.Files.AppSpec)
	}

	ledgerPath := config.ResolvePath(projectDir, cfg.Files.Ledger)
	if !utils.FileExists(ledgerPath) {
		warn("ledger %s does not exist yet", ledgerPath)
		return rep
	}
	ledger, err := persistence.Open(ledgerPath)
	if err != nil {
		fail("ledger: %v", err)
		return rep
	}
	defer func() { _ = ledger.Close() }()
	if _, err := ledger.LatestRun(ctx); err != nil && !errors.Is(err, persistence.ErrRunNotFound) {
		fail("ledger query: %v", err)
	}

	return rep
}
