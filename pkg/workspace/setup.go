// Package workspace prepares a project directory for autonomous sessions and
// verifies the files a run relies on.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"autocoder/pkg/config"
	"autocoder/pkg/logx"
	"autocoder/pkg/specs"
	"autocoder/pkg/utils"
)

// SettingsFileName is the agent sandbox settings file in the project root.
const SettingsFileName = ".claude_settings.json"

// Settings is the sandbox configuration handed to the agent CLI.
type Settings struct {
	Security  SecuritySettings `json:"security"`
	CreatedAt string           `json:"created_at"`
}

// SecuritySettings restricts the agent to the project directory.
type SecuritySettings struct {
	SandboxMode        bool     `json:"sandbox_mode"`
	AllowedDirectories []string `json:"allowed_directories"`
}

// SetupOptions configures Setup.
type SetupOptions struct {
	// AppSpecSource is copied to AppSpecFile when the project has none.
	AppSpecSource string
	// AppSpecFile is the project-relative app spec path. Empty means config.DefaultAppSpecFile.
	AppSpecFile string
	Logger      *logx.Logger
	Now         func() time.Time
}

// SetupReport lists what Setup created. Existing files are never replaced.
type SetupReport struct {
	ProjectDir      string
	CreatedDirs     []string
	AppSpecPath     string
	AppSpecCopied   bool
	SettingsPath    string
	SettingsWritten bool
}

// Setup creates the project and .autocoder directories, copies the app spec
// into place when the project has none, and writes the agent sandbox settings
// when absent. A missing AppSpecSource is specs.ErrSpecFileMissing.
func Setup(projectDir string, opts SetupOptions) (*SetupReport, error) {
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("workspace")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AppSpecFile == "" {
		opts.AppSpecFile = config.DefaultAppSpecFile
	}

	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory %s: %w", projectDir, err)
	}

	report := &SetupReport{
		ProjectDir:   abs,
		AppSpecPath:  config.ResolvePath(abs, opts.AppSpecFile),
		SettingsPath: filepath.Join(abs, SettingsFileName),
	}

	for _, dir := range []string{abs, filepath.Join(abs, config.ProjectConfigDir)} {
		created, err := ensureDir(dir)
		if err != nil {
			return report, err
		}
		if created {
			report.CreatedDirs = append(report.CreatedDirs, dir)
			opts.Logger.Debug("Created directory %s", dir)
		}
	}

	if opts.AppSpecSource != "" {
		copied, err := copyIfAbsent(opts.AppSpecSource, report.AppSpecPath)
		if err != nil {
			return report, err
		}
		report.AppSpecCopied = copied
		if copied {
			opts.Logger.Info("Copied app spec %s to %s", opts.AppSpecSource, report.AppSpecPath)
		} else {
			opts.Logger.Info("Project already has %s, keeping it", report.AppSpecPath)
		}
	}

	if !utils.FileExists(report.SettingsPath) {
		if err := writeSettings(report.SettingsPath, abs, opts.Now()); err != nil {
			return report, err
		}
		report.SettingsWritten = true
		opts.Logger.Debug("Wrote sandbox settings %s", report.SettingsPath)
	}

	return report, nil
}

func ensureDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", dir)
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return true, nil
}

// copyIfAbsent copies src to dst unless dst exists. The source is checked
// first so a typo in --app-spec is reported even for initialized projects.
func copyIfAbsent(src, dst string) (bool, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", specs.ErrSpecFileMissing, src)
		}
		return false, fmt.Errorf("failed to read app spec %s: %w", src, err)
	}
	if utils.FileExists(dst) {
		return false, nil
	}
	if err := utils.WriteFileAtomic(dst, data, 0644); err != nil {
		return false, fmt.Errorf("failed to copy app spec to %s: %w", dst, err)
	}
	return true, nil
}

func writeSettings(path, projectDir string, now time.Time) error {
	settings := Settings{
		Security: SecuritySettings{
			SandboxMode:        true,
			AllowedDirectories: []string{projectDir},
		},
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sandbox settings: %w", err)
	}
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sandbox settings: %w", err)
	}
	return nil
}

// ReadSettings loads the sandbox settings file of a project.
func ReadSettings(projectDir string) (*Settings, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, SettingsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox settings: %w", err)
	}
	return &s, nil
}
