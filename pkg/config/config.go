// Package config loads, validates, and persists the per-project configuration
// stored at <project>/.autocoder/config.json.
//
// Behavior of Load:
//   - Missing file: defaults are written to disk and returned.
//   - Existing file: parsed, missing sections filled with defaults, validated,
//     and written back so older files pick up new fields.
//   - Unparseable file: error, and the file is left alone so the operator's
//     edits are never overwritten.
//
// The config is passed explicitly to the components that need it; there is no
// package-level instance.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autocoder/pkg/logx"
	"autocoder/pkg/utils"
)

// Project layout constants.
const (
	ProjectConfigDir = ".autocoder"
	ConfigFileName   = "config.json"
	SchemaVersion    = "1.0"
)

// Default file locations, relative to the project directory.
const (
	DefaultRegistryFile    = "feature_list.json"
	DefaultProgressLogFile = "claude-progress.txt"
	DefaultHistoryFile     = ".feature-history.json"
	DefaultAppSpecFile     = "app_spec.txt"
	DefaultLedgerFile      = ProjectConfigDir + "/autocoder.db"
	DefaultLogDir          = ProjectConfigDir + "/logs"
	DefaultPromptsDir      = ProjectConfigDir + "/prompts"
	DefaultMetricsTextfile = ProjectConfigDir + "/metrics.prom"
)

// Cooldown policy names.
const (
	CooldownConstant    = "constant"
	CooldownExponential = "exponential"
	CooldownNone        = "none"
)

// Defaults for the session loop and agent.
const (
	DefaultAgentCommand       = "claude"
	DefaultCooldownDelay      = 3 * time.Second
	DefaultCooldownMaxDelay   = 2 * time.Minute
	DefaultCooldownMultiplier = 2.0
	DefaultKillGrace          = 10 * time.Second
	DefaultHistoryLimit       = 50
)

// ErrInvalidConfig is returned when a config value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the project configuration.
type Config struct {
	SchemaVersion string         `json:"schema_version"`
	Agent         *AgentConfig   `json:"agent"`
	Loop          *LoopConfig    `json:"loop"`
	Files         *FilesConfig   `json:"files"`
	Prompts       *PromptsConfig `json:"prompts"`
	History       *HistoryConfig `json:"history"`
	Metrics       *MetricsConfig `json:"metrics"`
	Debug         *DebugConfig   `json:"debug"`
}

// AgentConfig describes how the external agent CLI is launched.
type AgentConfig struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Model          string            `json:"model,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	SessionTimeout Duration          `json:"session_timeout"` // 0 = no limit
	KillGrace      Duration          `json:"kill_grace"`
	AutoInstall    bool              `json:"auto_install"`
}

// LoopConfig controls the session loop.
type LoopConfig struct {
	MaxIterations      int      `json:"max_iterations"` // 0 = unlimited
	Cooldown           string   `json:"cooldown"`
	CooldownDelay      Duration `json:"cooldown_delay"`
	CooldownMaxDelay   Duration `json:"cooldown_max_delay"`
	CooldownMultiplier float64  `json:"cooldown_multiplier"`
}

// FilesConfig names the workspace files. Relative paths resolve against the project directory.
type FilesConfig struct {
	Registry    string `json:"registry"`
	ProgressLog string `json:"progress_log"`
	History     string `json:"history"`
	AppSpec     string `json:"app_spec"`
	Ledger      string `json:"ledger"`
	LogDir      string `json:"log_dir"`
}

// PromptsConfig controls prompt template lookup.
type PromptsConfig struct {
	Dir             string   `json:"dir"`
	Extensions      []string `json:"extensions"`
	SearchWorkspace bool     `json:"search_workspace"`
}

// HistoryConfig controls the single-feature history.
type HistoryConfig struct {
	Limit int `json:"limit"`
}

// MetricsConfig controls metrics exposition.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"` // empty disables the HTTP endpoint
	Textfile   string `json:"textfile,omitempty"`    // empty disables the textfile export
}

// DebugConfig controls debug logging.
type DebugConfig struct {
	Enabled bool     `json:"enabled"`
	Domains []string `json:"domains,omitempty"`
}

// Path returns the config file path for a project.
func Path(projectDir string) string {
	return filepath.Join(projectDir, ProjectConfigDir, ConfigFileName)
}

// Default returns a config with every section populated.
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Agent: &AgentConfig{
			Command:   DefaultAgentCommand,
			Args:      []string{"-p", "--dangerously-skip-permissions"},
			KillGrace: Duration(DefaultKillGrace),
		},
		Loop: &LoopConfig{
			Cooldown:           CooldownConstant,
			CooldownDelay:      Duration(DefaultCooldownDelay),
			CooldownMaxDelay:   Duration(DefaultCooldownMaxDelay),
			CooldownMultiplier: DefaultCooldownMultiplier,
		},
		Files: &FilesConfig{
			Registry:    DefaultRegistryFile,
			ProgressLog: DefaultProgressLogFile,
			History:     DefaultHistoryFile,
			AppSpec:     DefaultAppSpecFile,
			Ledger:      DefaultLedgerFile,
			LogDir:      DefaultLogDir,
		},
		Prompts: &PromptsConfig{
			Dir:             DefaultPromptsDir,
			Extensions:      []string{".md", ".txt"},
			SearchWorkspace: true,
		},
		History: &HistoryConfig{Limit: DefaultHistoryLimit},
		Metrics: &MetricsConfig{Textfile: DefaultMetricsTextfile},
		Debug:   &DebugConfig{},
	}
}

// Load reads the project config, creating it with defaults when missing.
func Load(projectDir string) (*Config, error) {
	return load(projectDir, true)
}

// Read is Load without writing anything to disk. A missing file yields defaults.
func Read(projectDir string) (*Config, error) {
	return load(projectDir, false)
}

func load(projectDir string, persist bool) (*Config, error) {
	logger := logx.NewLogger("config")
	configPath := Path(projectDir)

	cfg, err := loadConfigFromFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = Default()
		if persist {
			logger.Info("Config file not found, creating %s", configPath)
		}
	case err != nil:
		return nil, fmt.Errorf("config file exists but cannot be parsed (fix or remove it): %w", err)
	default:
		logger.Debug("Loaded config from %s", configPath)
	}

	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if persist {
		if err := Save(cfg, projectDir); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadConfigFromFile loads a config file and parses JSON.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}
	return &cfg, nil
}

// Save writes cfg to <projectDir>/.autocoder/config.json.
func Save(cfg *Config, projectDir string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := utils.WriteFileAtomic(Path(projectDir), data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyDefaults fills in missing sections and zero values that have a default.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	if cfg.Agent == nil {
		cfg.Agent = def.Agent
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = def.Agent.Command
	}
	if cfg.Agent.Args == nil {
		cfg.Agent.Args = def.Agent.Args
	}
	if cfg.Agent.KillGrace == 0 {
		cfg.Agent.KillGrace = def.Agent.KillGrace
	}

	if cfg.Loop == nil {
		cfg.Loop = def.Loop
	}
	if cfg.Loop.Cooldown == "" {
		cfg.Loop.Cooldown = def.Loop.Cooldown
	}
	if cfg.Loop.CooldownDelay == 0 && cfg.Loop.Cooldown != CooldownNone {
		cfg.Loop.CooldownDelay = def.Loop.CooldownDelay
	}
	if cfg.Loop.CooldownMaxDelay == 0 {
		cfg.Loop.CooldownMaxDelay = def.Loop.CooldownMaxDelay
	}
	if cfg.Loop.CooldownMultiplier == 0 {
		cfg.Loop.CooldownMultiplier = def.Loop.CooldownMultiplier
	}

	if cfg.Files == nil {
		cfg.Files = def.Files
	}
	setDefault(&cfg.Files.Registry, def.Files.Registry)
	setDefault(&cfg.Files.ProgressLog, def.Files.ProgressLog)
	setDefault(&cfg.Files.History, def.Files.History)
	setDefault(&cfg.Files.AppSpec, def.Files.AppSpec)
	setDefault(&cfg.Files.Ledger, def.Files.Ledger)
	setDefault(&cfg.Files.LogDir, def.Files.LogDir)

	if cfg.Prompts == nil {
		cfg.Prompts = def.Prompts
	}
	setDefault(&cfg.Prompts.Dir, def.Prompts.Dir)
	if len(cfg.Prompts.Extensions) == 0 {
		cfg.Prompts.Extensions = def.Prompts.Extensions
	}

	if cfg.History == nil {
		cfg.History = def.History
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = def.History.Limit
	}

	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
	if cfg.Debug == nil {
		cfg.Debug = def.Debug
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func validateConfig(cfg *Config) error {
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return fmt.Errorf("%w: agent.command must not be empty", ErrInvalidConfig)
	}
	if cfg.Agent.SessionTimeout < 0 || cfg.Agent.KillGrace < 0 {
		return fmt.Errorf("%w: agent timeouts must not be negative", ErrInvalidConfig)
	}
	if cfg.Loop.MaxIterations < 0 {
		return fmt.Errorf("%w: loop.max_iterations must be >= 0 (got %d)", ErrInvalidConfig, cfg.Loop.MaxIterations)
	}
	switch cfg.Loop.Cooldown {
	case CooldownConstant, CooldownExponential, CooldownNone:
	default:
		return fmt.Errorf("%w: loop.cooldown must be one of %s, %s, %s (got %q)",
			ErrInvalidConfig, CooldownConstant, CooldownExponential, CooldownNone, cfg.Loop.Cooldown)
	}
	if cfg.Loop.CooldownDelay < 0 || cfg.Loop.CooldownMaxDelay < 0 {
		return fmt.Errorf("%w: cooldown delays must not be negative", ErrInvalidConfig)
	}
	if cfg.Loop.Cooldown == CooldownExponential && cfg.Loop.CooldownMultiplier < 1 {
		return fmt.Errorf("%w: loop.cooldown_multiplier must be >= 1 (got %g)", ErrInvalidConfig, cfg.Loop.CooldownMultiplier)
	}
	if cfg.History.Limit < 1 {
		return fmt.Errorf("%w: history.limit must be >= 1 (got %d)", ErrInvalidConfig, cfg.History.Limit)
	}
	return nil
}

// ResolvePath resolves p against projectDir unless it is absolute.
func ResolvePath(projectDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectDir, p)
}
