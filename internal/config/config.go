package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	WorkspaceRoot     string   `yaml:"workspace_root"`
	RulesPath         string   `yaml:"rules_path"`
	ProposalsRoot     string   `yaml:"proposals_root"`
	SandboxRoot       string   `yaml:"sandbox_root"`
	AllowedWriteRoots []string `yaml:"allowed_write_roots"`
	Connectors        []string `yaml:"connectors"`
	Agents            []string `yaml:"agents"`

	Ledger   LedgerConfig   `yaml:"ledger"`
	DB       DBConfig       `yaml:"db"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Apply    ApplyConfig    `yaml:"apply"`
	Tester   TesterConfig   `yaml:"tester"`
	Notify   NotifyConfig   `yaml:"notify"`
	Bus      BusConfig      `yaml:"bus"`
	Watch    WatchConfig    `yaml:"watch"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type LedgerConfig struct {
	Path           string `yaml:"path"`
	SigningKeyPath string `yaml:"signing_key_path"`
	KeyID          string `yaml:"key_id"`
}

type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AnalyzerConfig struct {
	ForbiddenImports []string `yaml:"forbidden_imports"`
	ForbiddenCalls   []string `yaml:"forbidden_calls"`
	NetworkModules   []string `yaml:"network_modules"`
	SecretMarkers    []string `yaml:"secret_markers"`
}

type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	AllowedEnv     []string      `yaml:"allowed_env"`
	Python         string        `yaml:"python"`
}

type ScoringConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type ApplyConfig struct {
	Mode      string `yaml:"mode"`
	GitBinary string `yaml:"git_binary"`
	RepoDir   string `yaml:"repo_dir"`
}

type TesterConfig struct {
	Entry   string        `yaml:"entry"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Channel      string        `yaml:"channel"`
	InboxPath    string        `yaml:"inbox_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type BusConfig struct {
	MaxConcurrentProposals int64 `yaml:"max_concurrent_proposals"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	ApplyDryRun = "dry-run"
	ApplyGit    = "git"

	DBMemory   = "memory"
	DBSQLite   = "sqlite"
	DBPostgres = "postgres"
)

// Load reads a YAML config file, expanding ${ENV} references, then fills defaults and validates.
func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Dir(path)
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// Default returns a config rooted at workspaceRoot with every default applied.
func Default(workspaceRoot string) Config {
	cfg := Config{WorkspaceRoot: workspaceRoot}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields. Relative paths are resolved against WorkspaceRoot.
func (c *Config) ApplyDefaults() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "."
	}
	if abs, err := filepath.Abs(c.WorkspaceRoot); err == nil {
		c.WorkspaceRoot = abs
	}

	c.RulesPath = c.resolve(c.RulesPath, filepath.Join("policies", "rules.yaml"))
	c.ProposalsRoot = c.resolve(c.ProposalsRoot, "proposals")
	c.SandboxRoot = c.resolve(c.SandboxRoot, "sandbox")
	c.Ledger.Path = c.resolve(c.Ledger.Path, filepath.Join("ledger", "ledger.jsonl"))
	if c.Ledger.SigningKeyPath != "" {
		c.Ledger.SigningKeyPath = c.resolve(c.Ledger.SigningKeyPath, "")
	}

	if len(c.AllowedWriteRoots) == 0 {
		c.AllowedWriteRoots = []string{"proposals", "ventures", "docs", "memory", "sandbox", "ledger"}
	}
	for i, root := range c.AllowedWriteRoots {
		c.AllowedWriteRoots[i] = c.resolve(root, "")
	}
	if len(c.Connectors) == 0 {
		c.Connectors = []string{"connectors/unreal_bridge.py"}
	}
	if len(c.Agents) == 0 {
		c.Agents = []string{"validator", "evaluator", "tester", "updater"}
	}

	if c.DB.Driver == "" {
		c.DB.Driver = DBSQLite
		if c.DB.DSN == "" {
			c.DB.DSN = "file:" + filepath.Join(filepath.Dir(c.Ledger.Path), "covenant.db")
		}
	}

	if len(c.Analyzer.ForbiddenImports) == 0 {
		c.Analyzer.ForbiddenImports = []string{"os", "subprocess", "socket", "shutil", "ctypes", "unsafe", "os/exec", "syscall"}
	}
	if len(c.Analyzer.ForbiddenCalls) == 0 {
		c.Analyzer.ForbiddenCalls = []string{"eval", "exec", "compile", "__import__", "os.system", "subprocess.Popen", "exec.Command"}
	}
	if len(c.Analyzer.NetworkModules) == 0 {
		c.Analyzer.NetworkModules = []string{"requests", "urllib", "http", "httpx", "aiohttp", "net/http", "net"}
	}
	if len(c.Analyzer.SecretMarkers) == 0 {
		c.Analyzer.SecretMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "API_KEY"}
	}

	if c.Sandbox.Timeout <= 0 {
		c.Sandbox.Timeout = 30 * time.Second
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		c.Sandbox.MaxOutputBytes = 1 << 20
	}
	if len(c.Sandbox.AllowedEnv) == 0 {
		c.Sandbox.AllowedEnv = []string{"PATH", "LANG"}
	}
	if c.Sandbox.Python == "" {
		c.Sandbox.Python = "python3"
	}

	if c.Scoring.MaxAttempts <= 0 {
		c.Scoring.MaxAttempts = 3
	}
	if c.Scoring.BaseBackoff <= 0 {
		c.Scoring.BaseBackoff = 500 * time.Millisecond
	}
	if c.Scoring.MaxBackoff <= 0 {
		c.Scoring.MaxBackoff = 10 * time.Second
	}

	if c.Apply.Mode == "" {
		c.Apply.Mode = ApplyDryRun
	}
	if c.Apply.GitBinary == "" {
		c.Apply.GitBinary = "git"
	}
	c.Apply.RepoDir = c.resolve(c.Apply.RepoDir, filepath.Join("sandbox", "repo"))
	if c.Tester.Timeout <= 0 {
		c.Tester.Timeout = 2 * time.Minute
	}

	if c.Notify.Channel == "" {
		c.Notify.Channel = "approvals"
	}
	if c.Notify.InboxPath == "" {
		c.Notify.InboxPath = filepath.Join("ledger", "approvals.jsonl")
	}
	c.Notify.InboxPath = c.resolve(c.Notify.InboxPath, "")
	if c.Notify.PollInterval <= 0 {
		c.Notify.PollInterval = 2 * time.Second
	}

	if c.Bus.MaxConcurrentProposals <= 0 {
		c.Bus.MaxConcurrentProposals = 4
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c Config) Validate() error {
	if c.RulesPath == "" {
		return fmt.Errorf("rules_path is required")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if !within(c.SandboxRoot, c.AllowedWriteRoots) {
		return fmt.Errorf("sandbox_root %s must be inside allowed_write_roots", c.SandboxRoot)
	}

	switch c.DB.Driver {
	case DBMemory:
	case DBSQLite, DBPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.driver=%s", c.DB.Driver)
		}
	default:
		return fmt.Errorf("unsupported db.driver: %s", c.DB.Driver)
	}

	switch c.Apply.Mode {
	case ApplyDryRun:
	case ApplyGit:
		if !within(c.Apply.RepoDir, []string{c.SandboxRoot}) {
			return fmt.Errorf("apply.repo_dir %s must be inside sandbox_root", c.Apply.RepoDir)
		}
	default:
		return fmt.Errorf("unsupported apply.mode: %s", c.Apply.Mode)
	}

	if c.Scoring.BaseBackoff > c.Scoring.MaxBackoff {
		return fmt.Errorf("scoring.base_backoff must not exceed scoring.max_backoff")
	}
	return nil
}

func (c Config) resolve(value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(c.WorkspaceRoot, value)
}

func within(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
