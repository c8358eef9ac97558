// Package config loads scryer's YAML configuration: environment-scoped
// worker identity, polling and lease tuning, the generator command line, and
// the daemon's concurrency knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable scryer reads at startup. Each field's yaml tag
// also names its SCRYER_<FIELD> environment override, upper-cased.
type Config struct {
	Workdir       string `yaml:"workdir"`
	DBPath        string `yaml:"db_path"`
	Repo          string `yaml:"repo"`
	Host          string `yaml:"host"`
	RepoNamespace string `yaml:"repo_namespace"`

	TriggerLabel string `yaml:"trigger_label"`
	BaseBranch   string `yaml:"base_branch"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	CodexTimeoutSeconds int `yaml:"codex_timeout_seconds"`
	MaxConcurrent       int `yaml:"max_concurrent"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	MaxIssuesPerDay     int `yaml:"max_issues_per_day"`

	BranchPrefix string `yaml:"branch_prefix"`

	CodexCmd          string   `yaml:"codex_cmd"`
	CodexArgs         []string `yaml:"codex_args"`
	CodexMode         string   `yaml:"codex_mode"`
	CodexAllowedTools string   `yaml:"codex_allowed_tools"`
	CodexModel        string   `yaml:"codex_model"`
	CodexCostGuard    string   `yaml:"codex_cost_guard"`

	SkipLabels       []string `yaml:"skip_labels"`
	ConventionsFiles []string `yaml:"conventions_files"`

	KeepWorktreeOnFailure bool `yaml:"keep_worktree_on_failure"`
	DraftPR               bool `yaml:"draft_pr"`
	IssueCommentOnSuccess bool `yaml:"issue_comment_on_success"`

	WorkerID string `yaml:"worker_id"`

	LogFile string `yaml:"log_file"`
	LogJSON bool   `yaml:"log_json"`
}

// DefaultConfig returns scryer's built-in defaults, applied before any
// config file or environment override.
func DefaultConfig() *Config {
	workerID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())
	return &Config{
		Workdir:               "./.scryer",
		Host:                  "github.com",
		TriggerLabel:          "enhancement",
		BaseBranch:            "main",
		PollIntervalSeconds:   60,
		CodexTimeoutSeconds:   900,
		MaxConcurrent:         1,
		LeaseSeconds:          2400,
		MaxAttempts:           2,
		MaxIssuesPerDay:       10,
		BranchPrefix:          "codex",
		CodexCmd:              "codex",
		CodexMode:             "run",
		SkipLabels:            []string{"wontfix", "blocked"},
		ConventionsFiles:      []string{"AGENTS.md", "CONTRIBUTING.md", "README.md"},
		KeepWorktreeOnFailure: false,
		DraftPR:               true,
		IssueCommentOnSuccess: false,
		WorkerID:              workerID,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "scryer"
	}
	return h
}

// Load reads configuration from a YAML file, applies ${VAR} expansion,
// then lets SCRYER_<FIELD> (and bare <FIELD>) environment variables
// override both the file and the compiled-in defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			data = expandEnvVars(data)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.ensureDirectories(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Workdir, "state.db")
	}
	return cfg, nil
}

func (c *Config) ensureDirectories() error {
	for _, dir := range []string{c.Workdir, filepath.Join(c.Workdir, "runs"), filepath.Join(c.Workdir, "worktrees")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// RunsDir returns the namespace-scoped runs directory.
func (c *Config) RunsDir(namespace string) string {
	return filepath.Join(c.Workdir, "runs", namespace)
}

// WorktreesDir returns the namespace-scoped worktrees directory.
func (c *Config) WorktreesDir(namespace string) string {
	return filepath.Join(c.Workdir, "worktrees", namespace)
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envPattern.FindSubmatch(match)[1])
		return []byte(os.Getenv(name))
	})
}

// coalesceEnv returns SCRYER_<NAME>, falling back to bare <NAME>.
func coalesceEnv(name string) (string, bool) {
	if v, ok := os.LookupEnv("SCRYER_" + name); ok {
		return v, true
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	return "", false
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := coalesceEnv("WORKDIR"); ok {
		cfg.Workdir = v
	}
	if v, ok := coalesceEnv("DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := coalesceEnv("REPO"); ok {
		cfg.Repo = v
	}
	if v, ok := coalesceEnv("HOST"); ok {
		cfg.Host = v
	}
	if v, ok := coalesceEnv("REPO_NAMESPACE"); ok {
		cfg.RepoNamespace = v
	}
	if v, ok := coalesceEnv("TRIGGER_LABEL"); ok {
		cfg.TriggerLabel = v
	}
	if v, ok := coalesceEnv("BASE_BRANCH"); ok {
		cfg.BaseBranch = v
	}
	if v, ok := coalesceEnv("BRANCH_PREFIX"); ok {
		cfg.BranchPrefix = v
	}
	if v, ok := coalesceEnv("CODEX_CMD"); ok {
		cfg.CodexCmd = v
	}
	if v, ok := coalesceEnv("CODEX_MODE"); ok {
		cfg.CodexMode = v
	}
	if v, ok := coalesceEnv("CODEX_ARGS"); ok {
		cfg.CodexArgs = parseList(v)
	}
	if v, ok := coalesceEnv("CODEX_ALLOWED_TOOLS"); ok {
		cfg.CodexAllowedTools = v
	}
	if v, ok := coalesceEnv("CODEX_MODEL"); ok {
		cfg.CodexModel = v
	}
	if v, ok := coalesceEnv("CODEX_COST_GUARD"); ok {
		cfg.CodexCostGuard = v
	}
	if v, ok := coalesceEnv("SKIP_LABELS"); ok {
		cfg.SkipLabels = parseList(v)
	}
	if v, ok := coalesceEnv("CONVENTIONS_FILES"); ok {
		cfg.ConventionsFiles = parseList(v)
	}
	if v, ok := coalesceEnv("WORKER_ID"); ok {
		cfg.WorkerID = v
	}
	if v, ok := coalesceEnv("LOG_FILE"); ok {
		cfg.LogFile = v
	}

	if v, ok := coalesceEnv("POLL_INTERVAL_SECONDS"); ok {
		cfg.PollIntervalSeconds = mustInt(v, cfg.PollIntervalSeconds)
	}
	if v, ok := coalesceEnv("CODEX_TIMEOUT_SECONDS"); ok {
		cfg.CodexTimeoutSeconds = mustInt(v, cfg.CodexTimeoutSeconds)
	}
	if v, ok := coalesceEnv("MAX_CONCURRENT"); ok {
		cfg.MaxConcurrent = mustInt(v, cfg.MaxConcurrent)
	}
	if v, ok := coalesceEnv("LEASE_SECONDS"); ok {
		cfg.LeaseSeconds = mustInt(v, cfg.LeaseSeconds)
	}
	if v, ok := coalesceEnv("MAX_ATTEMPTS"); ok {
		cfg.MaxAttempts = mustInt(v, cfg.MaxAttempts)
	}
	if v, ok := coalesceEnv("MAX_ISSUES_PER_DAY"); ok {
		cfg.MaxIssuesPerDay = mustInt(v, cfg.MaxIssuesPerDay)
	}

	if v, ok := coalesceEnv("KEEP_WORKTREE_ON_FAILURE"); ok {
		cfg.KeepWorktreeOnFailure = parseBool(v)
	}
	if v, ok := coalesceEnv("DRAFT_PR"); ok {
		cfg.DraftPR = parseBool(v)
	}
	if v, ok := coalesceEnv("ISSUE_COMMENT_ON_SUCCESS"); ok {
		cfg.IssueCommentOnSuccess = parseBool(v)
	}
	if v, ok := coalesceEnv("LOG_JSON"); ok {
		cfg.LogJSON = parseBool(v)
	}
}

func parseList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func mustInt(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}
