// Package config loads the user-scoped fleet configuration.
//
// Resolution order: built-in defaults, then ~/.fleet/config.yaml, then
// FLEET_* environment overrides. The budget subtree is validated before
// any mutation so `fleet config set` cannot persist a broken cap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codefleet/fleet/internal/util"
)

const (
	// FleetDir is the per-user state directory under $HOME.
	FleetDir = ".fleet"
	// ConfigFileName is the config file inside FleetDir.
	ConfigFileName = "config.yaml"
)

// Budget caps spend across sandbox runs. Zero limits mean "no cap".
type Budget struct {
	MonthlyLimit      float64 `yaml:"monthly_limit"`
	PerSessionDefault float64 `yaml:"per_session_default"`
	// WarningThresholds are percentages of the cap at which warnings
	// fire, strictly increasing, each in 1..100.
	WarningThresholds []int `yaml:"warning_thresholds"`
}

// Validate rejects budgets that the sandbox manager could not enforce.
func (b Budget) Validate() error {
	if b.MonthlyLimit < 0 {
		return fmt.Errorf("budget.monthly_limit must be >= 0, got %v", b.MonthlyLimit)
	}
	if b.PerSessionDefault < 0 {
		return fmt.Errorf("budget.per_session_default must be >= 0, got %v", b.PerSessionDefault)
	}
	if b.MonthlyLimit > 0 && b.PerSessionDefault > b.MonthlyLimit {
		return fmt.Errorf("budget.per_session_default (%v) exceeds budget.monthly_limit (%v)", b.PerSessionDefault, b.MonthlyLimit)
	}
	prev := 0
	for _, pct := range b.WarningThresholds {
		if pct < 1 || pct > 100 {
			return fmt.Errorf("budget.warning_thresholds entries must be in 1..100, got %d", pct)
		}
		if pct <= prev {
			return fmt.Errorf("budget.warning_thresholds must be strictly increasing, got %v", b.WarningThresholds)
		}
		prev = pct
	}
	return nil
}

// Config is the full user configuration. Unknown keys round-trip
// through Extra so `fleet config set` can store free-form values.
type Config struct {
	// DBPath is a SQLite file path or a postgres:// DSN.
	DBPath                string  `yaml:"db_path"`
	WorktreePrefix        string  `yaml:"worktree_prefix"`
	StaleThresholdMinutes int     `yaml:"stale_threshold_minutes"`
	MaxConcurrent         int     `yaml:"max_concurrent"`
	SandboxTemplate       string  `yaml:"sandbox_template"`
	CostPerMinute         float64 `yaml:"cost_per_minute"`
	Budget                Budget  `yaml:"budget"`

	Extra map[string]string `yaml:",inline"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DBPath:                filepath.Join("~", FleetDir, "fleet.db"),
		WorktreePrefix:        "parallel-",
		StaleThresholdMinutes: 10,
		MaxConcurrent:         3,
		SandboxTemplate:       "base",
		CostPerMinute:         0.10,
		Budget: Budget{
			WarningThresholds: []int{80, 100},
		},
	}
}

// UserConfigPath returns ~/.fleet/config.yaml.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, FleetDir, ConfigFileName), nil
}

// Load reads the user config file (if present) over the defaults and
// applies FLEET_* environment overrides.
func Load() (*Config, error) {
	path, err := UserConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load against an explicit file path. A missing file is
// not an error; defaults and env overrides still apply.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()
	if err := ReadFile(path, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ReadFile merges the YAML file at path into cfg. A missing file is not
// an error. No env overrides are applied; used by `config set` so shell
// overrides never get persisted.
func ReadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLEET_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("FLEET_WORKTREE_PREFIX"); v != "" {
		c.WorktreePrefix = v
	}
	if v := os.Getenv("FLEET_SANDBOX_TEMPLATE"); v != "" {
		c.SandboxTemplate = v
	}
	if v := os.Getenv("FLEET_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("FLEET_COST_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.CostPerMinute = f
		}
	}
}

// Save writes the config atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// Get returns the value for a dotted key. Unknown keys fall back to
// the free-form Extra map.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "db_path":
		return c.DBPath, true
	case "worktree_prefix":
		return c.WorktreePrefix, true
	case "stale_threshold_minutes":
		return strconv.Itoa(c.StaleThresholdMinutes), true
	case "max_concurrent":
		return strconv.Itoa(c.MaxConcurrent), true
	case "sandbox_template":
		return c.SandboxTemplate, true
	case "cost_per_minute":
		return formatFloat(c.CostPerMinute), true
	case "budget.monthly_limit":
		return formatFloat(c.Budget.MonthlyLimit), true
	case "budget.per_session_default":
		return formatFloat(c.Budget.PerSessionDefault), true
	case "budget.warning_thresholds":
		return joinInts(c.Budget.WarningThresholds), true
	}
	v, ok := c.Extra[key]
	return v, ok
}

// Set updates a dotted key. Budget keys are validated against a copy
// of the subtree before the change is committed.
func (c *Config) Set(key, value string) error {
	if strings.HasPrefix(key, "budget.") {
		return c.setBudget(key, value)
	}

	switch key {
	case "db_path":
		c.DBPath = value
	case "worktree_prefix":
		c.WorktreePrefix = value
	case "sandbox_template":
		c.SandboxTemplate = value
	case "stale_threshold_minutes":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive integer, got %q", key, value)
		}
		c.StaleThresholdMinutes = n
	case "max_concurrent":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive integer, got %q", key, value)
		}
		c.MaxConcurrent = n
	case "cost_per_minute":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %q", key, value)
		}
		c.CostPerMinute = f
	default:
		if c.Extra == nil {
			c.Extra = map[string]string{}
		}
		c.Extra[key] = value
	}
	return nil
}

func (c *Config) setBudget(key, value string) error {
	next := c.Budget
	next.WarningThresholds = append([]int(nil), c.Budget.WarningThresholds...)

	switch key {
	case "budget.monthly_limit":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number, got %q", key, value)
		}
		next.MonthlyLimit = f
	case "budget.per_session_default":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number, got %q", key, value)
		}
		next.PerSessionDefault = f
	case "budget.warning_thresholds":
		thresholds, err := parseInts(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		next.WarningThresholds = thresholds
	default:
		return fmt.Errorf("unknown budget key %q", key)
	}

	if err := next.Validate(); err != nil {
		return err
	}
	c.Budget = next
	return nil
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("expected a comma-separated list of integers, got %q", s)
	}
	return out, nil
}
