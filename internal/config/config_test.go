package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	require.Equal(t, "parallel-", cfg.WorktreePrefix)
	require.Equal(t, 10, cfg.StaleThresholdMinutes)
	require.Equal(t, 3, cfg.MaxConcurrent)
	require.Equal(t, "base", cfg.SandboxTemplate)
	require.InDelta(t, 0.10, cfg.CostPerMinute, 1e-9)
	require.Equal(t, []int{80, 100}, cfg.Budget.WarningThresholds)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worktree_prefix: agent-
max_concurrent: 5
budget:
  monthly_limit: 200
  per_session_default: 5
  warning_thresholds: [50, 90]
team: platform
`), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, "agent-", cfg.WorktreePrefix)
	require.Equal(t, 5, cfg.MaxConcurrent)
	require.InDelta(t, 200.0, cfg.Budget.MonthlyLimit, 1e-9)
	require.Equal(t, []int{50, 90}, cfg.Budget.WarningThresholds)
	require.Equal(t, "platform", cfg.Extra["team"])

	// untouched keys keep their defaults
	require.Equal(t, "base", cfg.SandboxTemplate)
}

func TestLoadFromEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worktree_prefix: agent-\n"), 0o644))

	t.Setenv("FLEET_WORKTREE_PREFIX", "env-")
	t.Setenv("FLEET_MAX_CONCURRENT", "7")
	t.Setenv("FLEET_DB_PATH", "/tmp/other.db")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, "env-", cfg.WorktreePrefix)
	require.Equal(t, 7, cfg.MaxConcurrent)
	require.Equal(t, "/tmp/other.db", cfg.DBPath)
}

func TestLoadFromRejectsInvalidBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
budget:
  monthly_limit: -1
`), 0o644))

	_, err := LoadFrom(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "monthly_limit")
}

func TestBudgetValidate(t *testing.T) {
	cases := []struct {
		name   string
		budget Budget
		ok     bool
	}{
		{"empty", Budget{}, true},
		{"typical", Budget{MonthlyLimit: 100, PerSessionDefault: 5, WarningThresholds: []int{80, 100}}, true},
		{"negative limit", Budget{MonthlyLimit: -1}, false},
		{"negative per-session", Budget{PerSessionDefault: -0.5}, false},
		{"per-session over monthly", Budget{MonthlyLimit: 10, PerSessionDefault: 20}, false},
		{"threshold over 100", Budget{WarningThresholds: []int{80, 120}}, false},
		{"threshold zero", Budget{WarningThresholds: []int{0, 80}}, false},
		{"not increasing", Budget{WarningThresholds: []int{80, 80}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.budget.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSetBudgetValidatesBeforeMutation(t *testing.T) {
	cfg := Defaults()

	require.Error(t, cfg.Set("budget.monthly_limit", "-5"))
	require.InDelta(t, 0.0, cfg.Budget.MonthlyLimit, 1e-9)

	require.NoError(t, cfg.Set("budget.monthly_limit", "150"))
	require.InDelta(t, 150.0, cfg.Budget.MonthlyLimit, 1e-9)

	require.NoError(t, cfg.Set("budget.warning_thresholds", "50, 75, 100"))
	require.Equal(t, []int{50, 75, 100}, cfg.Budget.WarningThresholds)

	// a bad thresholds list leaves the committed one intact
	require.Error(t, cfg.Set("budget.warning_thresholds", "90, 10"))
	require.Equal(t, []int{50, 75, 100}, cfg.Budget.WarningThresholds)

	require.Error(t, cfg.Set("budget.nonsense", "1"))
}

func TestGetSetRoundTrip(t *testing.T) {
	cfg := Defaults()

	require.NoError(t, cfg.Set("worktree_prefix", "wt-"))
	v, ok := cfg.Get("worktree_prefix")
	require.True(t, ok)
	require.Equal(t, "wt-", v)

	require.NoError(t, cfg.Set("max_concurrent", "6"))
	v, ok = cfg.Get("max_concurrent")
	require.True(t, ok)
	require.Equal(t, "6", v)

	require.Error(t, cfg.Set("max_concurrent", "zero"))
	require.Error(t, cfg.Set("max_concurrent", "0"))

	// free-form keys land in Extra
	require.NoError(t, cfg.Set("team", "platform"))
	v, ok = cfg.Get("team")
	require.True(t, ok)
	require.Equal(t, "platform", v)

	_, ok = cfg.Get("missing")
	require.False(t, ok)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Defaults()
	require.NoError(t, cfg.Set("budget.monthly_limit", "42"))
	require.NoError(t, cfg.Set("team", "platform"))
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	require.InDelta(t, 42.0, loaded.Budget.MonthlyLimit, 1e-9)
	require.Equal(t, "platform", loaded.Extra["team"])
	require.Equal(t, cfg.WorktreePrefix, loaded.WorktreePrefix)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/x/y.db")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "x", "y.db"), got)

	got, err = ExpandPath("/abs/path.db")
	require.NoError(t, err)
	require.Equal(t, "/abs/path.db", got)

	got, err = ExpandPath("~")
	require.NoError(t, err)
	require.Equal(t, home, got)
}
