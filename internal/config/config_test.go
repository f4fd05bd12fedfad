package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Free", cfg.RateLimitPlan)
	assert.Equal(t, 30*time.Second, cfg.DashboardInterval)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit_plan: Team\ndashboard_addr: \":9000\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Team", cfg.RateLimitPlan)
	assert.Equal(t, ":9000", cfg.DashboardAddr)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("COORDCTL_RATE_LIMIT_PLAN", "Pro")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "Pro", cfg.RateLimitPlan)
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}
