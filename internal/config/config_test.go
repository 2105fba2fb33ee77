package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
app:
  env: prod
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, ":9980", cfg.App.HTTPAddr)
	assert.Equal(t, "daily", cfg.Budget.Window)
	assert.Equal(t, 0.4, cfg.Decision.Weights["technical"])
	assert.Equal(t, 0.7, cfg.Decision.RiskThresholds["high"])
	assert.Equal(t, 0.5, cfg.Budget.TierFractions["critical"])
	assert.True(t, cfg.Execution.Simulation, "simulation defaults on")
	assert.Equal(t, 1_000_000.0, cfg.Execution.SimStartingCash)
}

func TestLoadKeepsExplicitZeroValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
execution:
  simulation: false
schedule:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Execution.Simulation, "explicit false survives defaulting")
	assert.False(t, cfg.Schedule.Enabled)
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
budget:
  limit_cost_units: 500
decision:
  default_risk: low
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
decision:
  default_risk: high
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500.0, cfg.Budget.LimitCostUnits, "included file contributes")
	assert.Equal(t, "high", cfg.Decision.DefaultRisk, "including file wins")
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
budget:
  window: weekly
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget.window")
}
