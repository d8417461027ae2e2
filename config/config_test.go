package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/config"
	"github.com/flowforge/orchestrator/toolcatalog"
)

func TestLoadAppliesDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.MaxParallelWorkflows)
	assert.Equal(t, 6, cfg.MaxToolRounds)
	assert.Equal(t, []int{1, 2, 4}, cfg.LLMRetryBackoff)
	assert.Equal(t, "PROGRESSIVE", cfg.ToolStrategyDefault)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_parallel_workflows: 8
max_tool_rounds: 3
tool_strategy_default: full
keyword_to_servers:
  docker: [docker, kubernetes]
risk_rules:
  - keywords: [delete]
    level: high
    required_role: tech_lead
    justification_required: true
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxParallelWorkflows)
	assert.Equal(t, 3, cfg.MaxToolRounds)
	assert.Equal(t, toolcatalog.StrategyFull, cfg.Strategy())
	assert.Equal(t, []string{"docker", "kubernetes"}, cfg.KeywordToServers["docker"])

	rules, err := cfg.RiskRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"delete"}, rules[0].Keywords)
}

func TestLoadParsesBlockedTools(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
blocked_tools: [kubernetes.delete]
blocked_tool_tags: [destructive]
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	opts := cfg.ToolFilterOptions()
	assert.Equal(t, []string{"kubernetes.delete"}, opts.BlockTools)
	assert.Equal(t, []string{"destructive"}, opts.BlockTags)
}

func TestLoadEnvironmentOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_parallel_workflows: 8\n"), 0o600))
	t.Setenv("FLOWFORGE_MAX_PARALLEL_WORKFLOWS", "64")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.MaxParallelWorkflows)
}

func TestLoadRejectsUnknownToolStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tool_strategy_default: bogus\n"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnrecognizedRiskLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk_rules:
  - level: extreme
`), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
