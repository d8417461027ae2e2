package toolcatalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/toolcatalog"
)

func keywordMap() map[string][]string {
	return map[string][]string{
		"docker": {"docker", "kubernetes"},
		"test":   {"pytest", "playwright"},
		"deploy": {"terraform", "kubernetes", "github"},
		"search": {"context7", "vector-search"},
	}
}

func seedCatalog(t *testing.T) *toolcatalog.Catalog {
	t.Helper()
	c := toolcatalog.New(keywordMap())
	tools := []model.Tool{
		{Name: "docker.build", Server: "docker", Tags: []string{"build"}},
		{Name: "kubernetes.apply", Server: "kubernetes", Tags: []string{"deploy", "high-priority"}},
		{Name: "pytest.run", Server: "pytest", Tags: []string{"test"}},
		{Name: "terraform.plan", Server: "terraform", Tags: []string{"deploy"}},
		{Name: "context7.lookup", Server: "context7", Tags: []string{"search"}},
		{Name: "slack.notify", Server: "slack", Tags: []string{"notify"}},
	}
	for _, tool := range tools {
		require.NoError(t, c.RegisterTool(tool))
	}
	c.RegisterAgentProfile(model.AgentProfile{
		AgentName:        "deployer",
		AllowedServers:   []string{"terraform", "kubernetes"},
		RecommendedTools: []string{"slack.notify"},
	})
	return c
}

func TestRegisterToolRejectsInvalidSchema(t *testing.T) {
	c := toolcatalog.New(nil)
	err := c.RegisterTool(model.Tool{Name: "bad", InputSchema: []byte(`{not json`)})
	assert.Error(t, err)
}

func TestGetReturnsNotFoundForUnregisteredTool(t *testing.T) {
	c := toolcatalog.New(nil)
	_, err := c.Get("missing")
	assert.Error(t, err)
}

func TestValidateInputAgainstSchema(t *testing.T) {
	c := toolcatalog.New(nil)
	schema := []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	require.NoError(t, c.RegisterTool(model.Tool{Name: "fs.read", InputSchema: schema}))

	assert.NoError(t, c.ValidateInput("fs.read", []byte(`{"path":"/tmp/x"}`)))
	assert.Error(t, c.ValidateInput("fs.read", []byte(`{}`)))
}

func TestSelectMinimalUnionsKeywordServers(t *testing.T) {
	c := seedCatalog(t)
	tools, err := c.Select(context.Background(), "please deploy with docker", "", toolcatalog.StrategyMinimal)
	require.NoError(t, err)

	names := toolNames(tools)
	assert.Contains(t, names, "docker.build")
	assert.Contains(t, names, "kubernetes.apply")
	assert.Contains(t, names, "terraform.plan")
	assert.NotContains(t, names, "slack.notify", "minimal must only match via keyword->server mapping")
}

func TestSelectMinimalIsDeterministic(t *testing.T) {
	c := seedCatalog(t)
	first, err := c.Select(context.Background(), "deploy docker test", "", toolcatalog.StrategyMinimal)
	require.NoError(t, err)
	second, err := c.Select(context.Background(), "deploy docker test", "", toolcatalog.StrategyMinimal)
	require.NoError(t, err)
	assert.Equal(t, toolNames(first), toolNames(second))
}

func TestSelectAgentProfileUnionsRecommendedAndAllowedServers(t *testing.T) {
	c := seedCatalog(t)
	tools, err := c.Select(context.Background(), "anything", "deployer", toolcatalog.StrategyAgentProfile)
	require.NoError(t, err)

	names := toolNames(tools)
	assert.Contains(t, names, "slack.notify")
	assert.Contains(t, names, "terraform.plan")
	assert.Contains(t, names, "kubernetes.apply")
	assert.NotContains(t, names, "pytest.run")
}

func TestSelectProgressiveMergesMinimalAndHighPriorityProfile(t *testing.T) {
	c := seedCatalog(t)
	tools, err := c.Select(context.Background(), "deploy", "deployer", toolcatalog.StrategyProgressive)
	require.NoError(t, err)
	names := toolNames(tools)
	assert.Contains(t, names, "terraform.plan", "minimal match via deploy keyword")
	assert.Contains(t, names, "kubernetes.apply", "high-priority tool from agent profile")
}

func TestSelectFullReturnsEverything(t *testing.T) {
	c := seedCatalog(t)
	tools, err := c.Select(context.Background(), "", "", toolcatalog.StrategyFull)
	require.NoError(t, err)
	assert.Len(t, tools, 6)
}

func TestSelectMinimalCapsAtThirty(t *testing.T) {
	c := toolcatalog.New(map[string][]string{"x": {"srv"}})
	for i := 0; i < 50; i++ {
		require.NoError(t, c.RegisterTool(model.Tool{Name: toolName(i), Server: "srv"}))
	}
	tools, err := c.Select(context.Background(), "x", "", toolcatalog.StrategyMinimal)
	require.NoError(t, err)
	assert.Len(t, tools, 30)
}

func TestSelectAppliesPolicyEngineBlockList(t *testing.T) {
	filter := toolcatalog.NewToolFilter(toolcatalog.ToolFilterOptions{
		BlockTools: []string{"kubernetes.apply"},
	})
	c := toolcatalog.New(keywordMap(), toolcatalog.WithPolicyEngine(filter))
	tools := []model.Tool{
		{Name: "docker.build", Server: "docker", Tags: []string{"build"}},
		{Name: "kubernetes.apply", Server: "kubernetes", Tags: []string{"deploy", "high-priority"}},
	}
	for _, tool := range tools {
		require.NoError(t, c.RegisterTool(tool))
	}

	selected, err := c.Select(context.Background(), "please deploy with docker", "", toolcatalog.StrategyMinimal)
	require.NoError(t, err)

	names := toolNames(selected)
	assert.Contains(t, names, "docker.build")
	assert.NotContains(t, names, "kubernetes.apply", "blocked tool must not survive policy filtering")
}

func TestSelectAppliesPolicyEngineAllowTags(t *testing.T) {
	filter := toolcatalog.NewToolFilter(toolcatalog.ToolFilterOptions{
		AllowTags: []string{"build"},
	})
	c := toolcatalog.New(nil, toolcatalog.WithPolicyEngine(filter))
	require.NoError(t, c.RegisterTool(model.Tool{Name: "docker.build", Tags: []string{"build"}}))
	require.NoError(t, c.RegisterTool(model.Tool{Name: "slack.notify", Tags: []string{"notify"}}))

	selected, err := c.Select(context.Background(), "", "", toolcatalog.StrategyFull)
	require.NoError(t, err)

	names := toolNames(selected)
	assert.Equal(t, []string{"docker.build"}, names)
}

func toolName(i int) string {
	return "tool-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func toolNames(tools []model.Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}
