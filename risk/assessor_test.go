package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/policy"
	"github.com/flowforge/orchestrator/risk"
)

func standardRules() []risk.Rule {
	return []risk.Rule{
		{
			OpClasses:             []risk.OpClass{risk.OpSecret},
			Environments:          []string{"prod"},
			Level:                 model.RiskCritical,
			RequiredRole:          model.RoleDevOpsEngineer,
			JustificationRequired: true,
		},
		{
			OpClasses:    []risk.OpClass{risk.OpDeploy, risk.OpDelete},
			Environments: []string{"prod"},
			Level:        model.RiskHigh,
			RequiredRole: model.RoleTechLead,
		},
		{
			OpClasses:    []risk.OpClass{risk.OpWrite},
			Level:        model.RiskMedium,
			RequiredRole: model.RoleDeveloper,
		},
		{
			OpClasses: []risk.OpClass{risk.OpRead},
			Level:     model.RiskLow,
		},
	}
}

func TestAssessFirstMatchingRuleWins(t *testing.T) {
	a := risk.New(standardRules())
	task := model.Task{
		Description: "rotate the database secret",
		Context:     map[string]any{"operation": "secret", "environment": "prod"},
	}
	got := a.Assess(task)
	assert.Equal(t, model.RiskCritical, got.Level)
	assert.Equal(t, model.RoleDevOpsEngineer, got.RequiredRole)
	assert.True(t, got.JustificationRequired)
}

func TestAssessUnmatchedDefaultsToLow(t *testing.T) {
	a := risk.New(standardRules())
	got := a.Assess(model.Task{Description: "say hello", Context: map[string]any{}})
	assert.Equal(t, model.RiskLow, got.Level)
}

func TestAssessDeployInProdIsHigh(t *testing.T) {
	a := risk.New(standardRules())
	got := a.Assess(model.Task{
		Description: "deploy the new release",
		Context:     map[string]any{"operation": "deploy", "environment": "prod"},
	})
	assert.Equal(t, model.RiskHigh, got.Level)
	assert.Equal(t, model.RoleTechLead, got.RequiredRole)
}

func TestAssessDeployInDevDoesNotMatchProdRule(t *testing.T) {
	a := risk.New(standardRules())
	got := a.Assess(model.Task{
		Description: "deploy to dev",
		Context:     map[string]any{"operation": "deploy", "environment": "dev"},
	})
	assert.NotEqual(t, model.RiskHigh, got.Level)
}

func TestTimeoutTableMatchesSpecLevels(t *testing.T) {
	assert.Equal(t, time.Duration(0), risk.Assessment{Level: model.RiskLow}.Timeout())
	assert.Equal(t, 30*time.Minute, risk.Assessment{Level: model.RiskMedium}.Timeout())
	assert.Equal(t, 60*time.Minute, risk.Assessment{Level: model.RiskHigh}.Timeout())
	assert.Equal(t, 120*time.Minute, risk.Assessment{Level: model.RiskCritical}.Timeout())
}

func TestAssessorImplementsPolicyEngine(t *testing.T) {
	var engine policy.Engine = risk.New(standardRules())
	task := model.Task{
		Description: "rotate the database secret",
		Context:     map[string]any{"operation": "secret", "environment": "prod"},
	}
	decision, err := engine.Decide(context.Background(), policy.Input{Task: task})
	require.NoError(t, err)
	assert.Equal(t, string(model.RiskCritical), decision.Labels["risk_level"])
	assert.Equal(t, string(model.RoleDevOpsEngineer), decision.Labels["required_role"])
}

func TestDecideRejectsWrongInputType(t *testing.T) {
	a := risk.New(standardRules())
	_, err := a.Decide(context.Background(), policy.Input{Task: "not a task"})
	assert.Error(t, err)
}

func TestAssessIsPureAndDeterministic(t *testing.T) {
	a := risk.New(standardRules())
	task := model.Task{Description: "write a report", Context: map[string]any{"operation": "write"}}
	first := a.Assess(task)
	second := a.Assess(task)
	assert.Equal(t, first, second)
}
