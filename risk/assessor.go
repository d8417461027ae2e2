// Package risk implements the orchestrator's Risk Assessor (spec §4.5, half
// of C5): a pure function over a declarative rule table that classifies a
// task into a risk level, a required approver role, and whether a
// justification is mandatory.
//
// The rule table shape — ordered predicates, first match wins, labeled
// decision on match — is grounded on the teacher's policy engine
// (features/policy/basic/engine.go), which filters tool calls through an
// ordered allow/block rule set. Risk assessment specializes the same idea to
// classifying a Task instead of filtering a tool list; Assessor implements
// the shared policy.Engine interface (via Decide) so it and
// toolcatalog.ToolFilter are interchangeable gating components, the same
// way the teacher's Engine gates both plan steps and tool calls.
package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/policy"
)

// OpClass is an operation class a rule can match on (spec §4.5).
type OpClass string

const (
	OpRead   OpClass = "read"
	OpWrite  OpClass = "write"
	OpDelete OpClass = "delete"
	OpDeploy OpClass = "deploy"
	OpSecret OpClass = "secret"
)

// Rule is one row of the declarative rule table. A Task matches a Rule when
// every non-empty predicate field is satisfied; the first matching Rule in
// table order wins.
type Rule struct {
	// Keywords, if non-empty, requires at least one keyword to appear in the
	// task description (case-insensitive substring match).
	Keywords []string
	// Environments, if non-empty, requires task.Context["environment"] to be
	// one of these tags (e.g. "prod", "staging", "dev").
	Environments []string
	// OpClasses, if non-empty, requires task.Context["operation"] to be one
	// of these operation classes.
	OpClasses []OpClass
	// MinPriority, if set, requires task.Priority to be at least this level.
	MinPriority model.Priority

	Level                 model.RiskLevel
	RequiredRole          model.Role
	JustificationRequired bool
}

// Assessment is the result of assess(task) (spec §4.5).
type Assessment struct {
	Level                 model.RiskLevel
	RequiredRole          model.Role
	JustificationRequired bool
}

// Timeout returns the approval window for an assessment's level, per the
// spec §4.5 level table.
func (a Assessment) Timeout() timeoutDuration {
	return levelTimeouts[a.Level]
}

// Assessor evaluates Rules in order against a Task; unmatched tasks default
// to low risk (spec §4.5).
type Assessor struct {
	rules []Rule
}

// New constructs an Assessor from an ordered rule table.
func New(rules []Rule) *Assessor {
	return &Assessor{rules: rules}
}

// Assess is the pure function assess(task) -> {level, required_role,
// justification_required} (spec §4.5). It has no side effects and does not
// depend on anything but task and the configured rule table.
func (a *Assessor) Assess(task model.Task) Assessment {
	for _, rule := range a.rules {
		if ruleMatches(rule, task) {
			return Assessment{
				Level:                 rule.Level,
				RequiredRole:          rule.RequiredRole,
				JustificationRequired: rule.JustificationRequired,
			}
		}
	}
	return Assessment{Level: model.RiskLow}
}

// Decide implements policy.Engine by wrapping Assess: input.Task must hold a
// model.Task. It exists so callers that hold an Assessor through a
// policy.Engine handle (rather than a concrete *Assessor) can still classify
// risk; hitl.Manager keeps calling Assess directly since it already has the
// concrete type.
func (a *Assessor) Decide(_ context.Context, input policy.Input) (policy.Decision, error) {
	task, ok := input.Task.(model.Task)
	if !ok {
		return policy.Decision{}, fmt.Errorf("risk: policy.Input.Task is %T, want model.Task", input.Task)
	}
	assessment := a.Assess(task)
	return policy.Decision{
		Labels: map[string]string{
			"risk_level":    string(assessment.Level),
			"required_role": string(assessment.RequiredRole),
		},
	}, nil
}

func ruleMatches(rule Rule, task model.Task) bool {
	if len(rule.Keywords) > 0 && !anyKeywordPresent(rule.Keywords, task.Description) {
		return false
	}
	if len(rule.Environments) > 0 && !contextTagMatches(task.Context, "environment", rule.Environments) {
		return false
	}
	if len(rule.OpClasses) > 0 && !opClassMatches(rule.OpClasses, task.Context) {
		return false
	}
	if rule.MinPriority != "" && priorityRank(task.Priority) < priorityRank(rule.MinPriority) {
		return false
	}
	return true
}

func anyKeywordPresent(keywords []string, description string) bool {
	lower := strings.ToLower(description)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func contextTagMatches(ctx map[string]any, key string, allowed []string) bool {
	v, ok := ctx[key]
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(s, a) {
			return true
		}
	}
	return false
}

func opClassMatches(classes []OpClass, ctx map[string]any) bool {
	v, ok := ctx["operation"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, c := range classes {
		if strings.EqualFold(s, string(c)) {
			return true
		}
	}
	return false
}

var priorityOrder = map[model.Priority]int{
	model.PriorityLow:      0,
	model.PriorityMedium:   1,
	model.PriorityHigh:     2,
	model.PriorityCritical: 3,
}

func priorityRank(p model.Priority) int {
	return priorityOrder[p]
}
