// Package policy defines the shared decision shape behind the orchestrator's
// two gating components: the Risk Assessor (spec §4.5), which decides
// whether a task needs human approval, and the tool catalog's allow/block
// filter (spec §4.4), which decides which tools an agent may see.
//
// Both are grounded on the teacher's policy engine
// (features/policy/basic/engine.go): an Engine takes an Input describing
// what's being evaluated and returns a Decision, rather than each caller
// hand-rolling its own gating logic. The teacher's Engine also threads a
// RetryHint through Decide to let a prior attempt's failure narrow a later
// one's tool set; this module's two Engine implementations don't need that
// (risk classification has no notion of a retry, and the tool filter's
// narrowing already happens in toolcatalog.Catalog.Select before Decide
// runs), so Input/Decision here are the minimal shape both callers actually
// use rather than a line-for-line port.
package policy

import "context"

// Input is what an Engine decides over. Which fields a given Engine reads
// depends on what it's deciding: risk.Assessor reads Task and ignores
// Candidates; a tool filter reads Candidates and ignores Task.
type Input struct {
	// Task is the task under evaluation, set when deciding risk.
	Task any
	// AgentName is the agent the decision is being made on behalf of.
	AgentName string
	// Candidates is the tool set under evaluation, set when filtering tools.
	Candidates []string
}

// Decision is an Engine's verdict. Allowed is populated by a tool filter
// (the subset of Candidates that passed); Labels carries any classification
// an Engine wants to attach (risk.Assessor sets "risk_level" and
// "required_role" here).
type Decision struct {
	Allowed []string
	Labels  map[string]string
}

// Engine is the shared shape of a gating decision: given an Input, decide.
// risk.Assessor and toolcatalog.ToolFilter both implement it.
type Engine interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}
