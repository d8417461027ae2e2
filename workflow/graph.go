// Package workflow's graph.go defines the agent graph itself (spec §4.6):
// Router nodes that branch on state, a Supervisor node that asks an LLM to
// pick the next specialist, and specialist nodes that run the bounded
// tool-call loop. The Approval Gate is not a node of its own: it wraps a
// state-changing specialist's node function (see withApprovalGate).
package workflow

import (
	"context"
	"fmt"

	"github.com/flowforge/orchestrator/model"
)

// NodeFunc runs one graph node over state and returns the mutated state plus
// the name of the next node to run ("" ends the workflow).
type NodeFunc func(ctx context.Context, wctx WorkflowContext, state model.WorkflowState) (model.WorkflowState, string, error)

// Graph is a named collection of nodes with a designated entry point.
type Graph struct {
	entry string
	nodes map[string]NodeFunc
}

// NewGraph constructs a Graph starting at entry.
func NewGraph(entry string) *Graph {
	return &Graph{entry: entry, nodes: make(map[string]NodeFunc)}
}

// AddNode registers fn under name.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// RouterFunc chooses the next node name given the current state, without
// itself mutating state (spec §4.6's Router node).
type RouterFunc func(state model.WorkflowState) string

// AddRouter registers a pure routing node: it changes NodeName to the
// router's decision and passes state through unmodified.
func (g *Graph) AddRouter(name string, route RouterFunc) *Graph {
	return g.AddNode(name, func(_ context.Context, _ WorkflowContext, state model.WorkflowState) (model.WorkflowState, string, error) {
		next := route(state)
		state.NodeName = next
		return state, next, nil
	})
}

// maxGraphSteps bounds runaway routing loops (a node graph is not expected
// to exceed a few dozen hops even with router fan-out).
const maxGraphSteps = 256

// Run drives state through the graph starting at g.entry (or state.NodeName
// if the state is resuming mid-graph) until a node returns next=="" or an
// error occurs.
func (g *Graph) Run(ctx context.Context, wctx WorkflowContext, state model.WorkflowState) (model.WorkflowState, error) {
	current := g.entry
	if state.NodeName != "" {
		current = state.NodeName
	}
	for step := 0; ; step++ {
		if step >= maxGraphSteps {
			return state, fmt.Errorf("workflow: exceeded %d graph steps, likely a routing cycle", maxGraphSteps)
		}
		node, ok := g.nodes[current]
		if !ok {
			return state, fmt.Errorf("workflow: node %q not found", current)
		}
		var next string
		var err error
		state, next, err = node(ctx, wctx, state)
		if err != nil {
			return state, err
		}
		if next == "" {
			return state, nil
		}
		current = next
	}
}

// SupervisorDecision is the structured choice a Supervisor node's LLM call
// must return (spec §4.6): the name of the specialist to delegate to next.
type SupervisorDecision struct {
	NextAgent string
	Reason    string
}

// SupervisorChooser asks an LLM (or any decision source) which specialist
// should run next, given the running state. It returns a SupervisorDecision
// whose NextAgent names a specialist in the Supervisor's allowed set; an
// empty NextAgent is treated like an error and falls back to
// SupervisorOptions.DefaultAgent.
type SupervisorChooser func(ctx context.Context, state model.WorkflowState) (SupervisorDecision, error)

// SupervisorOptions configures a Supervisor node.
type SupervisorOptions struct {
	// DefaultAgent is used when the chooser fails, returns an empty
	// NextAgent, or returns an agent name that is not in the allowed set,
	// with a warning logged (spec §4.6:
	// "parse the enum response; on mismatch, fall back to a default node and
	// log a warning").
	DefaultAgent string
	// AllowedAgents restricts which NextAgent values are honored.
	AllowedAgents []string
}

// AddSupervisor registers a Supervisor node (spec §4.6, §3): it calls choose
// to pick the next specialist node, validates the answer against
// opts.AllowedAgents, and falls back to opts.DefaultAgent on any mismatch.
func (g *Graph) AddSupervisor(name string, choose SupervisorChooser, opts SupervisorOptions) *Graph {
	allowed := make(map[string]struct{}, len(opts.AllowedAgents))
	for _, a := range opts.AllowedAgents {
		allowed[a] = struct{}{}
	}
	return g.AddNode(name, func(ctx context.Context, wctx WorkflowContext, state model.WorkflowState) (model.WorkflowState, string, error) {
		decision, err := choose(ctx, state)
		next := decision.NextAgent
		if err != nil || next == "" {
			wctx.Logger().Warn(ctx, "workflow: supervisor decision failed, using default", "err", err, "default", opts.DefaultAgent)
			next = opts.DefaultAgent
		} else if _, ok := allowed[next]; !ok {
			wctx.Logger().Warn(ctx, "workflow: supervisor chose unknown agent, using default", "chosen", next, "default", opts.DefaultAgent)
			next = opts.DefaultAgent
		}
		state.NodeName = next
		return state, next, nil
	})
}
