package workflow

import (
	"context"
	"fmt"

	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/toolcatalog"
)

// SpecialistOptions configures one specialist agent node (spec §3, §4.6).
type SpecialistOptions struct {
	Profile       model.AgentProfile
	ToolStrategy  toolcatalog.Strategy
	NextNode      string // node run after this specialist completes, "" ends the workflow
	MaxToolRounds int

	// NestedAgents maps a tool name exposed to this specialist's LLM (it must
	// also be registered in the catalog so the strategy selector can surface
	// it) onto another agent profile to run, as that tool's execution,
	// instead of dispatching to the Tool Gateway (SPEC_FULL.md §C
	// agent-as-tool nesting). Nil disables nesting for this node.
	NestedAgents map[string]model.AgentProfile
}

// AddSpecialist registers a uniform specialist agent node: it loads the tool
// catalog subset for this task and agent (spec §4.4), binds those tools to
// the LLM request, runs the bounded tool-call loop, and records the result
// as the new message history before advancing to opts.NextNode.
//
// If opts.Profile.StateChanging is true, AddSpecialist wraps the node with
// the Approval Gate (spec §4.6) so the node suspends for approval before
// ever calling the LLM.
func (s *Services) AddSpecialist(g *Graph, name string, opts SpecialistOptions) *Graph {
	strategy := opts.ToolStrategy
	if strategy == "" {
		strategy = toolcatalog.StrategyProgressive
	}
	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = s.MaxToolRounds
	}

	run := func(ctx context.Context, wctx WorkflowContext, state model.WorkflowState) (model.WorkflowState, string, error) {
		taskDescription := taskDescriptionFromState(state)
		tools, err := s.Catalog.Select(ctx, taskDescription, opts.Profile.AgentName, strategy)
		if err != nil {
			return state, "", fmt.Errorf("workflow: select tools for %q: %w", name, err)
		}

		var nested *nestedAgentDispatch
		if len(opts.NestedAgents) > 0 {
			nested = &nestedAgentDispatch{
				profiles:        opts.NestedAgents,
				parentRunID:     state.RunID,
				parentAgentName: opts.Profile.AgentName,
			}
		}

		messages, err := s.runToolLoop(ctx, llmgateway.Request{
			Messages:    append(state.Messages, model.Message{Role: "system", Content: opts.Profile.SystemPrompt}),
			Tools:       tools,
			ModelHint:   opts.Profile.ModelHint,
			Temperature: opts.Profile.Temperature,
		}, maxRounds, nested)

		state.Messages = messages
		toolNames := make([]string, 0, len(tools))
		for _, t := range tools {
			toolNames = append(toolNames, t.Name)
		}
		state.ToolSelection = toolNames

		if err != nil {
			state.Status = model.StatusFailed
			state.Error = err.Error()
			state.NodeName = ""
			persisted, perr := s.PersistCheckpoint(ctx, state, map[string]any{"node": name, "outcome": "failed"})
			if perr != nil {
				return state, "", perr
			}
			s.emitTaskFailed(ctx, persisted)
			return persisted, "", nil
		}

		state.NodeName = opts.NextNode
		persisted, err := s.PersistCheckpoint(ctx, state, map[string]any{"node": name, "outcome": "completed"})
		if err != nil {
			return state, "", err
		}
		return persisted, opts.NextNode, nil
	}

	if opts.Profile.StateChanging {
		run = s.withApprovalGate(name, opts.Profile, run)
	}
	return g.AddNode(name, run)
}

// taskDescriptionFromState extracts the text the tool selector matches
// keywords against: the latest user message, falling back to the empty
// string for a brand-new run with no history yet.
func taskDescriptionFromState(state model.WorkflowState) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == "user" {
			return state.Messages[i].Content
		}
	}
	return ""
}

// taskFromState reconstructs the model.Task the Risk Assessor evaluates,
// carrying the priority and context captured at submission time (stashed in
// state.Artifacts by the HTTP layer, spec §6) forward into the Approval
// Gate so risk rules keyed on priority or environment/operation context
// still apply to a task resumed from a checkpoint.
func taskFromState(state model.WorkflowState, agentName string) model.Task {
	priority := model.PriorityLow
	taskContext := map[string]any{}
	if state.Artifacts != nil {
		if p, ok := state.Artifacts["priority"].(string); ok && p != "" {
			priority = model.Priority(p)
		}
		if c, ok := state.Artifacts["context"].(map[string]any); ok {
			for k, v := range c {
				taskContext[k] = v
			}
		}
	}
	taskContext["agent_name"] = agentName

	return model.Task{
		TaskID:      state.TaskID,
		Description: taskDescriptionFromState(state),
		Priority:    priority,
		Context:     taskContext,
	}
}

func (s *Services) emitTaskFailed(ctx context.Context, state model.WorkflowState) {
	s.Bus.Emit(ctx, model.EventTaskFailed, map[string]any{
		"task_id":   state.TaskID,
		"thread_id": state.RunID,
		"error":     state.Error,
	}, "workflow", eventbus.EmitOptions{CorrelationID: state.TaskID})
}
