package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/toolcatalog"
)

// toolLoopState names the three states of the tool-call loop (spec §4.6):
// await_llm (waiting on a completion), dispatch_tool_call (sending a
// requested call to the Tool Gateway), await_tool_result (waiting on that
// call's result before looping back to await_llm).
type toolLoopState string

const (
	stateAwaitLLM         toolLoopState = "await_llm"
	stateDispatchToolCall toolLoopState = "dispatch_tool_call"
	stateAwaitToolResult  toolLoopState = "await_tool_result"
)

// nestedAgentDispatch configures agent-as-tool nested execution (SPEC_FULL.md
// §C): a subset of the tool names offered to the LLM are not routed to the
// Tool Gateway but instead run another agent profile's own tool loop
// in-process, the way the teacher's tools.IsAgentTool marks a tool handle as
// "really another agent." profiles is keyed by the tool name the LLM sees
// (e.g. "agent.code_reviewer"), not by AgentProfile.AgentName.
type nestedAgentDispatch struct {
	profiles        map[string]model.AgentProfile
	parentRunID     string
	parentAgentName string
}

// runToolLoop drives the bounded tool-call loop for one specialist
// invocation (spec §4.6): call the LLM, and while it asks for tool calls,
// dispatch each to the Tool Gateway (or, for a nested-agent tool name, to
// another agent profile's own tool loop) and append the result, looping back
// to the LLM with the updated history. The loop ends when the LLM stops
// requesting tools or maxRounds is reached, whichever comes first.
//
// A permanent tool error (schema mismatch, unauthorized, unknown tool) ends
// the loop immediately with that error rather than looping further (spec
// §4.6's permanent-error handling); a transient error has already been
// retried inside toolgateway.Client.Invoke before reaching here.
func (s *Services) runToolLoop(ctx context.Context, req llmgateway.Request, maxRounds int, nested *nestedAgentDispatch) ([]model.Message, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	messages := append([]model.Message(nil), req.Messages...)
	state := stateAwaitLLM

	for round := 0; round < maxRounds; round++ {
		switch state {
		case stateAwaitLLM:
			resp, err := s.LLM.Complete(ctx, llmgateway.Request{
				Messages:    messages,
				Tools:       req.Tools,
				ModelHint:   req.ModelHint,
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
			})
			if err != nil {
				return messages, fmt.Errorf("workflow: tool loop await_llm: %w", err)
			}
			messages = append(messages, resp.Message)
			if resp.StopReason != llmgateway.StopToolUse || len(resp.Message.ToolCalls) == 0 {
				return messages, nil
			}
			state = stateDispatchToolCall

		case stateDispatchToolCall, stateAwaitToolResult:
			lastAssistant := &messages[len(messages)-1]
			for i := range lastAssistant.ToolCalls {
				call := &lastAssistant.ToolCalls[i]
				if call.IdempotencyKey == "" {
					call.IdempotencyKey = uuid.NewString()
				}

				var result json.RawMessage
				var err error
				if nested != nil {
					if profile, ok := nested.profiles[call.ToolName]; ok {
						result, err = s.invokeNestedAgent(ctx, profile, nested, call)
					} else {
						result, err = s.Tools.Invoke(ctx, call.ToolName, call.Arguments, call.IdempotencyKey)
					}
				} else {
					result, err = s.Tools.Invoke(ctx, call.ToolName, call.Arguments, call.IdempotencyKey)
				}
				if err != nil {
					if isPermanentToolError(err) {
						return messages, fmt.Errorf("workflow: tool loop permanent error on %q: %w", call.ToolName, err)
					}
					call.Error = err.Error()
					continue
				}
				call.Result = result
			}
			messages = append(messages, toolResultMessage(lastAssistant.ToolCalls))
			state = stateAwaitLLM
		}
	}
	return messages, fmt.Errorf("workflow: tool loop exceeded max_tool_rounds=%d", maxRounds)
}

// invokeNestedAgent runs profile's own bounded tool loop as the execution of
// one tool call (spec §4.6 extended per SPEC_FULL.md §C) and returns the
// nested agent's last assistant text as {"response": ...}. It builds a
// WorkflowState carrying ParentRunID/ParentToolCallID/ParentAgentName for the
// nested run, but that state is neither checkpointed nor returned: only its
// RunID surfaces, in the error when the nested loop fails. The nested run gets no further
// nesting (its own dispatch is plain Tool Gateway calls) — a two-level
// agent-as-tool chain is enough to cover spec-named specialist delegation
// without an unbounded call stack.
func (s *Services) invokeNestedAgent(ctx context.Context, profile model.AgentProfile, nested *nestedAgentDispatch, call *model.ToolCall) (json.RawMessage, error) {
	nestedState := model.WorkflowState{
		RunID:            uuid.NewString(),
		ParentRunID:      nested.parentRunID,
		ParentToolCallID: call.ID,
		ParentAgentName:  nested.parentAgentName,
		Status:           model.StatusRunning,
	}

	taskDescription := string(call.Arguments)
	tools, err := s.Catalog.Select(ctx, taskDescription, profile.AgentName, toolcatalog.StrategyAgentProfile)
	if err != nil {
		return nil, fmt.Errorf("workflow: select tools for nested agent %q: %w", profile.AgentName, err)
	}

	messages, err := s.runToolLoop(ctx, llmgateway.Request{
		Messages: []model.Message{
			{Role: "system", Content: profile.SystemPrompt},
			{Role: "user", Content: taskDescription},
		},
		Tools:       tools,
		ModelHint:   profile.ModelHint,
		Temperature: profile.Temperature,
	}, DefaultMaxToolRounds, nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: nested agent %q (run %s): %w", profile.AgentName, nestedState.RunID, err)
	}

	return json.Marshal(map[string]string{"response": lastAssistantText(messages)})
}

// lastAssistantText returns the final assistant message's content, the
// nested agent's answer to fold back into the parent's tool result.
func lastAssistantText(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content
		}
	}
	return ""
}

func isPermanentToolError(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation, apperrors.KindPermissionDenied, apperrors.KindNotFound:
		return true
	default:
		return false
	}
}

func toolResultMessage(calls []model.ToolCall) model.Message {
	return model.Message{
		Role:      "tool",
		ToolCalls: calls,
	}
}
