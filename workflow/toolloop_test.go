package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/toolcatalog"
)

// scriptedLLM replies with a fixed sequence of responses, one per call to
// Complete; the last response repeats once exhausted.
type scriptedLLM struct {
	calls     int32
	responses []llmgateway.Response
}

func (s *scriptedLLM) Complete(_ context.Context, _ llmgateway.Request) (llmgateway.Response, error) {
	i := int(atomic.AddInt32(&s.calls, 1)) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func TestRunToolLoopDispatchesNestedAgentInsteadOfToolGateway(t *testing.T) {
	script := &scriptedLLM{responses: []llmgateway.Response{
		{
			StopReason: llmgateway.StopToolUse,
			Message: model.Message{
				Role: "assistant",
				ToolCalls: []model.ToolCall{
					{ID: "call-1", ToolName: "agent.reviewer", Arguments: json.RawMessage(`"please review the diff"`)},
				},
			},
		},
		{
			StopReason: llmgateway.StopEndTurn,
			Message:    model.Message{Role: "assistant", Content: "looks good"},
		},
		{
			StopReason: llmgateway.StopEndTurn,
			Message:    model.Message{Role: "assistant", Content: "done"},
		},
	}}

	catalog := toolcatalog.New(nil)
	catalog.RegisterAgentProfile(model.AgentProfile{AgentName: "reviewer"})

	svc := &Services{
		LLM:     llmgateway.New([]llmgateway.Backend{{Name: "test", Client: script}}),
		Catalog: catalog,
	}

	nested := &nestedAgentDispatch{
		profiles: map[string]model.AgentProfile{
			"agent.reviewer": {AgentName: "reviewer", SystemPrompt: "you review diffs"},
		},
		parentRunID:     "run-1",
		parentAgentName: "coder",
	}

	messages, err := svc.runToolLoop(context.Background(), llmgateway.Request{
		Messages: []model.Message{{Role: "user", Content: "please implement and have it reviewed"}},
	}, 5, nested)
	require.NoError(t, err)

	var toolResultMsg *model.Message
	for i := range messages {
		if messages[i].Role == "tool" {
			toolResultMsg = &messages[i]
		}
	}
	require.NotNil(t, toolResultMsg, "expected a tool-result message from the nested dispatch")
	require.Len(t, toolResultMsg.ToolCalls, 1)

	call := toolResultMsg.ToolCalls[0]
	assert.Empty(t, call.Error)
	assert.JSONEq(t, `{"response":"looks good"}`, string(call.Result))
	assert.NotEmpty(t, call.IdempotencyKey, "idempotency key must be generated even for nested dispatch")

	assert.Equal(t, int32(3), atomic.LoadInt32(&script.calls), "outer call, nested call, then outer's follow-up call")
}

func TestInvokeNestedAgentReturnsNestedAnswer(t *testing.T) {
	script := &scriptedLLM{responses: []llmgateway.Response{
		{StopReason: llmgateway.StopEndTurn, Message: model.Message{Role: "assistant", Content: "ack"}},
	}}
	catalog := toolcatalog.New(nil)
	catalog.RegisterAgentProfile(model.AgentProfile{AgentName: "reviewer"})

	svc := &Services{
		LLM:     llmgateway.New([]llmgateway.Backend{{Name: "test", Client: script}}),
		Catalog: catalog,
	}

	result, err := svc.invokeNestedAgent(context.Background(), model.AgentProfile{AgentName: "reviewer"}, &nestedAgentDispatch{
		parentRunID:     "run-42",
		parentAgentName: "coder",
	}, &model.ToolCall{ID: "call-9", Arguments: json.RawMessage(`"review it"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":"ack"}`, string(result))
}
