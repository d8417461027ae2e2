package llmgateway

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
)

// AnthropicClient adapts the Anthropic Messages API to Client, grounded on
// features/model/anthropic.Client.Complete.
type AnthropicClient struct {
	msg          *sdk.MessageService
	defaultModel string
}

// NewAnthropicClient builds an AnthropicClient from an API key.
func NewAnthropicClient(apiKey, defaultModel string) *AnthropicClient {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &c.Messages, defaultModel: defaultModel}
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := req.ModelHint
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "llmgateway: anthropic request failed", err)
	}
	return fromAnthropicMessage(msg), nil
}

func toAnthropicMessages(msgs []model.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return out
}

func toAnthropicTools(tools []model.Tool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema sdk.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			var fields map[string]any
			if err := json.Unmarshal(t.InputSchema, &fields); err == nil {
				schema = sdk.ToolInputSchemaParam{ExtraFields: fields}
			}
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func fromAnthropicMessage(msg *sdk.Message) Response {
	var content string
	var toolCalls []model.ToolCall
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case sdk.TextBlock:
			content += variant.Text
		case sdk.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			toolCalls = append(toolCalls, model.ToolCall{
				ID:        variant.ID,
				ToolName:  variant.Name,
				Arguments: args,
			})
		}
	}
	stop := StopEndTurn
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		stop = StopToolUse
	case sdk.StopReasonMaxTokens:
		stop = StopMaxTokens
	}
	return Response{
		Message: model.Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		StopReason: stop,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
