package llmgateway

import (
	"encoding/json"

	"context"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
)

// OpenAIClient adapts the OpenAI Chat Completions API to Client. The teacher
// carries github.com/openai/openai-go in its go.mod without ever importing
// it (its OpenAI backend is written against sashabaranov/go-openai instead);
// this backend gives that declared dependency an actual caller.
type OpenAIClient struct {
	client       sdk.Client
	defaultModel string
}

// NewOpenAIClient builds an OpenAIClient from an API key.
func NewOpenAIClient(apiKey, defaultModel string) *OpenAIClient {
	return &OpenAIClient{
		client:       sdk.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := req.ModelHint
	if modelID == "" {
		modelID = c.defaultModel
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens != 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "llmgateway: openai request failed", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, apperrors.New(apperrors.KindUpstreamUnavailable, "llmgateway: openai returned no choices")
	}
	return fromOpenAIChoice(completion.Choices[0], completion.Usage), nil
}

func toOpenAIMessages(msgs []model.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(tools []model.Tool) []sdk.ChatCompletionToolParam {
	out := make([]sdk.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &params)
		}
		out = append(out, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out
}

func fromOpenAIChoice(choice sdk.ChatCompletionChoice, usage sdk.CompletionUsage) Response {
	var toolCalls []model.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, model.ToolCall{
			ID:        tc.ID,
			ToolName:  tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	stop := StopEndTurn
	switch choice.FinishReason {
	case "tool_calls":
		stop = StopToolUse
	case "length":
		stop = StopMaxTokens
	}
	return Response{
		Message: model.Message{
			Role:      "assistant",
			Content:   choice.Message.Content,
			ToolCalls: toolCalls,
		},
		StopReason: stop,
		Usage: Usage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
		},
	}
}
