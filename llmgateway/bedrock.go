package llmgateway

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
)

// RuntimeClient is the subset of *bedrockruntime.Client used by BedrockClient,
// mirrored from features/model/bedrock.RuntimeClient so callers can pass a
// mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient adapts the AWS Bedrock Converse API to Client.
type BedrockClient struct {
	runtime      RuntimeClient
	defaultModel string
}

// NewBedrockClient builds a BedrockClient over an already-configured AWS
// Bedrock runtime client.
func NewBedrockClient(runtime RuntimeClient, defaultModel string) *BedrockClient {
	return &BedrockClient{runtime: runtime, defaultModel: defaultModel}
}

func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	modelID := req.ModelHint
	if modelID == "" {
		modelID = c.defaultModel
	}

	maxTokens := int32(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: toBedrockMessages(req.Messages),
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(maxTokens),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if toolConfig := toBedrockToolConfig(req.Tools); toolConfig != nil {
		input.ToolConfig = toolConfig
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "llmgateway: bedrock converse failed", err)
	}
	return fromBedrockOutput(out), nil
}

func toBedrockMessages(msgs []model.Message) []brtypes.Message {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func toBedrockToolConfig(tools []model.Tool) *brtypes.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		specs = append(specs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: specs}
}

func fromBedrockOutput(out *bedrockruntime.ConverseOutput) Response {
	var content string
	var toolCalls []model.ToolCall
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch variant := block.(type) {
			case *brtypes.ContentBlockMemberText:
				content += variant.Value
			case *brtypes.ContentBlockMemberToolUse:
				var args []byte
				if variant.Value.Input != nil {
					args, _ = variant.Value.Input.MarshalSmithyDocument()
				}
				toolCalls = append(toolCalls, model.ToolCall{
					ID:        aws.ToString(variant.Value.ToolUseId),
					ToolName:  aws.ToString(variant.Value.Name),
					Arguments: args,
				})
			}
		}
	}
	stop := StopEndTurn
	switch out.StopReason {
	case brtypes.StopReasonToolUse:
		stop = StopToolUse
	case brtypes.StopReasonMaxTokens:
		stop = StopMaxTokens
	}
	usage := Usage{}
	if out.Usage != nil {
		usage = Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return Response{
		Message:    model.Message{Role: "assistant", Content: content, ToolCalls: toolCalls},
		StopReason: stop,
		Usage:      usage,
	}
}
