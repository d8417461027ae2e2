package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/model"
)

// SpecialistInfo is one line of the capability index the LLM supervisor
// prompt includes (spec §4.6: "a short index of specialist capabilities").
type SpecialistInfo struct {
	Name        string
	Description string
}

// NewLLMSupervisorChooser builds a SupervisorChooser that asks llm which
// specialist should handle state's task next. The prompt lists each
// specialist's name and one-line description and instructs the model to
// answer with exactly one of those names; the reply is matched
// case-insensitively against specialists, with no fuzzier parsing, so that
// AddSupervisor's enum-mismatch fallback (spec §4.6) is the only recovery
// path for a malformed answer.
func NewLLMSupervisorChooser(llm *llmgateway.Gateway, specialists []SpecialistInfo) SupervisorChooser {
	var index strings.Builder
	for _, s := range specialists {
		fmt.Fprintf(&index, "- %s: %s\n", s.Name, s.Description)
	}
	prompt := "You are the supervisor of a development-automation workflow. " +
		"Choose exactly one specialist to handle the task below by replying with " +
		"its name and nothing else.\n\nSpecialists:\n" + index.String()

	return func(ctx context.Context, state model.WorkflowState) (SupervisorDecision, error) {
		resp, err := llm.Complete(ctx, llmgateway.Request{
			Messages: append([]model.Message{{Role: "system", Content: prompt}}, state.Messages...),
		})
		if err != nil {
			return SupervisorDecision{}, fmt.Errorf("workflow: supervisor completion: %w", err)
		}

		answer := strings.ToLower(strings.TrimSpace(resp.Message.Content))
		for _, s := range specialists {
			if strings.ToLower(s.Name) == answer {
				return SupervisorDecision{NextAgent: s.Name}, nil
			}
		}
		return SupervisorDecision{Reason: "unrecognized supervisor answer: " + resp.Message.Content}, nil
	}
}
