package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforge/orchestrator/model"
)

// DefaultWorkflowLockTTL bounds how long the per-thread lock below is held.
// Nothing renews it (spec §9 leaves lock extension out of scope, see
// DESIGN.md): the lock is held for the whole run, including time suspended
// at the Approval Gate, and is released when the run returns, so a run that
// outlasts this window loses the lock when the TTL lapses.
const DefaultWorkflowLockTTL = 10 * time.Minute

// NewOrchestrationWorkflow builds the top-level WorkflowFunc that drives g to
// completion: it serializes concurrent runs against the same thread_id with
// a resource lock (spec §3's "no two runs touch the same thread
// concurrently"), then hands the state to g.Run.
func NewOrchestrationWorkflow(s *Services, g *Graph) WorkflowFunc {
	return func(ctx WorkflowContext, input any) (any, error) {
		state, ok := input.(model.WorkflowState)
		if !ok {
			return nil, fmt.Errorf("workflow: orchestration input must be model.WorkflowState, got %T", input)
		}

		lockHandle, err := s.Locks.Acquire(ctx.Context(), workflowLockResource(state.RunID), "workflow-engine", DefaultWorkflowLockTTL, 30*time.Second, "orchestration run")
		if err != nil {
			return nil, fmt.Errorf("workflow: acquire thread lock: %w", err)
		}
		defer func() { _ = lockHandle.Release(ctx.Context()) }()

		final, err := g.Run(ctx.Context(), ctx, state)
		if err != nil {
			return nil, err
		}
		return final, nil
	}
}

func workflowLockResource(threadID string) string {
	return "workflow:" + threadID
}

// StartOrchestration starts a new workflow execution via engine, registering
// its handle with registry so an approval decision arriving later (via
// BridgeApprovalDecisions) can be delivered into this specific run, and
// unregistering it once the run completes.
func StartOrchestration(ctx context.Context, engine Engine, registry *Registry, workflowName string, state model.WorkflowState) (WorkflowHandle, error) {
	handle, err := engine.StartWorkflow(ctx, WorkflowStartRequest{
		ID:       state.RunID,
		Workflow: workflowName,
		Input:    state,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: start orchestration for thread %q: %w", state.RunID, err)
	}
	registry.Register(state.RunID, handle)
	go func() {
		var result model.WorkflowState
		_ = handle.Wait(context.Background(), &result)
		registry.Unregister(state.RunID)
	}()
	return handle, nil
}
