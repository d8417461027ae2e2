package workflow

import (
	"context"

	"github.com/flowforge/orchestrator/model"
)

// Cancel implements the externally-initiated cancellation path (spec §4.6):
// cancellation arrives as an approval_decision-like event with
// decision=cancelled, which the engine treats as rejection for a suspended
// node or immediate termination if no node is suspended. Here it is modeled
// directly as a terminal state transition on the latest known state, since
// the HTTP handler calling this has no live WorkflowContext to signal
// through when the workflow isn't currently suspended on one.
func (s *Services) Cancel(ctx context.Context, state model.WorkflowState, reason string) (model.WorkflowState, error) {
	if state.Status.Terminal() {
		return state, nil
	}
	state.Status = model.StatusCancelled
	state.ApprovalRequestID = ""
	state.NodeName = ""
	state.Error = reason
	next, err := s.PersistCheckpoint(ctx, state, map[string]any{"outcome": "cancelled", "reason": reason})
	if err != nil {
		return state, err
	}
	s.emitTaskFailed(ctx, next)
	return next, nil
}
