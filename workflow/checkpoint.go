package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/model"
)

// PersistCheckpoint writes state as a new checkpoint, parented on the
// state's current CheckpointID, and returns the state with CheckpointID
// advanced to the new row. It refuses to write a state that violates
// WorkflowState.CheckInvariant (spec §3): every checkpoint committed to
// durable storage must satisfy it, not just the in-memory value mid-node.
func (s *Services) PersistCheckpoint(ctx context.Context, state model.WorkflowState, metadata map[string]any) (model.WorkflowState, error) {
	if !state.CheckInvariant() {
		return state, fmt.Errorf("workflow: refusing to checkpoint state violating its invariant (status=%s approval_request_id=%q)", state.Status, state.ApprovalRequestID)
	}

	parent := state.CheckpointID
	next := state.Clone()
	next.CheckpointID = uuid.NewString()

	cp := model.Checkpoint{
		ThreadID:           next.RunID,
		CheckpointID:       next.CheckpointID,
		ParentCheckpointID: parent,
		State:              next,
		Metadata:           metadata,
		CreatedAt:          time.Now(),
	}
	if err := s.Checkpoints.Put(ctx, cp); err != nil {
		return state, fmt.Errorf("workflow: persist checkpoint: %w", err)
	}
	return next, nil
}
