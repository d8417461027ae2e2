package model

import "time"

// Checkpoint is a durable snapshot of a WorkflowState keyed by
// (ThreadID, CheckpointID). Checkpoints form a per-ThreadID DAG (usually a
// chain) via ParentCheckpointID (spec §3, §4.3).
type Checkpoint struct {
	ThreadID           string         `json:"thread_id"`
	CheckpointID       string         `json:"checkpoint_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	State              WorkflowState  `json:"state"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}
