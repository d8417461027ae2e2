// Package checkpoint implements the orchestrator's durable checkpoint store
// (spec §4.3, C3): write-once, parent-linked snapshots of WorkflowState keyed
// by (thread_id, checkpoint_id).
//
// The Store interface and its memory/mongo implementations follow the
// teacher's registry persistence layer (registry/store/store.go,
// registry/store/memory, registry/store/mongo): one interface, a
// concurrency-safe in-memory implementation for tests and single-node runs,
// and a MongoDB implementation for durability across restarts.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
)

// ErrAlreadyExists is returned by Put when a row already exists for
// (thread_id, checkpoint_id): checkpoints are write-once (spec §4.3).
var ErrAlreadyExists = errors.New("checkpoint: checkpoint_id already written for this thread")

// ErrNotFound is returned by Get/Latest when no matching row exists.
var ErrNotFound = apperrors.ErrNotFound

// Store defines the persistence layer for workflow checkpoints.
// Implementations must be safe for concurrent use and must provide strict
// durability on Put: the resumption path depends on every committed write
// surviving a crash (spec §4.3 failure model).
type Store interface {
	// Put atomically writes one checkpoint row. Returns ErrAlreadyExists if
	// (thread_id, checkpoint_id) already has a row.
	Put(ctx context.Context, cp model.Checkpoint) error
	// Get returns the stored checkpoint for (thread_id, checkpoint_id).
	Get(ctx context.Context, threadID, checkpointID string) (model.Checkpoint, error)
	// Latest returns the checkpoint for thread_id that is not referenced as
	// a parent by any other row in that thread (the unique tip).
	Latest(ctx context.Context, threadID string) (model.Checkpoint, error)
	// List returns every checkpoint for thread_id, in no particular order;
	// callers reconstruct the DAG via ParentCheckpointID.
	List(ctx context.Context, threadID string) ([]model.Checkpoint, error)
}
