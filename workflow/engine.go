// Package workflow implements the orchestrator's Workflow Engine (spec §4.6,
// C6): the agent graph (Router, Supervisor, and specialist nodes), the
// Approval Gate interposition before state-changing nodes, the bounded
// tool-call loop, and the suspend/resume machinery built on checkpoints.
//
// Execution is pluggable behind the Engine interface so the same graph can
// run on an in-process engine (inmem subpackage) or Temporal (temporal
// subpackage) without changing node code, mirroring the teacher's
// runtime/agent/engine package: one small Engine/WorkflowContext/Future/
// SignalChannel/ActivityDefinition abstraction with swappable adapters.
package workflow

import (
	"context"
	"time"

	"github.com/flowforge/orchestrator/telemetry"
)

// Engine abstracts workflow registration and execution so adapters (in-memory
// or Temporal) can be swapped without touching graph code.
type Engine interface {
	// RegisterWorkflow registers a workflow definition with the engine.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
	// RegisterActivity registers an activity definition with the engine.
	RegisterActivity(ctx context.Context, def ActivityDefinition) error
	// StartWorkflow starts a new workflow execution.
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}

// WorkflowDefinition binds a workflow handler to a logical name.
type WorkflowDefinition struct {
	Name    string
	Handler WorkflowFunc
}

// WorkflowFunc is the workflow entry point: it receives a WorkflowContext and
// the initial input (a model.WorkflowState), returning the final state or an
// error. Implementations must be deterministic: the same inputs and activity
// results must produce the same execution sequence, since the Temporal
// adapter replays this function from history.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// WorkflowContext exposes engine operations to a running workflow.
//
// Thread-safety: a WorkflowContext is bound to one workflow execution and
// must not be shared across goroutines.
type WorkflowContext interface {
	Context() context.Context
	WorkflowID() string

	// ExecuteActivity schedules an activity and blocks for its result.
	ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
	// ExecuteActivityAsync schedules an activity without blocking.
	ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

	// SignalChannel returns the named signal channel (used by the Approval
	// Gate to wait for approval_decision, spec §4.6).
	SignalChannel(name string) SignalChannel

	Logger() telemetry.Logger
	Metrics() telemetry.Metrics

	// Now returns the current time in a replay-safe manner.
	Now() time.Time
}

// Future represents a pending activity result.
type Future interface {
	Get(ctx context.Context, result any) error
	IsReady() bool
}

// ActivityDefinition registers an activity handler with optional defaults.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
	Options ActivityOptions
}

// ActivityFunc handles one activity invocation. Unlike workflow functions,
// activities may perform side effects (LLM calls, tool invocations, lock
// acquisition).
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityOptions configures retry/timeout behavior for an activity.
type ActivityOptions struct {
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// RetryPolicy is shared retry configuration for workflows and activities.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// WorkflowStartRequest describes how to launch a workflow execution.
type WorkflowStartRequest struct {
	ID       string
	Workflow string
	Input    any
}

// ActivityRequest contains what is needed to schedule an activity.
type ActivityRequest struct {
	Name        string
	Input       any
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// WorkflowHandle lets callers interact with a running workflow.
type WorkflowHandle interface {
	Wait(ctx context.Context, result any) error
	Signal(ctx context.Context, name string, payload any) error
	Cancel(ctx context.Context) error
}

// SignalChannel exposes engine-agnostic signal delivery.
type SignalChannel interface {
	Receive(ctx context.Context, dest any) error
	ReceiveAsync(dest any) bool
}
