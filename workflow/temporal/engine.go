// Package temporal provides a Temporal-backed workflow.Engine. It is a
// deliberately lighter rendition of the teacher's
// runtime/agent/engine/temporal package: one worker per task queue, generic
// workflow/activity registration by name, and Temporal's own signal/activity
// primitives surfaced through workflow.WorkflowContext. It trades the
// teacher's configurable OTEL interceptor wiring and per-run context
// tracking for a direct mapping onto go.temporal.io/sdk, since this module's
// single graph workflow does not need multiple task queues or dynamic
// interceptor configuration.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	tworkflow "go.temporal.io/sdk/workflow"

	"github.com/flowforge/orchestrator/telemetry"
	"github.com/flowforge/orchestrator/workflow"
)

var _ workflow.Engine = (*Engine)(nil)

// Engine is a Temporal-backed workflow.Engine bound to a single task queue.
type Engine struct {
	client    client.Client
	taskQueue string
	worker    worker.Worker
	telemetry telemetry.Bundle

	mu      sync.Mutex
	started bool
	defs    map[string]workflow.WorkflowDefinition
	acts    map[string]workflow.ActivityDefinition
}

// New constructs an Engine over an already-connected Temporal client,
// registering workflows/activities onto a single worker for taskQueue.
func New(c client.Client, taskQueue string, t telemetry.Bundle) *Engine {
	return &Engine{
		client:    c,
		taskQueue: taskQueue,
		worker:    worker.New(c, taskQueue, worker.Options{}),
		telemetry: t,
		defs:      make(map[string]workflow.WorkflowDefinition),
		acts:      make(map[string]workflow.ActivityDefinition),
	}
}

func (e *Engine) RegisterWorkflow(_ context.Context, def workflow.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.defs[def.Name]; dup {
		return fmt.Errorf("temporal: workflow %q already registered", def.Name)
	}
	e.defs[def.Name] = def
	e.worker.RegisterWorkflowWithOptions(e.wrapWorkflow(def), tworkflow.RegisterOptions{Name: def.Name})
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def workflow.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.acts[def.Name]; dup {
		return fmt.Errorf("temporal: activity %q already registered", def.Name)
	}
	e.acts[def.Name] = def
	e.worker.RegisterActivityWithOptions(
		func(ctx context.Context, input any) (any, error) { return def.Handler(ctx, input) },
		activity.RegisterOptions{Name: def.Name},
	)
	return nil
}

// Start starts the worker. Must be called once after all workflows and
// activities are registered and before the first StartWorkflow call.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.worker.Start(); err != nil {
		return fmt.Errorf("temporal: start worker: %w", err)
	}
	e.started = true
	return nil
}

// Stop stops the worker.
func (e *Engine) Stop() { e.worker.Stop() }

func (e *Engine) StartWorkflow(ctx context.Context, req workflow.WorkflowStartRequest) (workflow.WorkflowHandle, error) {
	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: e.taskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal: execute workflow %q: %w", req.Workflow, err)
	}
	return &handle{client: e.client, run: run}, nil
}

// wrapWorkflow adapts a workflow.WorkflowFunc into a Temporal-native
// workflow function closing over a tworkflow.Context-backed WorkflowContext.
func (e *Engine) wrapWorkflow(def workflow.WorkflowDefinition) any {
	return func(tctx tworkflow.Context, input any) (any, error) {
		wctx := &wfCtx{tctx: tctx, id: tworkflow.GetInfo(tctx).WorkflowExecution.ID, telemetry: e.telemetry}
		return def.Handler(wctx, input)
	}
}

type handle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *handle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *handle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// wfCtx adapts a Temporal workflow.Context into workflow.WorkflowContext.
// Activity execution and signal receipt go through Temporal's own
// deterministic primitives (tworkflow.ExecuteActivity, tworkflow.GetSignalChannel)
// so the graph replays identically to the in-memory adapter's semantics.
type wfCtx struct {
	tctx      tworkflow.Context
	id        string
	telemetry telemetry.Bundle
}

func (w *wfCtx) Context() context.Context { return temporalGoContext{w.tctx} }
func (w *wfCtx) WorkflowID() string       { return w.id }
func (w *wfCtx) Now() time.Time           { return tworkflow.Now(w.tctx) }

func (w *wfCtx) Logger() telemetry.Logger   { return w.telemetry.Logger }
func (w *wfCtx) Metrics() telemetry.Metrics { return w.telemetry.Metrics }

func (w *wfCtx) ExecuteActivity(_ context.Context, req workflow.ActivityRequest, result any) error {
	actCtx := w.tctx
	if req.Timeout > 0 {
		actCtx = tworkflow.WithActivityOptions(w.tctx, tworkflow.ActivityOptions{StartToCloseTimeout: req.Timeout})
	} else {
		actCtx = tworkflow.WithActivityOptions(w.tctx, tworkflow.ActivityOptions{StartToCloseTimeout: time.Minute})
	}
	if req.RetryPolicy.MaxAttempts > 0 {
		actCtx = tworkflow.WithRetryPolicy(actCtx, &temporal.RetryPolicy{
			MaximumAttempts:    int32(req.RetryPolicy.MaxAttempts),
			InitialInterval:    req.RetryPolicy.InitialInterval,
			BackoffCoefficient: req.RetryPolicy.BackoffCoefficient,
		})
	}
	return tworkflow.ExecuteActivity(actCtx, req.Name, req.Input).Get(actCtx, result)
}

func (w *wfCtx) ExecuteActivityAsync(_ context.Context, req workflow.ActivityRequest) (workflow.Future, error) {
	actCtx := tworkflow.WithActivityOptions(w.tctx, tworkflow.ActivityOptions{StartToCloseTimeout: time.Minute})
	if req.Timeout > 0 {
		actCtx = tworkflow.WithActivityOptions(w.tctx, tworkflow.ActivityOptions{StartToCloseTimeout: req.Timeout})
	}
	return &future{f: tworkflow.ExecuteActivity(actCtx, req.Name, req.Input)}, nil
}

func (w *wfCtx) SignalChannel(name string) workflow.SignalChannel {
	return &signalChannel{tctx: w.tctx, ch: tworkflow.GetSignalChannel(w.tctx, name)}
}

type future struct {
	f tworkflow.Future
}

func (f *future) Get(ctx context.Context, result any) error {
	return f.f.Get(ctx.(temporalGoContext).tctx, result)
}

func (f *future) IsReady() bool { return f.f.IsReady() }

type signalChannel struct {
	tctx tworkflow.Context
	ch   tworkflow.ReceiveChannel
}

func (s *signalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.tctx, dest)
	return nil
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

// temporalGoContext lets wfCtx satisfy workflow.WorkflowContext's
// context.Context-returning Context() method while still carrying the
// underlying tworkflow.Context needed by ExecuteActivity/Future.Get, which
// require Temporal's own Context type rather than a stdlib one.
type temporalGoContext struct {
	tctx tworkflow.Context
}

func (c temporalGoContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c temporalGoContext) Done() <-chan struct{}       { return c.tctx.Done().Channel() }
func (c temporalGoContext) Err() error                  { return c.tctx.Err() }
func (c temporalGoContext) Value(key any) any           { return c.tctx.Value(key) }
