package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/telemetry"
	"github.com/flowforge/orchestrator/workflow"
	"github.com/flowforge/orchestrator/workflow/inmem"
)

func TestStartWorkflowRunsHandlerToCompletion(t *testing.T) {
	eng := inmem.New(telemetry.Noop())
	require.NoError(t, eng.RegisterWorkflow(context.Background(), workflow.WorkflowDefinition{
		Name: "echo",
		Handler: func(wctx workflow.WorkflowContext, input any) (any, error) {
			return input, nil
		},
	}))

	h, err := eng.StartWorkflow(context.Background(), workflow.WorkflowStartRequest{ID: "wf-1", Workflow: "echo", Input: "hello"})
	require.NoError(t, err)

	var result string
	require.NoError(t, h.Wait(context.Background(), &result))
	assert.Equal(t, "hello", result)
}

func TestExecuteActivityReturnsHandlerResult(t *testing.T) {
	eng := inmem.New(telemetry.Noop())
	require.NoError(t, eng.RegisterActivity(context.Background(), workflow.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))
	require.NoError(t, eng.RegisterWorkflow(context.Background(), workflow.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wctx workflow.WorkflowContext, input any) (any, error) {
			var out int
			if err := wctx.ExecuteActivity(wctx.Context(), workflow.ActivityRequest{Name: "double", Input: input}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := eng.StartWorkflow(context.Background(), workflow.WorkflowStartRequest{ID: "wf-2", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(context.Background(), &result))
	assert.Equal(t, 42, result)
}

func TestSignalDeliversToWaitingWorkflow(t *testing.T) {
	eng := inmem.New(telemetry.Noop())
	require.NoError(t, eng.RegisterWorkflow(context.Background(), workflow.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wctx workflow.WorkflowContext, _ any) (any, error) {
			var payload string
			if err := wctx.SignalChannel("go").Receive(wctx.Context(), &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}))

	h, err := eng.StartWorkflow(context.Background(), workflow.WorkflowStartRequest{ID: "wf-3", Workflow: "waiter", Input: nil})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // let the workflow goroutine reach Receive
	require.NoError(t, h.Signal(context.Background(), "go", "resume"))

	var result string
	require.NoError(t, h.Wait(context.Background(), &result))
	assert.Equal(t, "resume", result)
}

func TestActivityTimeoutPropagatesToHandlerContext(t *testing.T) {
	eng := inmem.New(telemetry.Noop())
	require.NoError(t, eng.RegisterActivity(context.Background(), workflow.ActivityDefinition{
		Name: "slow",
		Handler: func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	require.NoError(t, eng.RegisterWorkflow(context.Background(), workflow.WorkflowDefinition{
		Name: "timesout",
		Handler: func(wctx workflow.WorkflowContext, _ any) (any, error) {
			var out any
			err := wctx.ExecuteActivity(wctx.Context(), workflow.ActivityRequest{Name: "slow", Timeout: 10 * time.Millisecond}, &out)
			return nil, err
		},
	}))

	h, err := eng.StartWorkflow(context.Background(), workflow.WorkflowStartRequest{ID: "wf-4", Workflow: "timesout", Input: nil})
	require.NoError(t, err)

	err = h.Wait(context.Background(), nil)
	assert.Error(t, err)
}

func TestStartWorkflowUnregisteredNameErrors(t *testing.T) {
	eng := inmem.New(telemetry.Noop())
	_, err := eng.StartWorkflow(context.Background(), workflow.WorkflowStartRequest{ID: "wf-5", Workflow: "missing"})
	assert.Error(t, err)
}
