package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/model"
)

// approvalSignal is the payload delivered to a suspended node's signal
// channel once a decision is recorded (spec §4.6).
type approvalSignal struct {
	Decision string
}

func approvalSignalName(requestID string) string { return "approval_decision:" + requestID }

// withApprovalGate wraps a specialist node's run function with the Approval
// Gate interposition described in spec §4.6: before ever invoking the LLM,
// it asks the HITL Manager whether this task needs approval; if so, it
// persists an awaiting_approval checkpoint and suspends on a signal channel
// until a decision arrives (delivered by BridgeApprovalDecisions), then
// either resumes run with status=approved or terminates with
// status=rejected.
func (s *Services) withApprovalGate(name string, profile model.AgentProfile, run NodeFunc) NodeFunc {
	return func(ctx context.Context, wctx WorkflowContext, state model.WorkflowState) (model.WorkflowState, string, error) {
		task := taskFromState(state, profile.AgentName)

		requestID, err := s.HITL.CreateRequest(ctx, state.RunID, state.RunID, state.CheckpointID, task, profile.AgentName)
		if err != nil {
			return state, "", fmt.Errorf("workflow: create approval request for %q: %w", name, err)
		}
		if requestID == "" {
			// Low risk: no gate needed.
			return run(ctx, wctx, state)
		}

		state.Status = model.StatusAwaitingApproval
		state.ApprovalRequestID = requestID
		state.NodeName = name
		state, err = s.PersistCheckpoint(ctx, state, map[string]any{"node": name, "outcome": "awaiting_approval"})
		if err != nil {
			return state, "", err
		}

		var signal approvalSignal
		if err := wctx.SignalChannel(approvalSignalName(requestID)).Receive(ctx, &signal); err != nil {
			return state, "", fmt.Errorf("workflow: await approval decision: %w", err)
		}

		if signal.Decision != model.DecisionApproved {
			state.Status = model.StatusRejected
			state.ApprovalRequestID = ""
			state.NodeName = ""
			state, err = s.PersistCheckpoint(ctx, state, map[string]any{"node": name, "outcome": "rejected"})
			if err != nil {
				return state, "", err
			}
			s.emitTaskFailed(ctx, state)
			return state, "", nil
		}

		state.Status = model.StatusApproved
		state.ApprovalRequestID = ""
		return run(ctx, wctx, state)
	}
}

// Registry tracks live WorkflowHandles by thread id so an external event
// (an approval decision recorded via the HITL webhook) can be delivered into
// the correct suspended workflow's signal channel.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]WorkflowHandle
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]WorkflowHandle)}
}

// Register associates threadID with handle for later signaling.
func (r *Registry) Register(threadID string, handle WorkflowHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[threadID] = handle
}

// Unregister removes threadID, typically once the workflow has completed.
func (r *Registry) Unregister(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, threadID)
}

func (r *Registry) get(threadID string) (WorkflowHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[threadID]
	return h, ok
}

// BridgeApprovalDecisions subscribes to approval_decision events on bus and
// forwards each to the registered workflow's signal channel, keyed by
// workflow_id (the thread id the request was created under) and request_id.
// It returns the subscription handle so callers can Unsubscribe on shutdown.
func BridgeApprovalDecisions(bus *eventbus.Bus, registry *Registry) eventbus.Handle {
	return bus.Subscribe(model.EventApprovalDecision, func(ctx context.Context, evt model.Event) {
		workflowID, _ := evt.Payload["workflow_id"].(string)
		requestID, _ := evt.Payload["request_id"].(string)
		decision, _ := evt.Payload["decision"].(string)
		if workflowID == "" || requestID == "" {
			return
		}
		handle, ok := registry.get(workflowID)
		if !ok {
			return
		}
		_ = handle.Signal(ctx, approvalSignalName(requestID), approvalSignal{Decision: decision})
	})
}
