package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/workflow"
)

func eventbusEmitOptions(workflowID string) eventbus.EmitOptions {
	return eventbus.EmitOptions{CorrelationID: workflowID}
}

type orchestrateRequest struct {
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Context     map[string]any `json:"context"`
}

type orchestrateResponse struct {
	TaskID            string `json:"task_id"`
	Status            string `json:"status"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

// handleOrchestrate implements POST /orchestrate (spec §6): accepts a new
// task description and starts a workflow run under a freshly minted
// task_id/thread_id pair, returning immediately with status=running since
// the engine is asynchronous (spec §5).
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.KindValidation, "malformed request body"))
		return
	}
	if req.Description == "" {
		writeError(w, apperrors.New(apperrors.KindValidation, "description is required"))
		return
	}
	priority := model.Priority(req.Priority)
	if priority == "" {
		priority = model.PriorityMedium
	}

	taskID := uuid.NewString()
	state := model.WorkflowState{
		TaskID: taskID,
		RunID:  taskID,
		Status: model.StatusRunning,
		Messages: []model.Message{
			{Role: "user", Content: req.Description},
		},
		Artifacts: map[string]any{
			"priority":     string(priority),
			"context":      req.Context,
			"submitted_at": time.Now().Format(time.RFC3339),
		},
	}

	if _, err := workflow.StartOrchestration(r.Context(), s.Engine, s.Registry, s.WorkflowName, state); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindInternal, "failed to start workflow", err))
		return
	}

	writeJSON(w, http.StatusAccepted, orchestrateResponse{TaskID: taskID, Status: string(model.StatusRunning)})
}

type taskResponse struct {
	TaskID       string          `json:"task_id"`
	Status       string          `json:"status"`
	StateSummary taskSummary     `json:"state_summary"`
	MessagesTail []model.Message `json:"messages_tail"`
	Artifacts    map[string]any  `json:"artifacts,omitempty"`
}

type taskSummary struct {
	NodeName          string `json:"node_name"`
	CheckpointID      string `json:"checkpoint_id"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

const messagesTailLimit = 5

// handleGetTask implements GET /tasks/{task_id} (spec §6) by reading the
// latest checkpoint for that thread. A task that has never reached a
// checkpoint (still running its first node) is reported as running with an
// empty summary rather than not_found, since the workflow genuinely exists.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	latest, err := s.Checkpoints.Latest(r.Context(), taskID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			writeJSON(w, http.StatusOK, taskResponse{
				TaskID: taskID,
				Status: string(model.StatusRunning),
			})
			return
		}
		writeError(w, err)
		return
	}

	tail := latest.State.Messages
	if len(tail) > messagesTailLimit {
		tail = tail[len(tail)-messagesTailLimit:]
	}
	writeJSON(w, http.StatusOK, taskResponse{
		TaskID: taskID,
		Status: string(latest.State.Status),
		StateSummary: taskSummary{
			NodeName:          latest.State.NodeName,
			CheckpointID:      latest.State.CheckpointID,
			ApprovalRequestID: latest.State.ApprovalRequestID,
		},
		MessagesTail: tail,
		Artifacts:    latest.State.Artifacts,
	})
}

type statusResponse struct {
	Status string `json:"status"`
}

// handleResume implements POST /tasks/{task_id}/resume (spec §6): a no-op
// unless the task is currently awaiting_approval and its approval request
// has already reached a terminal decision (e.g. after a process restart lost
// the in-memory signal delivery) — in which case it re-emits the decision so
// BridgeApprovalDecisions can deliver it to a freshly re-registered run.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	latest, err := s.Checkpoints.Latest(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if latest.State.Status != model.StatusAwaitingApproval || latest.State.ApprovalRequestID == "" {
		writeJSON(w, http.StatusOK, statusResponse{Status: string(latest.State.Status)})
		return
	}

	req, err := s.HITL.Get(r.Context(), latest.State.ApprovalRequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !req.Status.Terminal() {
		writeJSON(w, http.StatusOK, statusResponse{Status: string(latest.State.Status)})
		return
	}

	decision := model.DecisionRejected
	if req.Status == model.ApprovalApproved {
		decision = model.DecisionApproved
	}
	s.Bus.Emit(r.Context(), model.EventApprovalDecision, map[string]any{
		"request_id":  req.RequestID,
		"workflow_id": req.WorkflowID,
		"decision":    decision,
	}, "httpapi", eventbusEmitOptions(req.WorkflowID))

	writeJSON(w, http.StatusOK, statusResponse{Status: string(latest.State.Status)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleCancel implements POST /tasks/{task_id}/cancel (spec §6): delivers a
// synthetic cancelled decision to a suspended run, or directly marks the
// latest checkpoint cancelled if nothing is suspended (spec §4.6).
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}

	latest, err := s.Checkpoints.Latest(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	if latest.State.Status == model.StatusAwaitingApproval && latest.State.ApprovalRequestID != "" {
		s.Bus.Emit(r.Context(), model.EventApprovalDecision, map[string]any{
			"request_id":  latest.State.ApprovalRequestID,
			"workflow_id": taskID,
			"decision":    model.DecisionCancelled,
		}, "httpapi", eventbusEmitOptions(taskID))
		writeJSON(w, http.StatusOK, statusResponse{Status: string(model.StatusAwaitingApproval)})
		return
	}

	updated, err := s.Services.Cancel(r.Context(), latest.State, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: string(updated.Status)})
}
