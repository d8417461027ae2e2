// Package hitl implements the Human-In-The-Loop approval gate (spec §4.5,
// the other half of C5): risk-gated approval requests with webhook-driven
// decisions, timeout expiry, and per-request mutual exclusion.
//
// The Manager is grounded on the teacher's interrupt controller
// (runtime/agent/interrupt.Controller), which also models "pause until an
// external signal arrives, then resume with the decision" — here the
// external signal is an approval webhook instead of an in-process channel,
// so the pending/approved/rejected transition is persisted via Store and
// coordinated across processes via the resource lock manager instead of a
// Go channel.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/resourcelock"
	"github.com/flowforge/orchestrator/risk"
	"github.com/flowforge/orchestrator/telemetry"
)

// ExternalUI abstracts the external approval-UI client the Manager creates a
// record on during create_request (spec §4.5 step 4).
type ExternalUI interface {
	// CreateRecord creates an external approval record and returns an
	// opaque reference stored as ApprovalRequest.ExternalRef.
	CreateRecord(ctx context.Context, req model.ApprovalRequest, task model.Task) (externalRef string, err error)
}

// NoopExternalUI is used when no external approval UI is configured; it
// returns an empty reference.
type NoopExternalUI struct{}

func (NoopExternalUI) CreateRecord(context.Context, model.ApprovalRequest, model.Task) (string, error) {
	return "", nil
}

// Manager is the stateful HITL gate described in spec §4.5: it holds the
// Risk Assessor, an ApprovalRequest Store, the Event Bus, the Resource Lock
// Manager, and an external UI client.
type Manager struct {
	store      Store
	assessor   *risk.Assessor
	bus        *eventbus.Bus
	locks      *resourcelock.Manager
	externalUI ExternalUI
	telemetry  telemetry.Bundle

	agentIndexMu sync.RWMutex
	agentIndex   map[string]string // request_id -> agent_name, spec §6 row format omits this column
}

// Option configures a Manager.
type Option func(*Manager)

func WithExternalUI(ui ExternalUI) Option     { return func(m *Manager) { m.externalUI = ui } }
func WithTelemetry(t telemetry.Bundle) Option { return func(m *Manager) { m.telemetry = t } }

// New constructs a Manager.
func New(store Store, assessor *risk.Assessor, bus *eventbus.Bus, locks *resourcelock.Manager, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		assessor:   assessor,
		bus:        bus,
		locks:      locks,
		externalUI: NoopExternalUI{},
		telemetry:  telemetry.Noop(),
		agentIndex: make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func approvalLockResource(requestID string) string { return "approval:" + requestID }

// CreateRequest implements create_request (spec §4.5). It returns ("", nil)
// when the task's risk is low — no approval is needed.
func (m *Manager) CreateRequest(ctx context.Context, workflowID, threadID, checkpointID string, task model.Task, agentName string) (string, error) {
	assessment := m.assessor.Assess(task)
	if assessment.Level == model.RiskLow {
		return "", nil
	}

	requestID := uuid.NewString()
	now := time.Now()
	req := model.ApprovalRequest{
		RequestID:    requestID,
		WorkflowID:   workflowID,
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		RiskLevel:    assessment.Level,
		RequiredRole: assessment.RequiredRole,
		Status:       model.ApprovalPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(assessment.Timeout()),
	}

	if err := m.store.Put(ctx, req); err != nil {
		return "", err
	}
	m.agentIndexMu.Lock()
	m.agentIndex[requestID] = agentName
	m.agentIndexMu.Unlock()

	externalRef, err := m.externalUI.CreateRecord(ctx, req, task)
	if err != nil {
		m.telemetry.Logger.Warn(ctx, "hitl: external UI record failed", "request_id", requestID, "err", err)
	} else if externalRef != "" {
		req.ExternalRef = externalRef
		if err := m.store.Update(ctx, req); err != nil {
			return "", err
		}
	}

	m.bus.Emit(ctx, model.EventApprovalRequest, map[string]any{
		"request_id":    requestID,
		"workflow_id":   workflowID,
		"thread_id":     threadID,
		"checkpoint_id": checkpointID,
		"risk_level":    string(assessment.Level),
		"required_role": string(assessment.RequiredRole),
	}, "hitl", eventbus.EmitOptions{CorrelationID: workflowID})

	return requestID, nil
}

// RecordDecision implements record_decision (spec §4.5): an atomic
// pending->approved|rejected transition, guarded by the per-request_id lock
// so webhook decisions and the timeout sweeper cannot both win.
func (m *Manager) RecordDecision(ctx context.Context, requestID, decision, decidedBy, justification string) error {
	handle, err := m.locks.Acquire(ctx, approvalLockResource(requestID), "hitl-manager", 10*time.Second, 5*time.Second, "record_decision")
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release(ctx) }()

	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return apperrors.New(apperrors.KindConflict, "hitl: approval request is already terminal")
	}

	var newStatus model.ApprovalStatus
	switch decision {
	case model.DecisionApproved:
		newStatus = model.ApprovalApproved
	case model.DecisionRejected, model.DecisionCancelled:
		newStatus = model.ApprovalRejected
	default:
		return apperrors.New(apperrors.KindValidation, fmt.Sprintf("hitl: unknown decision %q", decision))
	}

	if req.RiskLevel == model.RiskCritical && newStatus == model.ApprovalApproved && justification == "" {
		return apperrors.New(apperrors.KindValidation, "hitl: critical approvals require a justification")
	}

	now := time.Now()
	req.Status = newStatus
	req.DecidedAt = &now
	req.DecidedBy = decidedBy
	req.Justification = justification
	if err := m.store.Update(ctx, req); err != nil {
		return err
	}

	m.bus.Emit(ctx, model.EventApprovalDecision, map[string]any{
		"request_id":    requestID,
		"workflow_id":   req.WorkflowID,
		"checkpoint_id": req.CheckpointID,
		"decision":      decision,
	}, "hitl", eventbus.EmitOptions{CorrelationID: req.WorkflowID})
	return nil
}

// ExpirePending implements expire_pending (spec §4.5): a background pass
// that flips overdue pending rows to expired and emits a rejecting decision.
// It returns the number of rows it flipped to expired.
func (m *Manager) ExpirePending(ctx context.Context) (int, error) {
	rows, err := m.store.ListExpirable(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range rows {
		ok, err := m.expireOne(ctx, req.RequestID)
		if err != nil {
			m.telemetry.Logger.Warn(ctx, "hitl: expire failed", "request_id", req.RequestID, "err", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// expireOne reports whether it flipped the row to expired.
func (m *Manager) expireOne(ctx context.Context, requestID string) (bool, error) {
	handle, err := m.locks.Acquire(ctx, approvalLockResource(requestID), "hitl-sweeper", 10*time.Second, 0, "expire")
	if err != nil {
		// Another operation (a webhook decision) holds the lock; it will
		// resolve the row to a terminal state itself. Not an error for the
		// sweeper.
		return false, nil
	}
	defer func() { _ = handle.Release(ctx) }()

	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status.Terminal() || req.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	req.Status = model.ApprovalExpired
	now := time.Now()
	req.DecidedAt = &now
	if err := m.store.Update(ctx, req); err != nil {
		return false, err
	}
	m.bus.Emit(ctx, model.EventApprovalDecision, map[string]any{
		"request_id":    requestID,
		"workflow_id":   req.WorkflowID,
		"checkpoint_id": req.CheckpointID,
		"decision":      model.DecisionRejected,
		"reason":        "expired",
	}, "hitl", eventbus.EmitOptions{CorrelationID: req.WorkflowID})
	return true, nil
}

// Get returns one ApprovalRequest by id.
func (m *Manager) Get(ctx context.Context, requestID string) (model.ApprovalRequest, error) {
	return m.store.Get(ctx, requestID)
}

// ListPending returns pending requests, optionally filtered by the agent
// they were created for.
func (m *Manager) ListPending(ctx context.Context, agentName string) ([]model.ApprovalRequest, error) {
	rows, err := m.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if agentName == "" {
		return rows, nil
	}
	m.agentIndexMu.RLock()
	defer m.agentIndexMu.RUnlock()
	out := make([]model.ApprovalRequest, 0, len(rows))
	for _, req := range rows {
		if m.agentIndex[req.RequestID] == agentName {
			out = append(out, req)
		}
	}
	return out, nil
}
