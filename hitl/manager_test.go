package hitl_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/hitl"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/resourcelock"
	"github.com/flowforge/orchestrator/risk"
)

func newTestManager(t *testing.T) (*hitl.Manager, *eventbus.Bus) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := eventbus.New()
	locks := resourcelock.New(client)
	assessor := risk.New([]risk.Rule{
		{OpClasses: []risk.OpClass{risk.OpDeploy}, Level: model.RiskHigh, RequiredRole: model.RoleTechLead},
		{OpClasses: []risk.OpClass{risk.OpSecret}, Level: model.RiskCritical, RequiredRole: model.RoleDevOpsEngineer, JustificationRequired: true},
	})
	store := hitl.NewMemoryStore()
	return hitl.New(store, assessor, bus, locks), bus
}

func TestCreateRequestSkipsLowRisk(t *testing.T) {
	m, _ := newTestManager(t)
	task := model.Task{Description: "read a file"}
	id, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", task, "reader")
	require.NoError(t, err)
	assert.Empty(t, id, "low-risk tasks must not create an ApprovalRequest")
}

func TestCreateRequestPersistsPendingRow(t *testing.T) {
	m, bus := newTestManager(t)
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(model.EventApprovalRequest, func(context.Context, model.Event) { wg.Done() })

	task := model.Task{Description: "deploy", Context: map[string]any{"operation": "deploy"}}
	id, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", task, "deployer")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	wg.Wait()

	req, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, req.Status)
	assert.Equal(t, model.RiskHigh, req.RiskLevel)
	assert.Equal(t, model.RoleTechLead, req.RequiredRole)
}

func TestRecordDecisionApproves(t *testing.T) {
	m, bus := newTestManager(t)
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(model.EventApprovalDecision, func(context.Context, model.Event) { wg.Done() })

	task := model.Task{Description: "deploy", Context: map[string]any{"operation": "deploy"}}
	id, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", task, "deployer")
	require.NoError(t, err)

	require.NoError(t, m.RecordDecision(context.Background(), id, model.DecisionApproved, "alice", ""))
	wg.Wait()

	req, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, req.Status)
	assert.Equal(t, "alice", req.DecidedBy)
}

func TestRecordDecisionRejectsSecondAttemptOnTerminalRequest(t *testing.T) {
	m, _ := newTestManager(t)
	task := model.Task{Description: "deploy", Context: map[string]any{"operation": "deploy"}}
	id, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", task, "deployer")
	require.NoError(t, err)

	require.NoError(t, m.RecordDecision(context.Background(), id, model.DecisionApproved, "alice", ""))
	err = m.RecordDecision(context.Background(), id, model.DecisionRejected, "bob", "")
	assert.Error(t, err, "approval monotonicity: once terminal, no further transition is allowed")
}

func TestRecordDecisionRequiresJustificationForCritical(t *testing.T) {
	m, _ := newTestManager(t)
	task := model.Task{Description: "rotate secret", Context: map[string]any{"operation": "secret"}}
	id, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", task, "ops")
	require.NoError(t, err)

	err = m.RecordDecision(context.Background(), id, model.DecisionApproved, "alice", "")
	assert.Error(t, err)

	require.NoError(t, m.RecordDecision(context.Background(), id, model.DecisionApproved, "alice", "reviewed and authorized"))
}

func TestExpirePendingFlipsOverdueRequests(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := eventbus.New()
	locks := resourcelock.New(client)
	assessor := risk.New(nil)
	store := hitl.NewMemoryStore()
	m := hitl.New(store, assessor, bus, locks)

	var gotReason string
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(model.EventApprovalDecision, func(_ context.Context, evt model.Event) {
		gotReason, _ = evt.Payload["reason"].(string)
		wg.Done()
	})

	require.NoError(t, store.Put(context.Background(), model.ApprovalRequest{
		RequestID:  "req-overdue",
		WorkflowID: "wf-1",
		Status:     model.ApprovalPending,
		CreatedAt:  time.Now().Add(-time.Hour),
		ExpiresAt:  time.Now().Add(-time.Minute),
	}))

	n, err := m.ExpirePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	wg.Wait()
	assert.Equal(t, "expired", gotReason)

	req, err := m.Get(context.Background(), "req-overdue")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, req.Status)
}

func TestListPendingFiltersByAgent(t *testing.T) {
	m, _ := newTestManager(t)
	deployTask := model.Task{Description: "deploy", Context: map[string]any{"operation": "deploy"}}
	secretTask := model.Task{Description: "rotate secret", Context: map[string]any{"operation": "secret"}}

	_, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", deployTask, "deployer")
	require.NoError(t, err)
	_, err = m.CreateRequest(context.Background(), "wf-2", "t-2", "c-2", secretTask, "security-bot")
	require.NoError(t, err)

	rows, err := m.ListPending(context.Background(), "deployer")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	all, err := m.ListPending(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConcurrentDecisionAndSweepOnlyOneWins(t *testing.T) {
	m, _ := newTestManager(t)
	task := model.Task{Description: "deploy", Context: map[string]any{"operation": "deploy"}}
	id, err := m.CreateRequest(context.Background(), "wf-1", "t-1", "c-1", task, "deployer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.RecordDecision(context.Background(), id, model.DecisionApproved, "alice", "")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		_, _ = m.ExpirePending(context.Background())
	}()
	wg.Wait()

	req, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, req.Status.Terminal())
}
