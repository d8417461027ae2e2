package httpapi_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator/checkpoint"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/hitl"
	"github.com/flowforge/orchestrator/httpapi"
	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/resourcelock"
	"github.com/flowforge/orchestrator/risk"
	"github.com/flowforge/orchestrator/telemetry"
	"github.com/flowforge/orchestrator/toolcatalog"
	"github.com/flowforge/orchestrator/toolgateway"
	"github.com/flowforge/orchestrator/workflow"
	"github.com/flowforge/orchestrator/workflow/inmem"
)

type stubLLM struct{}

func (stubLLM) Complete(ctx context.Context, req llmgateway.Request) (llmgateway.Response, error) {
	return llmgateway.Response{
		Message:    model.Message{Role: "assistant", Content: "done"},
		StopReason: llmgateway.StopEndTurn,
	}, nil
}

const testWebhookSecret = "test-secret"

func newTestServer(t *testing.T) (*httpapi.Server, *workflow.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := eventbus.New()
	locks := resourcelock.New(client)
	cpStore := checkpoint.NewMemoryStore()
	assessor := risk.New([]risk.Rule{
		{OpClasses: []risk.OpClass{risk.OpDeploy}, Level: model.RiskHigh, RequiredRole: model.RoleTechLead},
	})
	hitlStore := hitl.NewMemoryStore()
	manager := hitl.New(hitlStore, assessor, bus, locks)
	catalog := toolcatalog.New(map[string][]string{})
	llm := llmgateway.New([]llmgateway.Backend{{Name: "stub", Client: stubLLM{}}})
	tools := toolgateway.New("http://unused.invalid")

	services := &workflow.Services{
		Checkpoints:   cpStore,
		Locks:         locks,
		Bus:           bus,
		HITL:          manager,
		Catalog:       catalog,
		LLM:           llm,
		Tools:         tools,
		Telemetry:     telemetry.Noop(),
		MaxToolRounds: workflow.DefaultMaxToolRounds,
	}

	g := workflow.NewGraph("assistant")
	services.AddSpecialist(g, "assistant", workflow.SpecialistOptions{
		Profile: model.AgentProfile{AgentName: "assistant", SystemPrompt: "You help."},
	})

	engine := inmem.New(telemetry.Noop())
	require.NoError(t, engine.RegisterWorkflow(context.Background(), workflow.WorkflowDefinition{
		Name:    "orchestration",
		Handler: workflow.NewOrchestrationWorkflow(services, g),
	}))

	registry := workflow.NewRegistry()
	workflow.BridgeApprovalDecisions(bus, registry)

	return &httpapi.Server{
		Engine:                engine,
		WorkflowName:          "orchestration",
		Registry:              registry,
		Services:              services,
		Checkpoints:           cpStore,
		HITL:                  manager,
		Bus:                   bus,
		Locks:                 locks,
		LLM:                   llm,
		Tools:                 tools,
		Telemetry:             telemetry.Noop(),
		ApprovalWebhookSecret: testWebhookSecret,
	}, registry
}

func TestOrchestrateAndGetTaskReachesCompleted(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"description": "run the tests"})
	resp, err := http.Post(ts.URL+"/orchestrate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var orchestrated struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&orchestrated))
	require.NotEmpty(t, orchestrated.TaskID)
	assert.Equal(t, "running", orchestrated.Status)

	var final struct {
		Status string `json:"status"`
	}
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/tasks/" + orchestrated.TaskID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&final)
		return final.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetUnknownTaskReportsRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tasks/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApprovalWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"request_id": "r-1",
		"decision":   "approved",
		"signature":  "deadbeef",
	})
	resp, err := http.Post(ts.URL+"/webhooks/approval", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var errBody struct {
		ErrorKind string `json:"error_kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "permission_denied", errBody.ErrorKind)
}

func TestApprovalWebhookAcceptsValidSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// The signable payload excludes "signature" itself — it cannot cover
	// its own bytes (see webhook.go's verifySignature). Field order and
	// presence must match that function's anonymous struct exactly, since
	// JSON marshaling of a struct (unlike a map) preserves field order.
	signable, _ := json.Marshal(struct {
		RequestID     string `json:"request_id"`
		Decision      string `json:"decision"`
		DecidedBy     string `json:"decided_by"`
		Justification string `json:"justification"`
	}{"does-not-exist", "approved", "tester", ""})
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(signable)
	sig := hex.EncodeToString(mac.Sum(nil))

	signedBody, _ := json.Marshal(struct {
		RequestID string `json:"request_id"`
		Decision  string `json:"decision"`
		DecidedBy string `json:"decided_by"`
		Signature string `json:"signature"`
	}{"does-not-exist", "approved", "tester", sig})
	resp, err := http.Post(ts.URL+"/webhooks/approval", "application/json", bytes.NewReader(signedBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	// A valid signature over an unknown request_id should fail at the HITL
	// lookup (not_found), not at signature verification (permission_denied)
	// — this distinguishes the two failure paths.
	assert.NotEqual(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
