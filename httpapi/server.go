// Package httpapi implements the orchestrator's HTTP surface (spec §6):
// POST /orchestrate, GET /tasks/{task_id}, POST /tasks/{task_id}/resume,
// POST /tasks/{task_id}/cancel, POST /webhooks/approval, GET /health, and
// GET /metrics.
//
// The teacher's own HTTP surface is generated by the Goa DSL compiler, which
// is out of scope here (no DSL/codegen retained, spec §B). Routing is
// instead grounded on the rest of the retrieved corpus: kadirpekel-hector
// and r3e-network-service_layer both hand-wire a go-chi/chi/v5 router with
// the same middleware-chain-then-route style used here.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/orchestrator/checkpoint"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/hitl"
	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/resourcelock"
	"github.com/flowforge/orchestrator/telemetry"
	"github.com/flowforge/orchestrator/toolgateway"
	"github.com/flowforge/orchestrator/workflow"
)

// Server bundles every dependency the HTTP handlers need.
type Server struct {
	Engine       workflow.Engine
	WorkflowName string
	Registry     *workflow.Registry
	Services     *workflow.Services
	Checkpoints  checkpoint.Store
	HITL         *hitl.Manager
	Bus          *eventbus.Bus
	Locks        *resourcelock.Manager
	LLM          *llmgateway.Gateway
	Tools        *toolgateway.Client
	Telemetry    telemetry.Bundle

	// ApprovalWebhookSecret is the shared secret used to verify
	// POST /webhooks/approval's HMAC-SHA256 signature.
	ApprovalWebhookSecret string
}

// Router builds the chi router exposing every endpoint from spec §6.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/orchestrate", s.handleOrchestrate)
	r.Get("/tasks/{task_id}", s.handleGetTask)
	r.Post("/tasks/{task_id}/resume", s.handleResume)
	r.Post("/tasks/{task_id}/cancel", s.handleCancel)
	r.Post("/webhooks/approval", s.handleApprovalWebhook)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
