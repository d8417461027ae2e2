package workflow

import (
	"github.com/flowforge/orchestrator/checkpoint"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/hitl"
	"github.com/flowforge/orchestrator/llmgateway"
	"github.com/flowforge/orchestrator/resourcelock"
	"github.com/flowforge/orchestrator/telemetry"
	"github.com/flowforge/orchestrator/toolcatalog"
	"github.com/flowforge/orchestrator/toolgateway"
)

// Services bundles the components a node needs (checkpoint store, lock
// manager, event bus, HITL manager, tool catalog, LLM and Tool gateways),
// mirroring the "explicit context object" design note of spec §9 rather
// than threading each dependency through every node constructor separately.
type Services struct {
	Checkpoints checkpoint.Store
	Locks       *resourcelock.Manager
	Bus         *eventbus.Bus
	HITL        *hitl.Manager
	Catalog     *toolcatalog.Catalog
	LLM         *llmgateway.Gateway
	Tools       *toolgateway.Client
	Telemetry   telemetry.Bundle

	// MaxToolRounds bounds the tool-call loop per specialist invocation
	// (spec §4.6, default 6).
	MaxToolRounds int
}

// DefaultMaxToolRounds matches spec §4.6's default.
const DefaultMaxToolRounds = 6
