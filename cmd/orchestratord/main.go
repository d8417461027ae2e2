// Command orchestratord is the orchestrator process entrypoint (spec §6): it
// loads configuration, wires the checkpoint store, event bus, lock manager,
// risk assessor, tool catalog, LLM gateway, tool gateway, and workflow
// engine, builds the agent graph, and serves the HTTP API until signaled to
// stop.
//
// Exit codes: 0 success/clean shutdown, 2 configuration error, 3 a required
// dependency (Redis, Mongo, Temporal) was unavailable at startup, 1 any
// other startup failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/flowforge/orchestrator/checkpoint"
	"github.com/flowforge/orchestrator/config"
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
	"github.com/flowforge/orchestrator/workflow/temporal"
)

const (
	exitOK             = 0
	exitConfigError    = 2
	exitDependencyDown = 3
	exitOther          = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPathF   = flag.String("config", "", "path to YAML configuration file")
		addrF         = flag.String("addr", ":8080", "HTTP listen address")
		redisAddrF    = flag.String("redis-addr", "localhost:6379", "Redis address for locks and the event bus")
		mongoURIF     = flag.String("mongo-uri", "", "MongoDB URI for checkpoint/HITL persistence; empty uses in-memory stores")
		mongoDBF      = flag.String("mongo-database", "orchestrator", "MongoDB database name")
		toolGatewayF  = flag.String("tool-gateway-url", "", "Tool Gateway base URL")
		engineF       = flag.String("engine", "inmem", "workflow engine: inmem or temporal")
		temporalAddrF = flag.String("temporal-addr", "localhost:7233", "Temporal frontend address (engine=temporal only)")
		taskQueueF    = flag.String("task-queue", "orchestrator", "Temporal task queue (engine=temporal only)")
		debugF        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configPathF)
	if err != nil {
		log.Errorf(ctx, err, "configuration error")
		return exitConfigError
	}
	risk.SetLevelTimeouts(cfg.ApprovalTimeoutDurations())

	t := telemetry.Clue()

	redisClient := redis.NewClient(&redis.Options{Addr: *redisAddrF})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Errorf(ctx, err, "redis unavailable at %s", *redisAddrF)
		return exitDependencyDown
	}
	defer redisClient.Close()

	bus := eventbus.New(eventbus.WithTelemetry(t), eventbus.WithOriginNode("orchestratord"))
	locks := resourcelock.New(redisClient, resourcelock.WithEventBus(bus), resourcelock.WithTelemetry(t))

	checkpointStore, hitlStore, closeMongo, err := buildStores(ctx, *mongoURIF, *mongoDBF)
	if err != nil {
		log.Errorf(ctx, err, "storage backend unavailable")
		return exitDependencyDown
	}
	if closeMongo != nil {
		defer closeMongo(ctx)
	}

	riskRules, err := cfg.RiskRules()
	if err != nil {
		log.Errorf(ctx, err, "invalid risk rules")
		return exitConfigError
	}
	assessor := risk.New(riskRules)
	hitlManager := hitl.New(hitlStore, assessor, bus, locks, hitl.WithTelemetry(t))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go runExpirySweeper(sweepCtx, hitlManager, t)

	var catalogOpts []toolcatalog.Option
	if filterOpts := cfg.ToolFilterOptions(); len(filterOpts.BlockTools) > 0 || len(filterOpts.BlockTags) > 0 {
		catalogOpts = append(catalogOpts, toolcatalog.WithPolicyEngine(toolcatalog.NewToolFilter(filterOpts)))
	}
	catalog := toolcatalog.New(cfg.KeywordToServers, catalogOpts...)
	if err := catalog.RegisterTool(model.Tool{
		Name:        nestedCodeReviewTool,
		Server:      "agent",
		Description: "Have the code-review specialist review a diff or change before finishing.",
		Tags:        []string{"agent-tool"},
	}); err != nil {
		log.Errorf(ctx, err, "registering nested code-review tool")
		return exitConfigError
	}
	llm := llmgateway.New(buildLLMBackends(ctx), llmgateway.WithTelemetry(t), llmgateway.WithRetryPolicy(llmgateway.RetryPolicy{Backoffs: cfg.RetryBackoff()}))

	if *toolGatewayF == "" {
		log.Errorf(ctx, fmt.Errorf("missing required flag"), "-tool-gateway-url is required")
		return exitConfigError
	}
	tools := toolgateway.New(*toolGatewayF, toolgateway.WithRetryPolicy(toolgateway.RetryPolicy{Backoffs: cfg.RetryBackoff()}))

	services := &workflow.Services{
		Checkpoints:   checkpointStore,
		Locks:         locks,
		Bus:           bus,
		HITL:          hitlManager,
		Catalog:       catalog,
		LLM:           llm,
		Tools:         tools,
		Telemetry:     t,
		MaxToolRounds: cfg.MaxToolRounds,
	}

	g := buildGraph(services, llm, cfg)

	engine, stopEngine, err := buildEngine(ctx, *engineF, *temporalAddrF, *taskQueueF, t)
	if err != nil {
		log.Errorf(ctx, err, "workflow engine unavailable")
		return exitDependencyDown
	}
	if stopEngine != nil {
		defer stopEngine()
	}

	if err := engine.RegisterWorkflow(ctx, workflow.WorkflowDefinition{
		Name:    "orchestration",
		Handler: workflow.NewOrchestrationWorkflow(services, g),
	}); err != nil {
		log.Errorf(ctx, err, "register workflow")
		return exitOther
	}

	registry := workflow.NewRegistry()
	workflow.BridgeApprovalDecisions(bus, registry)

	server := &httpapi.Server{
		Engine:                engine,
		WorkflowName:          "orchestration",
		Registry:              registry,
		Services:              services,
		Checkpoints:           checkpointStore,
		HITL:                  hitlManager,
		Bus:                   bus,
		Locks:                 locks,
		LLM:                   llm,
		Tools:                 tools,
		Telemetry:             t,
		ApprovalWebhookSecret: cfg.SharedSecretApprovalWebhook,
	}

	httpServer := &http.Server{Addr: *addrF, Handler: server.Router()}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "orchestratord listening on %s", *addrF)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.Printf(ctx, "received signal %v, shutting down", sig)
	case err := <-errc:
		log.Errorf(ctx, err, "http server failed")
		return exitOther
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "graceful shutdown failed")
		return exitOther
	}
	return exitOK
}

// runExpirySweeper periodically flips overdue pending ApprovalRequests to
// expired (spec §4.5's expire_pending background pass, exercised by S4).
func runExpirySweeper(ctx context.Context, m *hitl.Manager, t telemetry.Bundle) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.ExpirePending(ctx); err != nil {
				t.Logger.Warn(ctx, "hitl: expiry sweep failed", "err", err)
			} else if n > 0 {
				t.Logger.Info(ctx, "hitl: expired overdue approval requests", "count", n)
			}
		}
	}
}

// buildStores selects in-memory or MongoDB-backed checkpoint/HITL storage
// depending on whether mongoURI is set (spec §4.3, §4.5 persistence notes).
func buildStores(ctx context.Context, mongoURI, database string) (checkpoint.Store, hitl.Store, func(context.Context), error) {
	if mongoURI == "" {
		return checkpoint.NewMemoryStore(), hitl.NewMemoryStore(), nil, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	checkpointStore := checkpoint.NewMongoStore(db.Collection("checkpoints"))
	hitlStore := hitl.NewMongoStore(db.Collection("approval_requests"))

	closeFn := func(ctx context.Context) {
		_ = client.Disconnect(ctx)
	}
	return checkpointStore, hitlStore, closeFn, nil
}

// buildLLMBackends wires one llmgateway.Client per provider with credentials
// present in the environment, in fallback order Anthropic, OpenAI, Bedrock
// (spec §4.6's LLM Gateway, "falls over to secondaries on upstream failure").
// Each backend's RequestsPerSecond/Burst come from the matching
// FLOWFORGE_<PROVIDER>_QPS env var, defaulting to unlimited.
func buildLLMBackends(ctx context.Context) []llmgateway.Backend {
	var backends []llmgateway.Backend
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		backends = append(backends, llmgateway.Backend{
			Name:              "anthropic",
			Client:            llmgateway.NewAnthropicClient(key, envOr("ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-5")),
			RequestsPerSecond: envFloat("FLOWFORGE_ANTHROPIC_QPS", 0),
			Burst:             int(envFloat("FLOWFORGE_ANTHROPIC_QPS", 0)) + 1,
		})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		backends = append(backends, llmgateway.Backend{
			Name:              "openai",
			Client:            llmgateway.NewOpenAIClient(key, envOr("OPENAI_DEFAULT_MODEL", "gpt-4o")),
			RequestsPerSecond: envFloat("FLOWFORGE_OPENAI_QPS", 0),
			Burst:             int(envFloat("FLOWFORGE_OPENAI_QPS", 0)) + 1,
		})
	}
	if modelID := os.Getenv("BEDROCK_MODEL_ID"); modelID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Errorf(ctx, err, "bedrock: loading AWS config, skipping backend")
		} else {
			backends = append(backends, llmgateway.Backend{
				Name:              "bedrock",
				Client:            llmgateway.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), modelID),
				RequestsPerSecond: envFloat("FLOWFORGE_BEDROCK_QPS", 0),
				Burst:             int(envFloat("FLOWFORGE_BEDROCK_QPS", 0)) + 1,
			})
		}
	}
	return backends
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildEngine selects the in-process or Temporal-backed workflow.Engine
// (spec §9's pluggable engine decision).
func buildEngine(ctx context.Context, kind, temporalAddr, taskQueue string, t telemetry.Bundle) (workflow.Engine, func(), error) {
	switch strings.ToLower(kind) {
	case "", "inmem":
		return inmem.New(t), nil, nil
	case "temporal":
		c, err := temporalclient.Dial(temporalclient.Options{HostPort: temporalAddr})
		if err != nil {
			return nil, nil, fmt.Errorf("dial temporal at %s: %w", temporalAddr, err)
		}
		engine := temporal.New(c, taskQueue, t)
		if err := engine.Start(); err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("start temporal worker: %w", err)
		}
		return engine, func() { engine.Stop(); c.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine %q (want inmem or temporal)", kind)
	}
}

// buildGraph assembles the default agent roster (spec §9's GLOSSARY:
// supervisor, feature-dev, code-review, infrastructure, cicd, documentation):
// a Supervisor that routes to exactly one of five specialists, which ends
// the workflow on completion. infrastructure and cicd are marked
// state_changing so the Approval Gate interposes before either runs.
func buildGraph(services *workflow.Services, llm *llmgateway.Gateway, cfg config.Config) *workflow.Graph {
	const supervisorNode = "supervisor"

	specialists := []struct {
		name          string
		description   string
		stateChanging bool
	}{
		{"feature-dev", "implements application features and bug fixes", false},
		{"code-review", "reviews diffs for correctness and style", false},
		{"infrastructure", "provisions or modifies cloud infrastructure", true},
		{"cicd", "changes build and deployment pipelines", true},
		{"documentation", "writes or updates project documentation", false},
	}

	g := workflow.NewGraph(supervisorNode)

	info := make([]workflow.SpecialistInfo, 0, len(specialists))
	allowed := make([]string, 0, len(specialists))
	for _, s := range specialists {
		info = append(info, workflow.SpecialistInfo{Name: s.name, Description: s.description})
		allowed = append(allowed, s.name)
	}

	g.AddSupervisor(supervisorNode, workflow.NewLLMSupervisorChooser(llm, info), workflow.SupervisorOptions{
		DefaultAgent:  "feature-dev",
		AllowedAgents: allowed,
	})

	codeReviewProfile := model.AgentProfile{
		AgentName:    "code-review",
		SystemPrompt: "You are the code-review specialist: reviews diffs for correctness and style.",
	}

	for _, s := range specialists {
		opts := workflow.SpecialistOptions{
			Profile: model.AgentProfile{
				AgentName:     s.name,
				SystemPrompt:  "You are the " + s.name + " specialist: " + s.description + ".",
				StateChanging: s.stateChanging,
			},
			ToolStrategy: cfg.Strategy(),
		}
		if s.name == "feature-dev" {
			// feature-dev may delegate mid-turn to the code-review specialist
			// as a nested agent-as-tool call instead of ending its turn and
			// waiting for the supervisor to route to code-review separately.
			opts.Profile.RecommendedTools = []string{nestedCodeReviewTool}
			opts.NestedAgents = map[string]model.AgentProfile{nestedCodeReviewTool: codeReviewProfile}
		}
		services.AddSpecialist(g, s.name, opts)
	}

	return g
}

// nestedCodeReviewTool is the tool name feature-dev's LLM sees for
// delegating to the code-review specialist as a nested agent-as-tool call.
const nestedCodeReviewTool = "agent.code_review"
