// Package toolcatalog implements the orchestrator's tool metadata registry
// and progressive disclosure loader (spec §4.4, C4): registration, lookup,
// and a selector that shrinks a large catalog to the subset relevant for one
// task and agent.
//
// Registration/lookup follows the teacher's registry service
// (registry/service.go, registry/store): an in-memory map guarded by a
// mutex, tool identifiers following the tools.ID "service.toolset.tool"
// convention (runtime/agent/tools/tools.go), and input-schema validation via
// github.com/santhosh-tekuri/jsonschema/v6 the same way the teacher validates
// tool call payloads against a registered schema (registry/service.go
// validatePayloadJSONAgainstSchema).
//
// Select's result can optionally be narrowed again by a policy.Engine
// (WithPolicyEngine), the same allow/block gate risk.Assessor implements for
// task classification, grounded on the teacher's policy engine
// (features/policy/basic/engine.go).
package toolcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/policy"
)

// Strategy selects the algorithm select() uses to narrow the catalog
// (spec §4.4).
type Strategy string

const (
	StrategyMinimal      Strategy = "MINIMAL"
	StrategyAgentProfile Strategy = "AGENT_PROFILE"
	StrategyProgressive  Strategy = "PROGRESSIVE"
	StrategyFull         Strategy = "FULL"
)

const (
	minimalCap     = 30
	progressiveCap = 40
)

var defaultStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "and": {}, "or": {},
	"in": {}, "on": {}, "for": {}, "is": {}, "it": {}, "with": {}, "this": {},
	"that": {}, "be": {}, "are": {}, "as": {}, "at": {}, "by": {}, "from": {},
}

// Catalog holds registered tools and agent profiles, and exposes the
// progressive-disclosure selector. It is safe for concurrent use.
type Catalog struct {
	mu             sync.RWMutex
	tools          map[string]model.Tool
	profiles       map[string]model.AgentProfile
	keywordServers map[string][]string // spec §4.4 "keyword mapping" table
	schemas        map[string]*jsonschema.Schema
	filter         *ToolFilter // optional, set via WithPolicyEngine
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithPolicyEngine sets a ToolFilter that Select applies after strategy
// selection, trimming the strategy's result to the filter's allow/block
// rules (spec §4.4's selector narrows by strategy; the filter narrows
// further by policy, the same separation the teacher keeps between its
// planner's tool listing and its policy engine's Decide).
func WithPolicyEngine(f *ToolFilter) Option {
	return func(c *Catalog) { c.filter = f }
}

// New constructs an empty Catalog. keywordServers is the table-driven
// keyword-to-servers mapping described in spec §4.4 (e.g. "docker" ->
// {"docker", "kubernetes"}); callers typically load it from YAML config.
func New(keywordServers map[string][]string, opts ...Option) *Catalog {
	if keywordServers == nil {
		keywordServers = map[string][]string{}
	}
	c := &Catalog{
		tools:          make(map[string]model.Tool),
		profiles:       make(map[string]model.AgentProfile),
		keywordServers: keywordServers,
		schemas:        make(map[string]*jsonschema.Schema),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RegisterTool adds or replaces a tool. If the tool declares an InputSchema,
// it is compiled immediately so malformed schemas fail at registration
// rather than at selection or validation time.
func (c *Catalog) RegisterTool(tool model.Tool) error {
	var compiled *jsonschema.Schema
	if len(tool.InputSchema) > 0 {
		var err error
		compiled, err = compileSchema(tool.Name, tool.InputSchema)
		if err != nil {
			return apperrors.Wrap(apperrors.KindValidation, fmt.Sprintf("toolcatalog: invalid input_schema for %q", tool.Name), err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[tool.Name] = tool
	if compiled != nil {
		c.schemas[tool.Name] = compiled
	}
	return nil
}

// RegisterAgentProfile adds or replaces an agent's profile.
func (c *Catalog) RegisterAgentProfile(profile model.AgentProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[profile.AgentName] = profile
}

// ListAll returns every registered tool, ordered by name for determinism.
func (c *Catalog) ListAll() []model.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sortTools(out)
	return out
}

// Get returns the named tool. Returns apperrors.ErrNotFound if unregistered.
func (c *Catalog) Get(name string) (model.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	if !ok {
		return model.Tool{}, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("toolcatalog: tool %q not registered", name))
	}
	return t, nil
}

// ValidateInput validates payload against tool's registered input schema. A
// tool with no schema always validates.
func (c *Catalog) ValidateInput(toolName string, payload []byte) error {
	c.mu.RLock()
	schema, ok := c.schemas[toolName]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "toolcatalog: payload is not valid JSON", err)
	}
	if err := schema.Validate(doc); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, fmt.Sprintf("toolcatalog: payload for %q failed schema validation", toolName), err)
	}
	return nil
}

func compileSchema(name string, schemaBytes []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resourceID := "schema://" + name
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resourceID)
}

// Select returns an ordered subset of tools for taskDescription and
// agentName under strategy (spec §4.4 select()). Selection is deterministic:
// given the same catalog contents, inputs, and strategy, it always returns
// the same ordered list.
func (c *Catalog) Select(ctx context.Context, taskDescription, agentName string, strategy Strategy) ([]model.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	profile := c.profiles[agentName]

	var selected []model.Tool
	switch strategy {
	case StrategyFull:
		selected = make([]model.Tool, 0, len(c.tools))
		for _, t := range c.tools {
			selected = append(selected, t)
		}
		sortTools(selected)
	case StrategyAgentProfile:
		selected = c.selectAgentProfile(profile)
	case StrategyMinimal:
		selected = c.selectMinimal(taskDescription)
	case StrategyProgressive, "":
		minimal := c.selectMinimal(taskDescription)
		agentTools := c.selectAgentProfile(profile)
		merged := mergeTools(minimal, highPriority(agentTools))
		selected = capTools(merged, progressiveCap)
	default:
		return nil, apperrors.New(apperrors.KindValidation, fmt.Sprintf("toolcatalog: unknown strategy %q", strategy))
	}

	if c.filter == nil {
		return selected, nil
	}
	decision, err := c.filter.DecideTags(ctx, selected)
	if err != nil {
		return nil, err
	}
	return filterByName(selected, decision.Allowed), nil
}

// filterByName restricts tools to those named in allowed, preserving tools'
// relative order.
func filterByName(tools []model.Tool, allowed []string) []model.Tool {
	keep := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		keep[name] = struct{}{}
	}
	out := make([]model.Tool, 0, len(tools))
	for _, t := range tools {
		if _, ok := keep[t.Name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// selectMinimal implements the MINIMAL strategy: extract keywords from
// taskDescription, union the keyword->servers mapping's matched servers'
// tools, cap at minimalCap, tie-break by tag frequency then lexical order.
func (c *Catalog) selectMinimal(taskDescription string) []model.Tool {
	keywords := extractKeywords(taskDescription)
	servers := make(map[string]struct{})
	for _, kw := range keywords {
		for _, srv := range c.keywordServers[kw] {
			servers[srv] = struct{}{}
		}
	}
	if len(servers) == 0 {
		return nil
	}
	var matched []model.Tool
	for _, t := range c.tools {
		if _, ok := servers[t.Server]; ok {
			matched = append(matched, t)
		}
	}
	sortByTagFrequencyThenName(matched)
	return capTools(matched, minimalCap)
}

// selectAgentProfile implements the AGENT_PROFILE strategy: the union of
// recommended_tools and the agent's allowed_servers' tools.
func (c *Catalog) selectAgentProfile(profile model.AgentProfile) []model.Tool {
	seen := make(map[string]struct{})
	var out []model.Tool
	for _, name := range profile.RecommendedTools {
		if t, ok := c.tools[name]; ok {
			if _, dup := seen[t.Name]; !dup {
				seen[t.Name] = struct{}{}
				out = append(out, t)
			}
		}
	}
	allowed := make(map[string]struct{}, len(profile.AllowedServers))
	for _, srv := range profile.AllowedServers {
		allowed[srv] = struct{}{}
	}
	var fromServers []model.Tool
	for _, t := range c.tools {
		if _, ok := allowed[t.Server]; ok {
			if _, dup := seen[t.Name]; !dup {
				seen[t.Name] = struct{}{}
				fromServers = append(fromServers, t)
			}
		}
	}
	sortTools(fromServers)
	out = append(out, fromServers...)
	return out
}

// highPriority filters for tools tagged "high-priority", used when merging
// AGENT_PROFILE results into PROGRESSIVE.
func highPriority(tools []model.Tool) []model.Tool {
	var out []model.Tool
	for _, t := range tools {
		for _, tag := range t.Tags {
			if tag == "high-priority" {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func mergeTools(groups ...[]model.Tool) []model.Tool {
	seen := make(map[string]struct{})
	var out []model.Tool
	for _, group := range groups {
		for _, t := range group {
			if _, dup := seen[t.Name]; dup {
				continue
			}
			seen[t.Name] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func capTools(tools []model.Tool, n int) []model.Tool {
	if len(tools) <= n {
		return tools
	}
	return tools[:n]
}

func extractKeywords(taskDescription string) []string {
	lower := strings.ToLower(taskDescription)
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	seen := make(map[string]struct{})
	var out []string
	for _, f := range fields {
		if _, stop := defaultStopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func sortTools(tools []model.Tool) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
}

func sortByTagFrequencyThenName(tools []model.Tool) {
	freq := make(map[string]int)
	for _, t := range tools {
		for _, tag := range t.Tags {
			freq[tag]++
		}
	}
	score := func(t model.Tool) int {
		best := 0
		for _, tag := range t.Tags {
			if freq[tag] > best {
				best = freq[tag]
			}
		}
		return best
	}
	sort.SliceStable(tools, func(i, j int) bool {
		si, sj := score(tools[i]), score(tools[j])
		if si != sj {
			return si > sj
		}
		return tools[i].Name < tools[j].Name
	})
}
