package toolcatalog

import (
	"context"

	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/policy"
)

// ToolFilterOptions configures a ToolFilter. A tool matching any BlockTag or
// BlockTool is removed regardless of AllowTags/AllowTools. Otherwise each
// non-empty allow list must be matched: when AllowTools is set the tool's
// name must be in it, and when AllowTags is set one of its tags must be in
// it. An empty ToolFilterOptions allows everything, the same default-allow
// behavior as the teacher's engine with no configured lists.
type ToolFilterOptions struct {
	AllowTags  []string
	BlockTags  []string
	AllowTools []string
	BlockTools []string
}

// ToolFilter implements policy.Engine by allow/block-filtering a candidate
// tool list by name or tag, grounded on the teacher's policy engine
// (features/policy/basic/engine.go) filterAllowed/isAllowed: block rules by
// name or tag win, then the allow rules apply, then default-allow. Unlike the
// teacher's engine, a name listed in AllowTools does not by itself admit a
// tool when AllowTags is also set (see ToolFilterOptions). It is a deliberate simplification of the teacher's
// Engine: it has no RetryHint handling, since toolcatalog.Catalog.Select
// already narrows tools by strategy before a ToolFilter ever runs, and
// narrowing further on a retry is Select's concern (a different strategy or
// agent profile), not the filter's.
type ToolFilter struct {
	opts     ToolFilterOptions
	blockSet map[string]struct{}
	allowSet map[string]struct{}
	blockTag map[string]struct{}
	allowTag map[string]struct{}
}

// NewToolFilter builds a ToolFilter from static allow/block lists. It holds
// no catalog reference: Catalog.Select passes each candidate tool (with its
// tags) through DecideTags at selection time instead.
func NewToolFilter(opts ToolFilterOptions) *ToolFilter {
	return &ToolFilter{
		opts:     opts,
		blockSet: toSet(opts.BlockTools),
		allowSet: toSet(opts.AllowTools),
		blockTag: toSet(opts.BlockTags),
		allowTag: toSet(opts.AllowTags),
	}
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Decide filters input.Candidates (tool names) by the name rules of
// ToolFilterOptions (BlockTools, AllowTools) only; the tag rules need each
// tool's tags and are applied by DecideTags.
func (f *ToolFilter) Decide(_ context.Context, input policy.Input) (policy.Decision, error) {
	allowed := make([]string, 0, len(input.Candidates))
	for _, name := range input.Candidates {
		if f.isAllowed(name) {
			allowed = append(allowed, name)
		}
	}
	return policy.Decision{Allowed: allowed}, nil
}

func (f *ToolFilter) isAllowed(name string) bool {
	if _, blocked := f.blockSet[name]; blocked {
		return false
	}
	if len(f.allowSet) > 0 {
		_, ok := f.allowSet[name]
		return ok
	}
	return true
}

// DecideTags is like Decide but also applies tag-based allow/block rules,
// used by Catalog.Select which has each tool's tags on hand.
func (f *ToolFilter) DecideTags(ctx context.Context, candidates []model.Tool) (policy.Decision, error) {
	allowed := make([]string, 0, len(candidates))
	for _, t := range candidates {
		if f.tagsAllowed(t.Tags) && f.isAllowed(t.Name) {
			allowed = append(allowed, t.Name)
		}
	}
	_ = ctx
	return policy.Decision{Allowed: allowed}, nil
}

func (f *ToolFilter) tagsAllowed(tags []string) bool {
	for _, tag := range tags {
		if _, blocked := f.blockTag[tag]; blocked {
			return false
		}
	}
	if len(f.allowTag) == 0 {
		return true
	}
	for _, tag := range tags {
		if _, ok := f.allowTag[tag]; ok {
			return true
		}
	}
	return false
}
