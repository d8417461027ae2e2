// Package config loads the orchestrator's configuration surface (spec §6)
// from a YAML file, with environment variable overrides, validating the
// result before returning it. A load failure is always a configuration
// error (CLI exit code 2, spec §6), never an apperrors.Kind used elsewhere.
//
// The struct-with-yaml-tags shape mirrors the teacher's own YAML config
// loading in integration_tests/framework/runner.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/risk"
	"github.com/flowforge/orchestrator/toolcatalog"
)

// Config is the parsed, validated configuration surface from spec §6.
type Config struct {
	MaxParallelWorkflows        int                 `yaml:"max_parallel_workflows"`
	MaxToolRounds               int                 `yaml:"max_tool_rounds"`
	NodeTimeoutSeconds          int                 `yaml:"node_timeout_seconds"`
	LLMRetryBackoff             []int               `yaml:"llm_retry_backoff"`
	LockDefaultTTLSeconds       int                 `yaml:"lock_default_ttl_seconds"`
	ApprovalTimeouts            map[string]int      `yaml:"approval_timeouts"`
	ToolStrategyDefault         string              `yaml:"tool_strategy_default"`
	KeywordToServers            map[string][]string `yaml:"keyword_to_servers"`
	RiskRules                   []RiskRule          `yaml:"risk_rules"`
	SharedSecretApprovalWebhook string              `yaml:"shared_secret_approval_webhook"`
	BlockedTools                []string            `yaml:"blocked_tools"`
	BlockedToolTags             []string            `yaml:"blocked_tool_tags"`
}

// RiskRule is one YAML row of the risk_rules table (spec §4.5); it mirrors
// risk.Rule field-for-field so it can be converted directly.
type RiskRule struct {
	Keywords              []string `yaml:"keywords"`
	Environments          []string `yaml:"environments"`
	OpClasses             []string `yaml:"op_classes"`
	MinPriority           string   `yaml:"min_priority"`
	Level                 string   `yaml:"level"`
	RequiredRole          string   `yaml:"required_role"`
	JustificationRequired bool     `yaml:"justification_required"`
}

// Default returns the configuration surface's documented defaults (spec §6),
// used as the base Load starts from before applying file and environment
// overrides.
func Default() Config {
	return Config{
		MaxParallelWorkflows:       32,
		MaxToolRounds:              6,
		NodeTimeoutSeconds:         120,
		LLMRetryBackoff:            []int{1, 2, 4},
		LockDefaultTTLSeconds:      60,
		ApprovalTimeouts:           map[string]int{"medium": 1800, "high": 3600, "critical": 7200},
		ToolStrategyDefault:        string(toolcatalog.StrategyProgressive),
		KeywordToServers:           map[string][]string{},
		RiskRules:                  nil,
		SharedSecretApprovalWebhook: "",
	}
}

// Load reads path (if non-empty and present) over Default(), applies
// FLOWFORGE_*-prefixed environment variable overrides, and validates the
// result. Any failure is a configuration error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

const envPrefix = "FLOWFORGE_"

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnvInt(envPrefix + "MAX_PARALLEL_WORKFLOWS"); ok {
		cfg.MaxParallelWorkflows = v
	}
	if v, ok := lookupEnvInt(envPrefix + "MAX_TOOL_ROUNDS"); ok {
		cfg.MaxToolRounds = v
	}
	if v, ok := lookupEnvInt(envPrefix + "NODE_TIMEOUT_SECONDS"); ok {
		cfg.NodeTimeoutSeconds = v
	}
	if v, ok := lookupEnvInt(envPrefix + "LOCK_DEFAULT_TTL_SECONDS"); ok {
		cfg.LockDefaultTTLSeconds = v
	}
	if v, ok := os.LookupEnv(envPrefix + "TOOL_STRATEGY_DEFAULT"); ok && v != "" {
		cfg.ToolStrategyDefault = strings.ToUpper(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "SHARED_SECRET_APPROVAL_WEBHOOK"); ok {
		cfg.SharedSecretApprovalWebhook = v
	}
}

func lookupEnvInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the loaded configuration is internally consistent. It is
// the sole gate between a malformed config file/environment and the rest of
// the system; callers map a non-nil error to CLI exit code 2 (spec §6).
func (c Config) Validate() error {
	if c.MaxParallelWorkflows <= 0 {
		return fmt.Errorf("config: max_parallel_workflows must be positive, got %d", c.MaxParallelWorkflows)
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("config: max_tool_rounds must be positive, got %d", c.MaxToolRounds)
	}
	if c.NodeTimeoutSeconds <= 0 {
		return fmt.Errorf("config: node_timeout_seconds must be positive, got %d", c.NodeTimeoutSeconds)
	}
	if c.LockDefaultTTLSeconds <= 0 {
		return fmt.Errorf("config: lock_default_ttl_seconds must be positive, got %d", c.LockDefaultTTLSeconds)
	}
	for _, b := range c.LLMRetryBackoff {
		if b < 0 {
			return fmt.Errorf("config: llm_retry_backoff entries must be non-negative, got %d", b)
		}
	}
	switch toolcatalog.Strategy(strings.ToUpper(c.ToolStrategyDefault)) {
	case toolcatalog.StrategyMinimal, toolcatalog.StrategyAgentProfile, toolcatalog.StrategyProgressive, toolcatalog.StrategyFull:
	default:
		return fmt.Errorf("config: tool_strategy_default %q is not a recognized strategy", c.ToolStrategyDefault)
	}
	for level, seconds := range c.ApprovalTimeouts {
		if seconds < 0 {
			return fmt.Errorf("config: approval_timeouts[%s] must be non-negative, got %d", level, seconds)
		}
	}
	for i, rule := range c.RiskRules {
		if _, err := rule.toModelLevel(); err != nil {
			return fmt.Errorf("config: risk_rules[%d]: %w", i, err)
		}
	}
	return nil
}

// RetryBackoff converts LLMRetryBackoff (seconds) to durations, in the order
// llmgateway.RetryPolicy and toolgateway.RetryPolicy expect.
func (c Config) RetryBackoff() []time.Duration {
	out := make([]time.Duration, len(c.LLMRetryBackoff))
	for i, s := range c.LLMRetryBackoff {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// Strategy returns ToolStrategyDefault as a toolcatalog.Strategy.
func (c Config) Strategy() toolcatalog.Strategy {
	return toolcatalog.Strategy(strings.ToUpper(c.ToolStrategyDefault))
}

// ToolFilterOptions converts BlockedTools/BlockedToolTags into
// toolcatalog.ToolFilterOptions for toolcatalog.NewToolFilter.
func (c Config) ToolFilterOptions() toolcatalog.ToolFilterOptions {
	return toolcatalog.ToolFilterOptions{
		BlockTools: c.BlockedTools,
		BlockTags:  c.BlockedToolTags,
	}
}

// ApprovalTimeoutDurations converts ApprovalTimeouts into the
// map[model.RiskLevel]time.Duration shape risk.SetLevelTimeouts expects.
func (c Config) ApprovalTimeoutDurations() map[model.RiskLevel]time.Duration {
	out := make(map[model.RiskLevel]time.Duration, len(c.ApprovalTimeouts))
	for level, seconds := range c.ApprovalTimeouts {
		out[model.RiskLevel(level)] = time.Duration(seconds) * time.Second
	}
	return out
}

// RiskRules converts the YAML rule rows into risk.Rule, in table order.
func (c Config) RiskRules() ([]risk.Rule, error) {
	out := make([]risk.Rule, 0, len(c.RiskRules))
	for i, row := range c.RiskRules {
		rule, err := row.toRiskRule()
		if err != nil {
			return nil, fmt.Errorf("config: risk_rules[%d]: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func (r RiskRule) toModelLevel() (model.RiskLevel, error) {
	switch model.RiskLevel(strings.ToLower(r.Level)) {
	case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
		return model.RiskLevel(strings.ToLower(r.Level)), nil
	default:
		return "", fmt.Errorf("unrecognized risk level %q", r.Level)
	}
}

func (r RiskRule) toRiskRule() (risk.Rule, error) {
	level, err := r.toModelLevel()
	if err != nil {
		return risk.Rule{}, err
	}
	opClasses := make([]risk.OpClass, len(r.OpClasses))
	for i, oc := range r.OpClasses {
		opClasses[i] = risk.OpClass(strings.ToLower(oc))
	}
	return risk.Rule{
		Keywords:              r.Keywords,
		Environments:          r.Environments,
		OpClasses:             opClasses,
		MinPriority:           model.Priority(strings.ToLower(r.MinPriority)),
		Level:                 level,
		RequiredRole:          model.Role(r.RequiredRole),
		JustificationRequired: r.JustificationRequired,
	}, nil
}
