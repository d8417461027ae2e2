// Package llmgateway provides the orchestrator's chat-completion client
// abstraction (spec §4.6, §6): a single Client interface satisfied by
// provider-specific backends, wired together into a Gateway that tries a
// primary provider and falls over to secondaries on upstream failure.
//
// The Client interface and the decorator-based middleware shape follow the
// teacher's runtime/agent/model.Client and features/model/gateway.Server:
// one small interface (Complete), concrete backends (Anthropic/OpenAI/
// Bedrock) implementing it, and cross-cutting concerns (rate limiting,
// fallback) composed as wrapping Clients rather than baked into any one
// backend. Per-backend outbound rate limiting uses golang.org/x/time/rate,
// the same token-bucket shape as r3e-network-service_layer's
// infrastructure/ratelimit package.
package llmgateway

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/telemetry"
)

// Request is one chat-completion call: the running message history, the
// tools currently bound for this turn, and the model hint carried on the
// calling AgentProfile.
type Request struct {
	Messages    []model.Message
	Tools       []model.Tool
	ModelHint   string
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply: assistant content plus any tool calls it
// requested. StopReason distinguishes a normal text completion from a
// tool-call turn so the tool-call loop (workflow package) knows whether to
// dispatch tools or end the round.
type Response struct {
	Message    model.Message
	StopReason StopReason
	Usage      Usage
}

// StopReason classifies why a Complete call stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage reports token accounting for telemetry/cost tracking.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client is the minimal chat-completion surface every provider backend
// implements (grounded on runtime/agent/model.Client.Complete).
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Backend names a registered Client. The Gateway tries backends in the order
// given to New; Name keys the backend's rate limiter and log lines, and
// Request.ModelHint is passed to every backend unchanged rather than used to
// choose one. RequestsPerSecond, when positive, caps outbound
// calls to this provider (grounded on r3e-network-service_layer's
// infrastructure/ratelimit.RateLimiter); zero means unlimited.
type Backend struct {
	Name              string
	Client            Client
	RequestsPerSecond float64
	Burst             int
}

// Gateway routes a completion request to a primary backend and falls over to
// the remaining backends in order on an upstream failure, grounded on
// features/model/gateway.Server composing a primary model.Client with
// fallback middleware.
type Gateway struct {
	backends  []Backend
	limiters  map[string]*rate.Limiter
	telemetry telemetry.Bundle
	retry     RetryPolicy
}

// RetryPolicy is the bounded retry/backoff schedule for transient upstream
// errors: the first call is made at once and each entry in Backoffs is the
// wait before one more retry, so the default 1s, 2s, 4s schedule (spec §4.6)
// makes up to four calls to a backend.
type RetryPolicy struct {
	Backoffs []time.Duration
}

// DefaultRetryPolicy matches spec §4.6's default schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoffs: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}}
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithTelemetry(t telemetry.Bundle) Option { return func(g *Gateway) { g.telemetry = t } }
func WithRetryPolicy(p RetryPolicy) Option     { return func(g *Gateway) { g.retry = p } }

// New constructs a Gateway over backends, tried in order on each attempt.
// Backends with a positive RequestsPerSecond get their own token-bucket
// limiter, waited on before every call attempt.
func New(backends []Backend, opts ...Option) *Gateway {
	limiters := make(map[string]*rate.Limiter, len(backends))
	for _, b := range backends {
		if b.RequestsPerSecond <= 0 {
			continue
		}
		burst := b.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters[b.Name] = rate.NewLimiter(rate.Limit(b.RequestsPerSecond), burst)
	}
	g := &Gateway{backends: backends, limiters: limiters, telemetry: telemetry.Noop(), retry: DefaultRetryPolicy()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Complete tries each backend in order, calling a backend up to
// len(retry.Backoffs)+1 times on an upstream_unavailable error before moving
// to the next backend. A permanent error (validation, not upstream) is
// returned immediately without retrying or falling over.
func (g *Gateway) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for _, backend := range g.backends {
		resp, err := g.completeWithRetry(ctx, backend, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperrors.Is(err, apperrors.KindUpstreamUnavailable) {
			return Response{}, err
		}
		g.telemetry.Logger.Warn(ctx, "llmgateway: backend failed, falling over", "backend", backend.Name, "err", err)
	}
	if lastErr == nil {
		return Response{}, apperrors.New(apperrors.KindInternal, "llmgateway: no backends configured")
	}
	return Response{}, lastErr
}

func (g *Gateway) completeWithRetry(ctx context.Context, backend Backend, req Request) (Response, error) {
	attempts := append([]time.Duration{0}, g.retry.Backoffs...)
	var lastErr error
	for i, wait := range attempts {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, ctx.Err()
			case <-timer.C:
			}
		}
		if limiter, ok := g.limiters[backend.Name]; ok {
			if err := limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}
		resp, err := backend.Client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperrors.Is(err, apperrors.KindUpstreamUnavailable) {
			return Response{}, err
		}
		g.telemetry.Logger.Warn(ctx, "llmgateway: retrying backend", "backend", backend.Name, "attempt", i+1, "err", err)
	}
	return Response{}, fmt.Errorf("llmgateway: backend %s exhausted retries: %w", backend.Name, lastErr)
}
