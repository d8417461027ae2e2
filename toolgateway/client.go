// Package toolgateway implements the orchestrator's Tool Gateway client
// (spec §4.6, §6): a thin HTTP wrapper around POST {gateway}/invoke carrying
// {tool_name, arguments} and returning either {ok, result} or
// {ok:false, error_kind, message}, with bounded exponential-backoff retry of
// transient failures.
//
// Grounded on the teacher's A2A client (runtime/a2a/httpclient.Client): a
// plain net/http.Client wrapping one JSON endpoint with an Option-configured
// transport, and runtime/a2a/retry (Config/IsRetryable/ExhaustedError) for
// the retry schedule and exhaustion error shape.
package toolgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowforge/orchestrator/apperrors"
)

// Client invokes tools through a remote Tool Gateway.
type Client struct {
	endpoint string
	http     *http.Client
	headers  http.Header
	retry    RetryPolicy
}

// RetryPolicy is the bounded backoff schedule for transient invoke failures:
// the first call is made at once and each entry in Backoffs is the wait
// before one more retry, so the default 1s, 2s, 4s schedule (spec §4.6, the
// same schedule the LLM gateway uses, since both sit behind the same node
// timeout budget) makes up to four calls.
type RetryPolicy struct {
	Backoffs []time.Duration
}

// DefaultRetryPolicy matches spec §4.6's default schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoffs: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithHeader adds a static header to every outgoing request (e.g. auth).
func WithHeader(name, value string) Option {
	return func(cl *Client) { cl.headers.Add(name, value) }
}

// WithRetryPolicy overrides the default retry schedule.
func WithRetryPolicy(p RetryPolicy) Option { return func(cl *Client) { cl.retry = p } }

// New constructs a Client against endpoint (the Tool Gateway's base URL;
// requests POST to endpoint+"/invoke").
func New(endpoint string, opts ...Option) *Client {
	cl := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		headers:  make(http.Header),
		retry:    DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(cl)
	}
	return cl
}

type invokeRequest struct {
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type invokeResponse struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Invoke calls the Tool Gateway's /invoke endpoint for toolName with
// arguments, retrying transient (upstream_unavailable) failures per the
// configured RetryPolicy. A permanent failure reported by the gateway
// (schema mismatch, unauthorized, unknown tool) is returned immediately,
// classified by errorKindOf, without retrying.
//
// idempotencyKey is sent unchanged on every attempt for this logical call,
// including retries, so a Tool Gateway that dedups on this key cannot
// double-execute a state-changing tool just because the first attempt's
// response was lost to a transient failure.
func (c *Client) Invoke(ctx context.Context, toolName string, arguments []byte, idempotencyKey string) (json.RawMessage, error) {
	attempts := append([]time.Duration{0}, c.retry.Backoffs...)
	var lastErr error
	for _, wait := range attempts {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		result, err := c.invokeOnce(ctx, toolName, arguments, idempotencyKey)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !apperrors.Is(err, apperrors.KindUpstreamUnavailable) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("toolgateway: invoke %s exhausted retries: %w", toolName, lastErr)
}

func (c *Client) invokeOnce(ctx context.Context, toolName string, arguments []byte, idempotencyKey string) (json.RawMessage, error) {
	body, err := json.Marshal(invokeRequest{ToolName: toolName, Arguments: arguments, IdempotencyKey: idempotencyKey})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "toolgateway: encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "toolgateway: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, values := range c.headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "toolgateway: request failed", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "toolgateway: read response", err)
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.New(apperrors.KindUpstreamUnavailable, fmt.Sprintf("toolgateway: status %d", httpResp.StatusCode))
	}

	var resp invokeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "toolgateway: decode response", err)
	}
	if !resp.OK {
		return nil, apperrors.New(errorKindOf(resp.ErrorKind), resp.Message)
	}
	return resp.Result, nil
}

// errorKindOf maps the Tool Gateway's error_kind string (spec §6) onto this
// module's apperrors.Kind taxonomy.
func errorKindOf(kind string) apperrors.Kind {
	switch kind {
	case "schema_mismatch", "validation_error":
		return apperrors.KindValidation
	case "unauthorized", "permission_denied":
		return apperrors.KindPermissionDenied
	case "unknown_tool", "not_found":
		return apperrors.KindNotFound
	case "timeout":
		return apperrors.KindTimeout
	default:
		return apperrors.KindUpstreamUnavailable
	}
}
