// Package eventbus implements the orchestrator's asynchronous event bus
// (spec §4.1, C1): in-process publish/subscribe with at-most-once local
// delivery, fanned out to a shared cross-process channel so multiple
// orchestrator nodes observe the same event stream.
//
// Local delivery is grounded on the teacher's signal-channel pattern
// (runtime/agent/interrupt.Controller): callbacks are registered per event
// type and invoked on their own goroutine, serialized per subscription.
// Cross-process fan-out is grounded on the teacher's multi-node registry
// (registry/registry.go, registry/health_tracker.go), which uses a
// goa.design/pulse replicated map (rmap.Map) so independent nodes converge on
// shared state without a central broker.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/telemetry"
)

// ErrTimeout is returned by Request when no matching reply arrives in time.
var ErrTimeout = errors.New("eventbus: request timed out")

// Remote abstracts the cross-process fan-out channel so Bus can be tested
// without a live Redis/Pulse deployment. A Remote implementation publishes
// serialized events and delivers remote events back to the bus via Events().
type Remote interface {
	// Publish fire-and-forgets evt onto the shared channel. At-most-once
	// semantics: failures are logged by the caller and never block local
	// delivery.
	Publish(ctx context.Context, evt model.Event) error
	// Events returns a channel of events received from other nodes. The
	// channel is closed when the ctx passed to Events is done.
	Events(ctx context.Context) (<-chan model.Event, error)
}

type subscription struct {
	id       string
	callback func(context.Context, model.Event)
	mu       sync.Mutex // serializes callback invocations for this subscription
}

// Bus is the in-process event bus with optional remote fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription

	remote     Remote
	originNode string

	telemetry telemetry.Bundle

	pending   sync.Map // correlationID -> pendingRequest, used by Request
	closeOnce sync.Once
	done      chan struct{}
}

// pendingRequest is one in-flight Request: the event type it emitted (so
// the request event itself is not taken as its own reply) and the channel
// the reply is delivered on.
type pendingRequest struct {
	eventType string
	replies   chan model.Event
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithRemote attaches a cross-process Remote transport for fan-out.
func WithRemote(r Remote) Option {
	return func(b *Bus) { b.remote = r }
}

// WithOriginNode sets the node id attached to outgoing remote events and
// used for loop-prevention on receipt (spec §4.1).
func WithOriginNode(id string) Option {
	return func(b *Bus) { b.originNode = id }
}

// WithTelemetry attaches logging/metrics/tracing.
func WithTelemetry(t telemetry.Bundle) Option {
	return func(b *Bus) { b.telemetry = t }
}

// New constructs a Bus. If opts configures a Remote, call Run to start the
// background receive loop that re-emits remote events locally.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string][]*subscription),
		telemetry:   telemetry.Noop(),
		done:        make(chan struct{}),
	}
	if b.originNode == "" {
		b.originNode = uuid.NewString()
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Handle identifies a registered subscription for Unsubscribe.
type Handle struct {
	eventType string
	id        string
}

// Subscribe registers callback for eventType and returns a Handle used to
// Unsubscribe later. Callbacks for the same subscription are invoked in
// emission order and are never invoked concurrently with themselves;
// callbacks for different subscriptions run concurrently.
func (b *Bus) Subscribe(eventType string, callback func(context.Context, model.Event)) Handle {
	sub := &subscription{id: uuid.NewString(), callback: callback}
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	return Handle{eventType: eventType, id: sub.id}
}

// Unsubscribe removes a previously registered subscription. It is a no-op if
// the handle is unknown (e.g. already unsubscribed).
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[h.eventType]
	for i, s := range subs {
		if s.id == h.id {
			b.subscribers[h.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// EmitOptions customizes a single Emit call.
type EmitOptions struct {
	CorrelationID string
	Target        string
	Priority      int
	// PublishRemote controls cross-process fan-out; defaults to true.
	PublishRemote *bool
}

// Emit delivers an event of eventType to all local subscribers and,
// unless PublishRemote is explicitly false, publishes it to the remote
// channel (spec §4.1 emit()). Emit returns once local delivery has been
// initiated; remote publish is fire-and-forget.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any, source string, opts EmitOptions) model.Event {
	evt := model.Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Source:        source,
		Target:        opts.Target,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: opts.CorrelationID,
		Priority:      opts.Priority,
		OriginNode:    b.originNode,
	}
	b.dispatchLocal(ctx, evt)

	publishRemote := b.remote != nil
	if opts.PublishRemote != nil {
		publishRemote = publishRemote && *opts.PublishRemote
	}
	if publishRemote {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.remote.Publish(pctx, evt); err != nil {
				b.telemetry.Logger.Warn(pctx, "eventbus: remote publish failed", "event_type", eventType, "err", err)
			}
		}()
	}
	return evt
}

// dispatchLocal invokes every subscriber of evt.EventType. Subscriber panics
// or errors are caught, counted, and never propagate to other subscribers or
// to the emitter (spec §4.1 delivery semantics).
func (b *Bus) dispatchLocal(ctx context.Context, evt model.Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[evt.EventType]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.telemetry.Metrics.IncCounter("subscriber_errors_total", 1, "event_type", evt.EventType)
					b.telemetry.Logger.Error(ctx, "eventbus: subscriber panicked", "event_type", evt.EventType, "recover", fmt.Sprint(r))
				}
			}()
			sub.mu.Lock()
			defer sub.mu.Unlock()
			sub.callback(ctx, evt)
		}()
	}

	if evt.CorrelationID != "" {
		if p, ok := b.pending.Load(evt.CorrelationID); ok {
			if req := p.(pendingRequest); evt.EventType != req.eventType {
				select {
				case req.replies <- evt:
				default:
				}
			}
		}
	}
}

// Request emits an event of eventType with a fresh correlation id and blocks
// until the first event of a different event type tagged with the same
// correlation id arrives, or timeout elapses (spec §4.1 request()). The
// reply is matched on correlation id alone; its ReplyTo field is not checked.
func (b *Bus) Request(ctx context.Context, eventType string, payload map[string]any, source string, timeout time.Duration) (model.Event, error) {
	correlationID := uuid.NewString()
	replyCh := make(chan model.Event, 1)
	b.pending.Store(correlationID, pendingRequest{eventType: eventType, replies: replyCh})
	defer b.pending.Delete(correlationID)

	b.Emit(ctx, eventType, payload, source, EmitOptions{CorrelationID: correlationID})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case evt := <-replyCh:
		return evt, nil
	case <-timer.C:
		return model.Event{}, ErrTimeout
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	}
}

// Run starts the background loop that receives remote events and re-emits
// them locally (with PublishRemote=false, preventing re-publish loops) until
// ctx is cancelled. Run is a no-op if no Remote was configured.
func (b *Bus) Run(ctx context.Context) error {
	if b.remote == nil {
		return nil
	}
	events, err := b.remote.Events(ctx)
	if err != nil {
		return fmt.Errorf("eventbus: subscribe to remote: %w", err)
	}
	backoff := newReconnectBackoff()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				delay := backoff.next()
				b.telemetry.Logger.Warn(ctx, "eventbus: remote channel closed, reconnecting", "backoff", delay)
				time.Sleep(delay)
				events, err = b.remote.Events(ctx)
				if err != nil {
					b.telemetry.Logger.Warn(ctx, "eventbus: remote reconnect failed", "err", err)
					closed := make(chan model.Event)
					close(closed)
					events = closed
					continue
				}
				backoff.reset()
				continue
			}
			if evt.OriginNode == b.originNode {
				// Loop prevention: drop messages we originated (spec §4.1).
				continue
			}
			b.dispatchLocal(ctx, evt)
		}
	}
}

// MarshalEvent/UnmarshalEvent implement the wire format described in spec §6
// ("Event Bus channel format"), used by Remote implementations.
func MarshalEvent(evt model.Event) ([]byte, error) { return json.Marshal(evt) }

func UnmarshalEvent(data []byte) (model.Event, error) {
	var evt model.Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}

// reconnectBackoff implements the 1s -> 30s capped exponential backoff
// described in spec §4.1's failure model for remote channel disconnects.
type reconnectBackoff struct {
	mu      sync.Mutex
	current time.Duration
}

func newReconnectBackoff() *reconnectBackoff {
	return &reconnectBackoff{current: time.Second}
}

func (r *reconnectBackoff) next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.current
	r.current *= 2
	if r.current > 30*time.Second {
		r.current = 30 * time.Second
	}
	return d
}

func (r *reconnectBackoff) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = time.Second
}
