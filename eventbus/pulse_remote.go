package eventbus

import (
	"context"
	"fmt"

	"goa.design/pulse/rmap"

	"github.com/flowforge/orchestrator/model"
)

// PulseRemote implements Remote on top of a goa.design/pulse replicated map,
// mirroring the multi-node clustering pattern in registry/registry.go and
// registry/health_tracker.go: every orchestrator node joins the same named
// map over Redis and observes the same key set without a central broker.
//
// Each published event is stored under its EventID; PulseRemote relies on
// the map's own TTL/eviction (configured by the caller's rmap options) to
// bound growth, since the bus only needs "at most once, recently" delivery.
type PulseRemote struct {
	events *rmap.Map
}

// NewPulseRemote wraps an already-joined replicated map. Callers typically
// construct events via rmap.Join(ctx, name+":events", redisClient).
func NewPulseRemote(events *rmap.Map) *PulseRemote {
	return &PulseRemote{events: events}
}

// Publish stores evt in the replicated map under its event id, which
// triggers an EventKind change observed by every other node's Events loop.
func (p *PulseRemote) Publish(ctx context.Context, evt model.Event) error {
	data, err := MarshalEvent(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	_, err = p.events.Set(ctx, evt.EventID, string(data))
	return err
}

// Events subscribes to the replicated map's change feed and decodes each
// changed key into a model.Event. The returned channel is closed when ctx is
// done.
func (p *PulseRemote) Events(ctx context.Context) (<-chan model.Event, error) {
	changes := p.events.Subscribe()
	out := make(chan model.Event)
	go func() {
		defer close(out)
		defer p.events.Unsubscribe(changes)
		seen := make(map[string]struct{})
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				for k, v := range p.events.Map() {
					if _, dup := seen[k]; dup {
						continue
					}
					seen[k] = struct{}{}
					evt, err := UnmarshalEvent([]byte(v))
					if err != nil {
						continue
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
