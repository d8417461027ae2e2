// Package resourcelock implements the orchestrator's distributed resource
// lock manager (spec §4.2, C2): named mutual exclusion across processes with
// TTL expiry, owner-scoped release, and bounded wait-and-retry acquisition.
//
// The acquire/release shape is grounded on the teacher's session locker
// (haasonsaas-nexus internal/sessions/locker.go DBLocker), which leases a
// named row with an owner id and TTL and also extends it on a timer; this
// package has no extension, so a lock lives until Release, ForceUnlock or
// its TTL. It replaces the SQL compare-and-swap with Redis SET NX PX plus a
// Lua script for owner-scoped delete, since the event bus's pulse transport
// (eventbus.PulseRemote) already runs over Redis.
package resourcelock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/orchestrator/apperrors"
	"github.com/flowforge/orchestrator/eventbus"
	"github.com/flowforge/orchestrator/model"
	"github.com/flowforge/orchestrator/telemetry"
)

// ErrNotHeld describes a token that no longer matches the stored lock
// (already expired, force-unlocked, or never held). Release does not return
// it: a mismatched Release is a no-op that returns nil.
var ErrNotHeld = errors.New("resourcelock: token does not match current holder")

// releaseScript deletes the key only if the stored value still equals the
// caller's token, implementing owner-scoped release without a round trip.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Manager is a Redis-backed resource lock manager.
type Manager struct {
	redis     *redis.Client
	bus       *eventbus.Bus
	telemetry telemetry.Bundle
	keyPrefix string
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus attaches the bus that acquire/force_unlock emit
// resource.locked / resource.unlocked events onto (spec §4.2).
func WithEventBus(bus *eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithTelemetry attaches logging/metrics/tracing.
func WithTelemetry(t telemetry.Bundle) Option {
	return func(m *Manager) { m.telemetry = t }
}

// WithKeyPrefix namespaces Redis keys, useful for running several
// orchestrator deployments against one Redis instance.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// New constructs a Manager over an existing Redis client.
func New(client *redis.Client, opts ...Option) *Manager {
	m := &Manager{redis: client, telemetry: telemetry.Noop(), keyPrefix: "lock:"}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) key(resourceID string) string {
	return m.keyPrefix + resourceID
}

// Handle is a scoped lock acquisition. Release is safe to call more than
// once and is a no-op after the first successful call.
type Handle struct {
	m          *Manager
	resourceID string
	owner      string
	token      string
	released   bool
}

// ResourceID returns the locked resource's name.
func (h *Handle) ResourceID() string { return h.resourceID }

// Release removes the lock if and only if this handle's token still matches
// the stored value (owner-scoped release, spec §4.2). A mismatched release
// (lock already expired or force-unlocked) is a no-op, logged at debug.
func (h *Handle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true
	n, err := releaseScript.Run(ctx, h.m.redis, []string{h.m.key(h.resourceID)}, h.token).Int()
	if err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: release failed", err)
	}
	if n == 0 {
		h.m.telemetry.Logger.Debug(ctx, "resourcelock: release no-op, token mismatch", "resource_id", h.resourceID, "owner", h.owner)
		return nil
	}
	h.m.emit(ctx, model.EventResourceUnlocked, h.resourceID, h.owner, "released")
	return nil
}

// Acquire attempts to set a unique token at resource_id with expiry ttl. If
// the resource is busy and waitTimeout>0, Acquire polls with bounded
// exponential backoff until waitTimeout elapses (spec §4.2 acquire()).
// Acquisition is not reentrant: a second Acquire by the same agentID before
// release fails exactly as if another agent held it.
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, ttl, waitTimeout time.Duration, reason string) (*Handle, error) {
	if resourceID == "" || agentID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "resourcelock: resource_id and agent_id are required")
	}
	if ttl <= 0 {
		return nil, apperrors.New(apperrors.KindValidation, "resourcelock: ttl must be positive")
	}

	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)
	backoff := newWaitBackoff()

	for {
		ok, err := m.tryAcquire(ctx, resourceID, token, ttl)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: acquire failed", err)
		}
		if ok {
			m.emit(ctx, model.EventResourceLocked, resourceID, agentID, reason)
			return &Handle{m: m, resourceID: resourceID, owner: agentID, token: token}, nil
		}
		if waitTimeout <= 0 || time.Now().After(deadline) {
			return nil, apperrors.New(apperrors.KindLocked, fmt.Sprintf("resourcelock: %q is held by another owner", resourceID)).
				WithDetails(map[string]any{"resource_id": resourceID})
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.next()):
		}
	}
}

func (m *Manager) tryAcquire(ctx context.Context, resourceID, token string, ttl time.Duration) (bool, error) {
	return m.redis.SetNX(ctx, m.key(resourceID), token, ttl).Result()
}

// Ping checks connectivity to the backing Redis instance, for use by health
// checks (spec §6's GET /health).
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: ping failed", err)
	}
	return nil
}

// IsLocked reports whether resource_id currently has a live lock. It never
// blocks (spec §4.2).
func (m *Manager) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	n, err := m.redis.Exists(ctx, m.key(resourceID)).Result()
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: is_locked failed", err)
	}
	return n > 0, nil
}

// LockInfo describes the current holder of a resource, if any.
type LockInfo struct {
	ResourceID string
	Token      string
	TTL        time.Duration
}

// GetLockInfo returns informational lock state without blocking or
// affecting ownership.
func (m *Manager) GetLockInfo(ctx context.Context, resourceID string) (*LockInfo, error) {
	token, err := m.redis.Get(ctx, m.key(resourceID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: get_lock_info failed", err)
	}
	ttl, err := m.redis.TTL(ctx, m.key(resourceID)).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: get_lock_info ttl failed", err)
	}
	return &LockInfo{ResourceID: resourceID, Token: token, TTL: ttl}, nil
}

// ForceUnlock is an admin override that removes the lock regardless of
// owner token and emits resource.unlocked with reason=admin (spec §4.2).
func (m *Manager) ForceUnlock(ctx context.Context, resourceID, adminID string) error {
	n, err := m.redis.Del(ctx, m.key(resourceID)).Result()
	if err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, "resourcelock: force_unlock failed", err)
	}
	if n == 0 {
		return nil
	}
	m.telemetry.Logger.Warn(ctx, "resourcelock: force unlocked", "resource_id", resourceID, "admin_id", adminID)
	m.emit(ctx, model.EventResourceUnlocked, resourceID, adminID, "admin")
	return nil
}

func (m *Manager) emit(ctx context.Context, eventType, resourceID, owner, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(ctx, eventType, map[string]any{
		"resource_id": resourceID,
		"owner":       owner,
		"reason":      reason,
	}, "resourcelock", eventbus.EmitOptions{})
}

// waitBackoff implements the bounded exponential backoff used while polling
// a busy resource (spec §4.2): the base delay starts at 50ms and doubles up
// to a 2s cap, and each wait adds up to 50% random jitter on top of the base
// (so at most 3s) to avoid thundering herds of waiters on the same resource.
type waitBackoff struct {
	current time.Duration
}

func newWaitBackoff() *waitBackoff { return &waitBackoff{current: 50 * time.Millisecond} }

func (b *waitBackoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	b.current *= 2
	if b.current > 2*time.Second {
		b.current = 2 * time.Second
	}
	return d + jitter
}
