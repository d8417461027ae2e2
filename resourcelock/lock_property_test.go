package resourcelock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/orchestrator/resourcelock"
)

// TestAcquireExclusivityProperty property-tests the lock manager's central
// invariant (spec §8): for any resource name and pair of distinct owners, a
// second Acquire without a wait never succeeds while the first owner still
// holds the lock.
func TestAcquireExclusivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	nonEmpty := gen.AlphaString().SuchThat(func(s string) bool { return s != "" })

	properties.Property("a held lock excludes every other owner", prop.ForAll(
		func(resourceID, ownerA, ownerB string) bool {
			if ownerA == ownerB {
				return true
			}
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			defer client.Close()
			m := resourcelock.New(client)
			ctx := context.Background()

			h, err := m.Acquire(ctx, resourceID, ownerA, time.Minute, 0, "")
			if err != nil || h == nil {
				return false
			}
			_, err = m.Acquire(ctx, resourceID, ownerB, time.Minute, 0, "")
			return err != nil
		},
		nonEmpty,
		nonEmpty,
		nonEmpty,
	))

	properties.TestingRun(t)
}

// TestReleaseIsOwnerScopedProperty property-tests that Release is a no-op
// unless the caller's token still matches the stored holder (spec §4.2):
// releasing a handle whose lock already expired must never clear a newer
// owner's lock, for any TTL short enough to have elapsed by release time.
func TestReleaseIsOwnerScopedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("a stale release never clears a newer owner's lock", prop.ForAll(
		func(ttlMillis int) bool {
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			defer client.Close()
			m := resourcelock.New(client)
			ctx := context.Background()

			ttl := time.Duration(ttlMillis) * time.Millisecond

			h1, err := m.Acquire(ctx, "res", "owner-a", ttl, 0, "")
			if err != nil {
				return false
			}
			srv.FastForward(ttl + time.Millisecond)

			h2, err := m.Acquire(ctx, "res", "owner-b", time.Minute, 0, "")
			if err != nil || h2 == nil {
				return false
			}

			if err := h1.Release(ctx); err != nil {
				return false
			}

			locked, err := m.IsLocked(ctx, "res")
			return err == nil && locked
		},
		gen.IntRange(10, 200),
	))

	properties.TestingRun(t)
}
