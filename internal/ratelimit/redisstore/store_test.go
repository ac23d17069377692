// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*ScriptedStoreBackend, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := New(context.Background(), client, zap.NewNop())
	require.NoError(t, err)

	return store, func() {
		_ = client.Close()
		mr.Close()
	}
}

func band(window time.Duration, capacity int64) ratelimit.RateLimitBand {
	b, err := ratelimit.NewRateLimitBand(window, capacity, "")
	if err != nil {
		panic(err)
	}
	return b
}

func TestTryConsume_AdmitsUntilCapacityThenRejects(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ref := ratelimit.BucketRef{RuleSetID: "rs", RuleID: "r1", BandIndex: 0, Selector: "ip=1.1.1.1|"}
	b := band(time.Second, 5)

	for i := 0; i < 5; i++ {
		state, err := store.TryConsume(context.Background(), ref, b, 1)
		require.NoError(t, err)
		require.True(t, state.Consumed, "request %d should be admitted", i)
		require.Equal(t, int64(4-i), state.RemainingTokens)
	}

	state, err := store.TryConsume(context.Background(), ref, b, 1)
	require.NoError(t, err)
	require.False(t, state.Consumed)
	require.Greater(t, state.NanosToWaitForRefill, int64(0))
}

func TestTryConsume_RefillsOverTime(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store, err := New(context.Background(), client, zap.NewNop())
	require.NoError(t, err)

	ref := ratelimit.BucketRef{RuleSetID: "rs", RuleID: "r1", BandIndex: 0, Selector: "ip=1.1.1.1|"}
	b := band(time.Second, 5)

	for i := 0; i < 5; i++ {
		_, err := store.TryConsume(context.Background(), ref, b, 1)
		require.NoError(t, err)
	}

	time.Sleep(1010 * time.Millisecond)

	state, err := store.TryConsume(context.Background(), ref, b, 1)
	require.NoError(t, err)
	require.True(t, state.Consumed)
	require.Equal(t, int64(4), state.RemainingTokens)
}

// TestTryConsume_MultiWindowIdleDoesNotDoubleAdmit guards P2/P4 conservation
// against a regression where clamping the refill amount to capacity before
// advancing last_refill would strand several windows' worth of elapsed time
// as still-claimable, letting back-to-back calls at the same instant each
// admit a full bucket's worth of permits.
func TestTryConsume_MultiWindowIdleDoesNotDoubleAdmit(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ref := ratelimit.BucketRef{RuleSetID: "rs", RuleID: "r1", BandIndex: 0, Selector: "ip=1.1.1.1|"}
	b := band(50*time.Millisecond, 5)

	state, err := store.TryConsume(context.Background(), ref, b, 5)
	require.NoError(t, err)
	require.True(t, state.Consumed)

	// Idle for far more than one window before the bucket is ever touched
	// again, so the unclamped refill math must discard the overflow
	// elapsed time rather than leave it claimable.
	time.Sleep(500 * time.Millisecond)

	state, err = store.TryConsume(context.Background(), ref, b, 5)
	require.NoError(t, err)
	require.True(t, state.Consumed, "bucket should be full again after idling many windows")
	require.Equal(t, int64(0), state.RemainingTokens)

	// Immediately after, with no further elapsed time, the bucket must be
	// empty: a buggy clamp-before-advance would let this admit again.
	state, err = store.TryConsume(context.Background(), ref, b, 1)
	require.NoError(t, err)
	require.False(t, state.Consumed, "a further consume at the same instant must be rejected")
}

func TestDeleteBucketsByRuleSetID_OnlyAffectsOwnPrefix(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	b := band(time.Minute, 10)
	for _, ruleSet := range []string{"a", "b", "c"} {
		for i := 0; i < 10; i++ {
			ref := ratelimit.BucketRef{RuleSetID: ruleSet, RuleID: "r", BandIndex: 0, Selector: string(rune('0' + i))}
			_, err := store.TryConsume(context.Background(), ref, b, 1)
			require.NoError(t, err)
		}
	}

	n, err := store.DeleteBucketsByRuleSetID(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, int64(10), n)

	remaining, err := store.DeleteAllBuckets(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(20), remaining)
}

// TestTryConsume_ConcurrentCallsNeverOverAdmit guards the atomicity the Lua
// script is supposed to give us: N goroutines hammering the same bucket must
// never admit more than capacity requests, since the EVALSHA'd check-and-debit
// runs as one atomic unit on the server regardless of client-side interleaving.
func TestTryConsume_ConcurrentCallsNeverOverAdmit(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	const capacity = 20
	const attempts = 100
	ref := ratelimit.BucketRef{RuleSetID: "rs", RuleID: "r1", BandIndex: 0, Selector: "ip=1.1.1.1|"}
	b := band(time.Minute, capacity)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := store.TryConsume(context.Background(), ref, b, 1)
			require.NoError(t, err)
			if state.Consumed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, admitted, int64(capacity))
}

func TestTryConsume_ReloadsOnNoScript(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	// Simulate the server having evicted the script (e.g. after a restart)
	// by corrupting the cached SHA; TryConsume must detect NOSCRIPT, reload,
	// and retry exactly once rather than surfacing the error.
	store.scriptSHA.Store("deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	ref := ratelimit.BucketRef{RuleSetID: "rs", RuleID: "r1", BandIndex: 0, Selector: "ip=9.9.9.9|"}
	state, err := store.TryConsume(context.Background(), ref, band(time.Second, 5), 1)
	require.NoError(t, err)
	require.True(t, state.Consumed)
}
