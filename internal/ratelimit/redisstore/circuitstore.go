// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"time"

	"github.com/fluxgate/fluxgate/internal/breaker"
	"github.com/fluxgate/fluxgate/internal/obs"
	"github.com/fluxgate/fluxgate/internal/ratelimit"
)

// CircuitBreakingStore wraps a TokenBucketStore with a sliding-window
// circuit breaker, so a store outage fails fast with StoreUnavailableError
// instead of letting every caller pile up waiting on a dead connection. The
// breaker only judges TryConsume, since that is the hot path; deletion calls
// pass through untouched.
type CircuitBreakingStore struct {
	inner   ratelimit.TokenBucketStore
	breaker *breaker.CircuitBreaker
}

// NewCircuitBreakingStore wraps inner with a breaker tripping when the
// failure rate over window reaches failureThreshold, provided at least
// minSamples observations have landed, then staying open for cooldown
// before allowing a single half-open probe.
func NewCircuitBreakingStore(inner ratelimit.TokenBucketStore, window, cooldown time.Duration, failureThreshold float64, minSamples int) *CircuitBreakingStore {
	return &CircuitBreakingStore{
		inner:   inner,
		breaker: breaker.New(window, cooldown, failureThreshold, minSamples),
	}
}

func (s *CircuitBreakingStore) TryConsume(ctx context.Context, ref ratelimit.BucketRef, band ratelimit.RateLimitBand, permits int64) (ratelimit.BucketState, error) {
	if !s.breaker.Allow() {
		obs.StoreBreakerState.Set(float64(s.breaker.State()))
		return ratelimit.BucketState{}, &ratelimit.StoreUnavailableError{Op: "tryConsume", Cause: ratelimit.ErrStoreUnavailable}
	}
	state, err := s.inner.TryConsume(ctx, ref, band, permits)
	s.breaker.Record(err == nil)
	obs.StoreBreakerState.Set(float64(s.breaker.State()))
	return state, err
}

func (s *CircuitBreakingStore) DeleteBucketsByRuleSetID(ctx context.Context, ruleSetID string) (int64, error) {
	return s.inner.DeleteBucketsByRuleSetID(ctx, ruleSetID)
}

func (s *CircuitBreakingStore) DeleteAllBuckets(ctx context.Context) (int64, error) {
	return s.inner.DeleteAllBuckets(ctx)
}

func (s *CircuitBreakingStore) Close() error { return s.inner.Close() }

var _ ratelimit.TokenBucketStore = (*CircuitBreakingStore)(nil)
