// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory TokenBucketStore fake, letting limiter tests
// exercise multi-rule/multi-band orchestration without a real backend.
type fakeStore struct {
	tokens map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]int64)}
}

func (s *fakeStore) TryConsume(_ context.Context, ref BucketRef, band RateLimitBand, permits int64) (BucketState, error) {
	key := ref.CanonicalKey()
	remaining, ok := s.tokens[key]
	if !ok {
		remaining = band.Capacity
	}
	if remaining >= permits {
		remaining -= permits
		s.tokens[key] = remaining
		return BucketState{Consumed: true, RemainingTokens: remaining}, nil
	}
	return BucketState{Consumed: false, RemainingTokens: remaining, NanosToWaitForRefill: int64(200e6)}, nil
}

func (s *fakeStore) DeleteBucketsByRuleSetID(context.Context, string) (int64, error) { return 0, nil }
func (s *fakeStore) DeleteAllBuckets(context.Context) (int64, error)                 { return 0, nil }
func (s *fakeStore) Close() error                                                    { return nil }

type fixedResolver struct{ value string }

func (r fixedResolver) Resolve(RequestContext, RateLimitRule) (string, error) {
	return r.value, nil
}

func TestLimiter_SimpleReject(t *testing.T) {
	band, err := NewRateLimitBand(1_000_000_000, 5, "")
	require.NoError(t, err)
	rule, err := NewRateLimitRule("R1", "R1", []string{"clientIp"}, []RateLimitBand{band})
	require.NoError(t, err)
	ruleSet, err := NewRateLimitRuleSet("rs", []RateLimitRule{rule}, fixedResolver{"1.1.1.1"}, nil)
	require.NoError(t, err)

	rl := NewRateLimiter(newFakeStore(), zap.NewNop(), FailOpen)
	ctx := context.Background()
	req := RequestContext{ClientIP: "1.1.1.1"}

	wantRemaining := []int64{4, 3, 2, 1, 0}
	for i, want := range wantRemaining {
		result, err := rl.TryConsume(ctx, req, ruleSet, 1)
		require.NoError(t, err)
		require.Truef(t, result.Allowed, "request %d should be admitted", i)
		require.Equal(t, want, result.RemainingTokens)
	}

	result, err := rl.TryConsume(ctx, req, ruleSet, 1)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, "R1", result.MatchedRuleID)
}

func TestLimiter_MultiBand_RejectsOnFirstExhaustedBand(t *testing.T) {
	narrow, err := NewRateLimitBand(1_000_000_000, 10, "narrow")
	require.NoError(t, err)
	wide, err := NewRateLimitBand(60_000_000_000, 100, "wide")
	require.NoError(t, err)
	rule, err := NewRateLimitRule("R1", "R1", []string{"clientIp"}, []RateLimitBand{narrow, wide})
	require.NoError(t, err)
	ruleSet, err := NewRateLimitRuleSet("rs", []RateLimitRule{rule}, fixedResolver{"1.1.1.1"}, nil)
	require.NoError(t, err)

	rl := NewRateLimiter(newFakeStore(), zap.NewNop(), FailOpen)
	ctx := context.Background()
	req := RequestContext{ClientIP: "1.1.1.1"}

	admits, rejects := 0, 0
	for i := 0; i < 11; i++ {
		result, err := rl.TryConsume(ctx, req, ruleSet, 1)
		require.NoError(t, err)
		if result.Allowed {
			admits++
		} else {
			rejects++
			require.Equal(t, "R1", result.MatchedRuleID)
		}
	}
	require.Equal(t, 10, admits)
	require.Equal(t, 1, rejects)
}

func TestLimiter_MultiRule_RejectAttributedToSecondRule(t *testing.T) {
	bandR1, err := NewRateLimitBand(1_000_000_000, 5, "")
	require.NoError(t, err)
	bandR2, err := NewRateLimitBand(1_000_000_000, 3, "")
	require.NoError(t, err)
	r1, err := NewRateLimitRule("R1", "R1", []string{"clientIp"}, []RateLimitBand{bandR1})
	require.NoError(t, err)
	r2, err := NewRateLimitRule("R2", "R2", []string{"apiKey"}, []RateLimitBand{bandR2})
	require.NoError(t, err)

	resolver := perRuleResolver{values: map[string]string{"R1": "A", "R2": "K"}}
	ruleSet, err := NewRateLimitRuleSet("rs", []RateLimitRule{r1, r2}, resolver, nil)
	require.NoError(t, err)

	rl := NewRateLimiter(newFakeStore(), zap.NewNop(), FailOpen)
	ctx := context.Background()
	req := RequestContext{ClientIP: "A", APIKey: "K"}

	admits, rejects := 0, 0
	for i := 0; i < 4; i++ {
		result, err := rl.TryConsume(ctx, req, ruleSet, 1)
		require.NoError(t, err)
		if result.Allowed {
			admits++
		} else {
			rejects++
			require.Equal(t, "R2", result.MatchedRuleID)
		}
	}
	require.Equal(t, 3, admits)
	require.Equal(t, 1, rejects)
}

type perRuleResolver struct{ values map[string]string }

func (r perRuleResolver) Resolve(_ RequestContext, rule RateLimitRule) (string, error) {
	return r.values[rule.RuleID], nil
}

func TestLimiter_FailClosedOnStoreUnavailable(t *testing.T) {
	band, err := NewRateLimitBand(1_000_000_000, 5, "")
	require.NoError(t, err)
	rule, err := NewRateLimitRule("R1", "R1", []string{"clientIp"}, []RateLimitBand{band})
	require.NoError(t, err)
	ruleSet, err := NewRateLimitRuleSet("rs", []RateLimitRule{rule}, fixedResolver{"1.1.1.1"}, nil)
	require.NoError(t, err)

	rl := NewRateLimiter(failingStore{}, zap.NewNop(), FailClosed)
	result, err := rl.TryConsume(context.Background(), RequestContext{ClientIP: "1.1.1.1"}, ruleSet, 1)
	require.NoError(t, err)
	require.False(t, result.Allowed)
}

func TestLimiter_FailOpenOnStoreUnavailable(t *testing.T) {
	band, err := NewRateLimitBand(1_000_000_000, 5, "")
	require.NoError(t, err)
	rule, err := NewRateLimitRule("R1", "R1", []string{"clientIp"}, []RateLimitBand{band})
	require.NoError(t, err)
	ruleSet, err := NewRateLimitRuleSet("rs", []RateLimitRule{rule}, fixedResolver{"1.1.1.1"}, nil)
	require.NoError(t, err)

	rl := NewRateLimiter(failingStore{}, zap.NewNop(), FailOpen)
	result, err := rl.TryConsume(context.Background(), RequestContext{ClientIP: "1.1.1.1"}, ruleSet, 1)
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

type failingStore struct{}

func (failingStore) TryConsume(context.Context, BucketRef, RateLimitBand, int64) (BucketState, error) {
	return BucketState{}, ErrStoreUnavailable
}
func (failingStore) DeleteBucketsByRuleSetID(context.Context, string) (int64, error) { return 0, nil }
func (failingStore) DeleteAllBuckets(context.Context) (int64, error)                 { return 0, nil }
func (failingStore) Close() error                                                    { return nil }
