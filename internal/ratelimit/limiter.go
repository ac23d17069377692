// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FailurePolicy decides what a RateLimiter does when the store is
// unavailable: admit the request (fail-open) or reject it (fail-closed).
// Rate limiters should not amplify an outage, so fail-open is the default.
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota
	FailClosed
)

// RateLimiter orchestrates rule evaluation across bands for one rule set,
// returning a single verdict per request (C5).
type RateLimiter struct {
	store         TokenBucketStore
	logger        *zap.Logger
	failurePolicy FailurePolicy
}

// NewRateLimiter constructs a RateLimiter bound to a store. A nil logger is
// replaced with a no-op logger.
func NewRateLimiter(store TokenBucketStore, logger *zap.Logger, failurePolicy FailurePolicy) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{store: store, logger: logger, failurePolicy: failurePolicy}
}

// TryConsume evaluates every rule in ruleSet, in declared order, against
// requestCtx (resolved per-rule into a bucket selector) and ctx (Go's
// cancellation/deadline context for the store round trips). Each rule's
// bands are evaluated in declared order; the first band that rejects
// short-circuits the whole rule set and is reported as the matched rule.
// Earlier bands of that same rule that already admitted are NOT rolled
// back — accepted drift per §4.2, since the next attempt refills them, and
// bands are expected to be ordered narrowest-window first so the common
// case rejects on the first (cheapest) band.
func (rl *RateLimiter) TryConsume(ctx context.Context, requestCtx RequestContext, ruleSet *RateLimitRuleSet, permits int64) (RateLimitResult, error) {
	if ruleSet == nil {
		return RateLimitResult{}, ErrRuleSetNotFound
	}

	var minRemaining int64 = -1
	for _, rule := range ruleSet.Rules {
		selector, err := ruleSet.Resolver.Resolve(requestCtx, rule)
		if err != nil {
			return RateLimitResult{}, fmt.Errorf("ratelimit: resolve key for rule %q: %w", rule.RuleID, err)
		}

		for bandIndex, band := range rule.Bands {
			ref := BucketRef{
				RuleSetID: ruleSet.RuleSetID,
				RuleID:    rule.RuleID,
				BandIndex: bandIndex,
				Selector:  selector,
			}

			start := time.Now()
			state, err := rl.store.TryConsume(ctx, ref, band, permits)
			ruleSet.Metrics.RecordStoreLatency(time.Since(start))

			if err != nil {
				var unavailable *StoreUnavailableError
				if errors.As(err, &unavailable) || errors.Is(err, ErrStoreUnavailable) {
					ruleSet.Metrics.RecordStoreError("unavailable")
					return rl.handleStoreUnavailable(ruleSet, rule.RuleID, err)
				}
				return RateLimitResult{}, err
			}

			if !state.Consumed {
				ruleSet.Metrics.RecordDecision(ruleSet.RuleSetID, rule.RuleID, false)
				return RateLimitResult{
					Allowed:              false,
					RemainingTokens:      state.RemainingTokens,
					NanosToWaitForRefill: state.NanosToWaitForRefill,
					MatchedRuleID:        rule.RuleID,
				}, nil
			}

			if minRemaining == -1 || state.RemainingTokens < minRemaining {
				minRemaining = state.RemainingTokens
			}
		}
	}

	ruleSet.Metrics.RecordDecision(ruleSet.RuleSetID, "", true)
	if minRemaining == -1 {
		minRemaining = 0
	}
	return RateLimitResult{Allowed: true, RemainingTokens: minRemaining, NanosToWaitForRefill: 0}, nil
}

// handleStoreUnavailable applies the configured fail-open/fail-closed policy
// when the store cannot be reached. The core itself never retries beyond
// what the store client already attempted.
func (rl *RateLimiter) handleStoreUnavailable(ruleSet *RateLimitRuleSet, ruleID string, cause error) (RateLimitResult, error) {
	rl.logger.Warn("store unavailable, applying failure policy",
		zap.String("ruleSetId", ruleSet.RuleSetID),
		zap.String("ruleId", ruleID),
		zap.Bool("failClosed", rl.failurePolicy == FailClosed),
		zap.Error(cause))

	if rl.failurePolicy == FailClosed {
		return RateLimitResult{Allowed: false, MatchedRuleID: ruleID}, nil
	}
	return RateLimitResult{Allowed: true}, nil
}
