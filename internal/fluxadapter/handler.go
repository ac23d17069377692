// Copyright 2025 James Ross

// Package fluxadapter exposes the thin boundary adapters external callers
// use: FluxgateRateLimitHandler, the single entry point HTTP filters and
// annotation-style aspects would call, wrapping the RateLimiter +
// RuleSetProvider pair behind the request-scoped RequestContext → Verdict
// shape named at the spec's boundary.
package fluxadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxgate/fluxgate/internal/ratelimit"
)

// RateLimitResponse is the adapter-facing verdict shape.
type RateLimitResponse struct {
	Allowed         bool
	RemainingTokens int64
	RetryAfterMs    int64
}

// ruleSetLoader is the subset of rulesetprovider.Provider the handler needs.
type ruleSetLoader interface {
	FindByID(ctx context.Context, ruleSetID string) (*ratelimit.RateLimitRuleSet, error)
}

// FluxgateRateLimitHandler is the single entry point for HTTP filters and
// annotation aspects: given a rule set id and a request context, it loads
// the rule set and evaluates the request against the core RateLimiter.
type FluxgateRateLimitHandler struct {
	provider ruleSetLoader
	limiter  *ratelimit.RateLimiter
}

// New constructs a handler bound to provider and limiter.
func New(provider ruleSetLoader, limiter *ratelimit.RateLimiter) *FluxgateRateLimitHandler {
	return &FluxgateRateLimitHandler{provider: provider, limiter: limiter}
}

// TryConsume loads ruleSetID's rule set and evaluates one request against
// it, consuming a single permit. An unknown rule set id admits the request.
func (h *FluxgateRateLimitHandler) TryConsume(ctx context.Context, ruleSetID string, requestCtx ratelimit.RequestContext) (RateLimitResponse, error) {
	return h.tryConsumeN(ctx, ruleSetID, requestCtx, 1)
}

func (h *FluxgateRateLimitHandler) tryConsumeN(ctx context.Context, ruleSetID string, requestCtx ratelimit.RequestContext, permits int64) (RateLimitResponse, error) {
	ruleSet, err := h.provider.FindByID(ctx, ruleSetID)
	if errors.Is(err, ratelimit.ErrRuleSetNotFound) {
		return RateLimitResponse{Allowed: true}, nil
	}
	if err != nil {
		return RateLimitResponse{}, fmt.Errorf("fluxadapter: load rule set %q: %w", ruleSetID, err)
	}

	result, err := h.limiter.TryConsume(ctx, requestCtx, ruleSet, permits)
	if err != nil {
		return RateLimitResponse{}, err
	}
	return RateLimitResponse{
		Allowed:         result.Allowed,
		RemainingTokens: result.RemainingTokens,
		RetryAfterMs:    result.NanosToWaitForRefill / int64(time.Millisecond),
	}, nil
}

// WaitAndRetry evaluates the request; if rejected, it sleeps for the
// reported retry-after duration and retries exactly once, per the spec's
// resolution that wait-for-refill retries a single time rather than looping
// with backoff. The core rate limiter itself never sleeps — only this
// adapter-level helper does, on the caller's behalf.
func (h *FluxgateRateLimitHandler) WaitAndRetry(ctx context.Context, ruleSetID string, requestCtx ratelimit.RequestContext) (RateLimitResponse, error) {
	resp, err := h.TryConsume(ctx, ruleSetID, requestCtx)
	if err != nil || resp.Allowed {
		return resp, err
	}

	wait := time.Duration(resp.RetryAfterMs) * time.Millisecond
	if wait <= 0 {
		return resp, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return resp, ctx.Err()
	case <-timer.C:
	}

	return h.TryConsume(ctx, ruleSetID, requestCtx)
}
