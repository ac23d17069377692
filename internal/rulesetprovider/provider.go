// Copyright 2025 James Ross

// Package rulesetprovider implements the RuleSetProvider contract (C6):
// loading raw rule definitions through a RuleRepository, projecting them
// into immutable domain objects, and caching the result until an explicit
// invalidation.
package rulesetprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/fluxgate/fluxgate/internal/rulerepo"
	"go.uber.org/zap"
)

// Provider loads a RuleSet by id, caching immutable results until a reload
// event invalidates an entry.
type Provider struct {
	repo     rulerepo.RuleRepository
	resolver ratelimit.KeyResolver
	metrics  ratelimit.RateLimiterMetrics
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*ratelimit.RateLimitRuleSet
}

// New constructs a Provider bound to repo, projecting every loaded rule set
// onto resolver and metrics (metrics may be nil; it becomes a no-op sink, as
// with every FluxGate rule set).
func New(repo rulerepo.RuleRepository, resolver ratelimit.KeyResolver, metrics ratelimit.RateLimiterMetrics, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		repo:     repo,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
		cache:    make(map[string]*ratelimit.RateLimitRuleSet),
	}
}

// FindByID returns the cached RuleSet for id if present, otherwise loads it
// from the repository, validates it, caches it, and returns it.
// ErrRuleSetNotFound is returned when the repository has no rules for id.
func (p *Provider) FindByID(ctx context.Context, ruleSetID string) (*ratelimit.RateLimitRuleSet, error) {
	p.mu.RLock()
	cached, ok := p.cache[ruleSetID]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	defs, err := p.repo.FindByRuleSetID(ctx, ruleSetID)
	if err != nil {
		return nil, fmt.Errorf("rulesetprovider: load rule set %q: %w", ruleSetID, err)
	}
	if len(defs) == 0 {
		return nil, ratelimit.ErrRuleSetNotFound
	}

	ruleSet, err := project(ruleSetID, defs, p.resolver, p.metrics)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[ruleSetID] = ruleSet
	p.mu.Unlock()

	return ruleSet, nil
}

// Invalidate drops the cached entry for ruleSetID, if any, so the next
// FindByID reloads from the repository. Called by the BucketResetHandler
// (bucketreset.Handler) on a reload event.
func (p *Provider) Invalidate(ruleSetID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, ruleSetID)
}

// InvalidateAll drops every cached entry, used on a full reload.
func (p *Provider) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*ratelimit.RateLimitRuleSet)
}

func project(ruleSetID string, defs []rulerepo.RuleDefinition, resolver ratelimit.KeyResolver, metrics ratelimit.RateLimiterMetrics) (*ratelimit.RateLimitRuleSet, error) {
	rules := make([]ratelimit.RateLimitRule, 0, len(defs))
	for _, def := range defs {
		bands := make([]ratelimit.RateLimitBand, 0, len(def.Bands))
		for _, bd := range def.Bands {
			band, err := ratelimit.NewRateLimitBand(
				time.Duration(bd.WindowSeconds*float64(time.Second)),
				bd.Capacity,
				bd.Label,
			)
			if err != nil {
				return nil, err
			}
			bands = append(bands, band)
		}
		rule, err := ratelimit.NewRateLimitRule(def.RuleID, def.Name, def.KeySpec, bands)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return ratelimit.NewRateLimitRuleSet(ruleSetID, rules, resolver, metrics)
}
