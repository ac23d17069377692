// Copyright 2025 James Ross

// Package bucketreset implements the BucketResetHandler contract (C8): the
// subscriber that turns a ReloadBus event into bucket deletion and rule set
// cache invalidation.
package bucketreset

import (
	"context"
	"time"

	"github.com/fluxgate/fluxgate/internal/obs"
	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/fluxgate/fluxgate/internal/reloadbus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// invalidator is the subset of rulesetprovider.Provider the handler needs;
// declared as an interface here so tests can supply a fake without pulling in
// the full provider package.
type invalidator interface {
	Invalidate(ruleSetID string)
	InvalidateAll()
}

// Handler subscribes to a ReloadBus and, on every event it handles, purges
// the affected buckets from the store and drops the corresponding
// RuleSetProvider cache entry. With WithScanRateLimit set, an event over the
// limit is dropped whole: neither purge nor cache invalidation runs. Deletion is best-effort: a failed purge is logged and left for the
// next event rather than retried inline, since a stale bucket merely delays
// a rule change taking effect rather than corrupting state.
type Handler struct {
	store   ratelimit.TokenBucketStore
	cache   invalidator
	logger  *zap.Logger
	limiter *rate.Limiter
}

// Option configures a Handler.
type Option func(*Handler)

// WithScanRateLimit caps how many deletion scans per second the handler may
// issue, so a burst of reload events (e.g. after a bulk rule import) cannot
// saturate the store with SCAN/UNLINK traffic.
func WithScanRateLimit(eventsPerSecond float64, burst int) Option {
	return func(h *Handler) {
		h.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
}

// New constructs a Handler bound to store and cache. logger may be nil.
func New(store ratelimit.TokenBucketStore, cache invalidator, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{store: store, cache: cache, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach subscribes the handler to bus and returns the unsubscribe handle.
func (h *Handler) Attach(bus *reloadbus.Bus) (unsubscribe func()) {
	return bus.Subscribe(h.handle)
}

func (h *Handler) handle(event reloadbus.RuleReloadEvent) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.logger.Warn("bucketreset: dropping reload event, scan rate limit exceeded",
			zap.String("ruleSetId", event.RuleSetID), zap.Bool("fullReload", event.IsFullReload))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if event.IsFullReload || event.RuleSetID == "" {
		h.cache.InvalidateAll()
		n, err := h.store.DeleteAllBuckets(ctx)
		if err != nil {
			h.logger.Error("bucketreset: full bucket purge failed, will retry on next reload event", zap.Error(err))
			return
		}
		obs.BucketsDeleted.Add(float64(n))
		return
	}

	h.cache.Invalidate(event.RuleSetID)
	n, err := h.store.DeleteBucketsByRuleSetID(ctx, event.RuleSetID)
	if err != nil {
		h.logger.Error("bucketreset: bucket purge failed, will retry on next reload event",
			zap.String("ruleSetId", event.RuleSetID), zap.Error(err))
		return
	}
	obs.BucketsDeleted.Add(float64(n))
}
