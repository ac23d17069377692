// Copyright 2025 James Ross
package ratelimit

import "context"

// TokenBucketStore is the capability abstraction every backend (scripted
// Redis, or any other transactional store) implements: atomic consume,
// bucket deletion, and clean shutdown. The class hierarchy the source used
// for "store interface + impl" collapses to this single interface plus one
// or more concrete implementations (see redisstore).
type TokenBucketStore interface {
	// TryConsume executes the read-refill-consume algorithm atomically with
	// respect to any other TryConsume on the same ref.
	TryConsume(ctx context.Context, ref BucketRef, band RateLimitBand, permits int64) (BucketState, error)

	// DeleteBucketsByRuleSetID purges every bucket belonging to one rule set,
	// in bounded batches, and returns the number of keys removed.
	DeleteBucketsByRuleSetID(ctx context.Context, ruleSetID string) (int64, error)

	// DeleteAllBuckets purges every FluxGate bucket in the store.
	DeleteAllBuckets(ctx context.Context) (int64, error)

	// Close releases the store's underlying connections.
	Close() error
}
