// Copyright 2025 James Ross

// Package redisstore implements the TokenBucketStore contract (C1) against
// Redis, using a server-side Lua script for atomic consume and SCAN+UNLINK
// for bounded-batch deletion. It works against both a standalone node and a
// cluster, since it depends only on redis.UniversalClient plus a narrow
// scan/unlink capability each concrete client also satisfies.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultScanBatchSize bounds how many keys a single SCAN cursor iteration
// inspects, so deletion never monopolizes the store (§4.1).
const DefaultScanBatchSize = 1000

// ScriptedStoreBackend is the Redis-backed TokenBucketStore.
type ScriptedStoreBackend struct {
	client        redis.UniversalClient
	logger        *zap.Logger
	scriptSHA     atomic.Value // string; release/acquire publication per §5
	scanBatchSize int64
}

// Option customizes a ScriptedStoreBackend at construction.
type Option func(*ScriptedStoreBackend)

// WithScanBatchSize overrides the default SCAN COUNT hint / batch ceiling.
func WithScanBatchSize(n int64) Option {
	return func(s *ScriptedStoreBackend) {
		if n > 0 {
			s.scanBatchSize = n
		}
	}
}

// New constructs a ScriptedStoreBackend and loads the consume script onto
// every reachable master (a no-op broadcast when client is not a cluster
// client).
func New(ctx context.Context, client redis.UniversalClient, logger *zap.Logger, opts ...Option) (*ScriptedStoreBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ScriptedStoreBackend{client: client, logger: logger, scanBatchSize: DefaultScanBatchSize}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadScript(ctx); err != nil {
		return nil, &ratelimit.StoreUnavailableError{Op: "script load", Cause: err}
	}
	return s, nil
}

// loadScript loads the consume script and publishes its SHA. In cluster mode
// it broadcasts to every master so a tryConsume routed to any shard finds
// the script already resident.
func (s *ScriptedStoreBackend) loadScript(ctx context.Context) error {
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var sha string
		var mu sync.Mutex
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
			loaded, err := shard.ScriptLoad(ctx, consumeScript).Result()
			if err != nil {
				return err
			}
			mu.Lock()
			sha = loaded
			mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
		s.scriptSHA.Store(sha)
		return nil
	}

	sha, err := s.client.ScriptLoad(ctx, consumeScript).Result()
	if err != nil {
		return err
	}
	s.scriptSHA.Store(sha)
	return nil
}

func isNoScript(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOSCRIPT")
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// wireKey renders the normative bucket key format from §6:
// fg:{ruleSetId}:{ruleId}:{bandIndex}:{selector}. The braces are a literal
// Redis cluster hash-tag so every key belonging to one rule set maps to the
// same slot.
func wireKey(ref ratelimit.BucketRef) string {
	return fmt.Sprintf("fg:{%s}:%s:%d:%s", ref.RuleSetID, ref.RuleID, ref.BandIndex, ref.Selector)
}

// TryConsume runs the scripted algorithm by SHA, transparently reloading and
// retrying once on NOSCRIPT.
func (s *ScriptedStoreBackend) TryConsume(ctx context.Context, ref ratelimit.BucketRef, band ratelimit.RateLimitBand, permits int64) (ratelimit.BucketState, error) {
	key := wireKey(ref)
	windowMicros := band.WindowDuration.Microseconds()

	state, err := s.runConsume(ctx, key, band.Capacity, windowMicros, permits)
	if isNoScript(err) {
		s.logger.Warn("consume script not loaded, reloading", zap.String("key", key))
		if loadErr := s.loadScript(ctx); loadErr != nil {
			return ratelimit.BucketState{}, &ratelimit.StoreUnavailableError{Op: "tryConsume", Cause: loadErr}
		}
		state, err = s.runConsume(ctx, key, band.Capacity, windowMicros, permits)
	}
	if err != nil {
		return ratelimit.BucketState{}, &ratelimit.StoreUnavailableError{Op: "tryConsume", Cause: err}
	}
	return state, nil
}

func (s *ScriptedStoreBackend) runConsume(ctx context.Context, key string, capacity, windowMicros, permits int64) (ratelimit.BucketState, error) {
	sha, _ := s.scriptSHA.Load().(string)
	if sha == "" {
		return ratelimit.BucketState{}, fmt.Errorf("consume script not loaded")
	}

	res, err := s.client.EvalSha(ctx, sha, []string{key}, capacity, windowMicros, permits).Result()
	if err != nil {
		return ratelimit.BucketState{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return ratelimit.BucketState{}, fmt.Errorf("malformed consume script result: %#v", res)
	}

	consumed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	waitNanos := toInt64(vals[2])
	return ratelimit.BucketState{
		Consumed:             consumed,
		RemainingTokens:      remaining,
		NanosToWaitForRefill: waitNanos,
	}, nil
}

// scanner is the narrow capability scanAndDelete needs; both
// redis.UniversalClient (standalone) and *redis.Client (one cluster master)
// satisfy it.
type scanner interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Unlink(ctx context.Context, keys ...string) *redis.IntCmd
}

// DeleteBucketsByRuleSetID removes every bucket for one rule set. Because
// the wire key hash-tags on ruleSetId, every key for the set lives on one
// cluster slot — but the scan still visits every master to avoid assuming
// which one, per §4.1's "MUST visit every shard".
func (s *ScriptedStoreBackend) DeleteBucketsByRuleSetID(ctx context.Context, ruleSetID string) (int64, error) {
	pattern := fmt.Sprintf("fg:{%s}:*", ruleSetID)
	return s.deletePattern(ctx, pattern)
}

// DeleteAllBuckets removes every FluxGate bucket in the store.
func (s *ScriptedStoreBackend) DeleteAllBuckets(ctx context.Context) (int64, error) {
	return s.deletePattern(ctx, "fg:*")
}

func (s *ScriptedStoreBackend) deletePattern(ctx context.Context, pattern string) (int64, error) {
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var total int64
		var mu sync.Mutex
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
			n, err := scanAndDelete(ctx, shard, pattern, s.scanBatchSize)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
		return total, err
	}
	return scanAndDelete(ctx, s.client, pattern, s.scanBatchSize)
}

// scanAndDelete walks the keyspace with SCAN in batches of at most
// batchSize, pipelining UNLINK for each batch, and returns the total number
// of keys removed.
func scanAndDelete(ctx context.Context, c scanner, pattern string, batchSize int64) (int64, error) {
	var total int64
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return total, err
		}
		if len(keys) > 0 {
			n, err := c.Unlink(ctx, keys...).Result()
			total += n
			if err != nil {
				return total, err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// Close releases the underlying Redis client.
func (s *ScriptedStoreBackend) Close() error {
	return s.client.Close()
}

var _ ratelimit.TokenBucketStore = (*ScriptedStoreBackend)(nil)
