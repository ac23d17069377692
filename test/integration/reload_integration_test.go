//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/internal/bucketreset"
	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/fluxgate/fluxgate/internal/ratelimit/keyresolver"
	"github.com/fluxgate/fluxgate/internal/ratelimit/redisstore"
	"github.com/fluxgate/fluxgate/internal/reloadbus"
	"github.com/fluxgate/fluxgate/internal/rulerepo"
	"github.com/fluxgate/fluxgate/internal/rulesetprovider"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// TestReloadResetsExhaustedBucket exercises spec scenario 5 end to end
// against a real Redis: exhaust a bucket, publish a single-rule-set reload
// event over the real pub/sub channel, and confirm the next TryConsume sees
// a fresh bucket.
func TestReloadResetsExhaustedBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, endpoint := startRedisContainer(t, ctx)
	defer container.Terminate(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	defer rdb.Close()

	logger := zap.NewNop()
	store, err := redisstore.New(ctx, rdb, logger)
	require.NoError(t, err)
	defer store.Close()

	repo := rulerepo.NewMemoryRepository()
	repo.Put("checkout", []rulerepo.RuleDefinition{{
		RuleID:  "r1",
		Name:    "per-ip",
		KeySpec: []string{"clientIp"},
		Bands:   []rulerepo.BandDefinition{{WindowSeconds: 60, Capacity: 5, Label: "minute"}},
	}})

	provider := rulesetprovider.New(repo, keyresolver.NewComposite(), ratelimit.NoopRateLimiterMetrics{}, logger)
	limiter := ratelimit.NewRateLimiter(store, logger, ratelimit.FailClosed)

	bus := reloadbus.New(rdb, logger, time.Minute)
	resetHandler := bucketreset.New(store, provider, logger)
	resetHandler.Attach(bus)
	bus.Start(ctx)
	defer bus.Stop()

	requestCtx := ratelimit.RequestContext{ClientIP: "203.0.113.9"}

	ruleSet, err := provider.FindByID(ctx, "checkout")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		result, err := limiter.TryConsume(ctx, requestCtx, ruleSet, 1)
		require.NoError(t, err)
		require.True(t, result.Allowed, "consume %d should be admitted", i)
	}

	rejected, err := limiter.TryConsume(ctx, requestCtx, ruleSet, 1)
	require.NoError(t, err)
	require.False(t, rejected.Allowed, "bucket should be exhausted")

	require.NoError(t, bus.Publish(ctx, reloadbus.RuleReloadEvent{RuleSetID: "checkout"}))

	require.Eventually(t, func() bool {
		ruleSet, err = provider.FindByID(ctx, "checkout")
		if err != nil {
			return false
		}
		result, err := limiter.TryConsume(ctx, requestCtx, ruleSet, 1)
		return err == nil && result.Allowed
	}, 10*time.Second, 100*time.Millisecond, "bucket should admit again after reload reset")
}

func startRedisContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return container, endpoint
}
