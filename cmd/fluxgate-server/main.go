// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxgate/fluxgate/internal/bucketreset"
	"github.com/fluxgate/fluxgate/internal/fluxadapter"
	"github.com/fluxgate/fluxgate/internal/fluxgateredis"
	"github.com/fluxgate/fluxgate/internal/obs"
	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/fluxgate/fluxgate/internal/ratelimit/keyresolver"
	"github.com/fluxgate/fluxgate/internal/ratelimit/redisstore"
	"github.com/fluxgate/fluxgate/internal/ratelimitconfig"
	"github.com/fluxgate/fluxgate/internal/reloadbus"
	"github.com/fluxgate/fluxgate/internal/rulerepo"
	"github.com/fluxgate/fluxgate/internal/rulesetprovider"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/fluxgate.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := ratelimitconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := fluxgateredis.New(cfg.Redis)
	defer rdb.Close()

	scriptedStore, err := redisstore.New(ctx, rdb, logger, redisstore.WithScanBatchSize(cfg.Redis.ScanBatchSize))
	if err != nil {
		logger.Fatal("failed to initialize token bucket store", obs.Err(err))
	}
	defer scriptedStore.Close()

	var store ratelimit.TokenBucketStore = scriptedStore
	if cfg.StoreBreaker.Enabled {
		store = redisstore.NewCircuitBreakingStore(scriptedStore,
			cfg.StoreBreaker.Window, cfg.StoreBreaker.Cooldown,
			cfg.StoreBreaker.FailureThreshold, cfg.StoreBreaker.MinSamples)
	}

	repo, err := buildRuleRepository(ctx, cfg.RuleRepository)
	if err != nil {
		logger.Fatal("failed to initialize rule repository", obs.Err(err))
	}

	resolver := keyresolver.NewComposite()
	metrics := obs.PrometheusRateLimiterMetrics{}
	provider := rulesetprovider.New(repo, resolver, metrics, logger)

	failurePolicy := ratelimit.FailOpen
	if cfg.RateLimiter.FailurePolicy == "fail-closed" {
		failurePolicy = ratelimit.FailClosed
	}
	limiter := ratelimit.NewRateLimiter(store, logger, failurePolicy)
	handler := fluxadapter.New(provider, limiter)
	_ = handler // wired for embedding adapters (HTTP filters, aspects) to call into

	bus := reloadbus.New(rdb, logger, cfg.ReloadBus.PollInterval)
	resetHandler := bucketreset.New(store, provider, logger,
		bucketreset.WithScanRateLimit(cfg.ReloadBus.ScanEventsPerSecond, cfg.ReloadBus.ScanBurst))
	resetHandler.Attach(bus)
	bus.Start(ctx)
	defer bus.Stop()

	readyCheck := func(c context.Context) error {
		return rdb.Ping(c).Err()
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

func buildRuleRepository(ctx context.Context, cfg ratelimitconfig.RuleRepository) (rulerepo.RuleRepository, error) {
	switch cfg.Backend {
	case "yaml":
		return rulerepo.NewYAMLRepository(cfg.YAMLPath)
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		collection := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
		repo := rulerepo.NewMongoRepository(collection)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return repo, nil
	default:
		return rulerepo.NewMemoryRepository(), nil
	}
}
