// Copyright 2025 James Ross

// Package fluxgateredis builds the go-redis/v9 UniversalClient FluxGate's
// store and reload bus share, choosing between standalone and cluster mode
// based on how many addresses are configured.
package fluxgateredis

import (
	"runtime"

	"github.com/fluxgate/fluxgate/internal/ratelimitconfig"
	"github.com/redis/go-redis/v9"
)

// New returns a redis.UniversalClient: a *redis.ClusterClient when cfg names
// more than one address, otherwise a *redis.Client. Both satisfy
// UniversalClient, so the rest of FluxGate never branches on topology.
func New(cfg ratelimitconfig.Redis) redis.UniversalClient {
	poolSize := 10 * runtime.NumCPU()

	if cfg.IsCluster() {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     poolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addrs[0],
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})
}
