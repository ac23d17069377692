// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/fluxgate/fluxgate/internal/ratelimitconfig"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Admits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxgate_admits_total",
		Help: "Total number of admitted rate limit checks",
	}, []string{"rule_set", "rule"})
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxgate_rejections_total",
		Help: "Total number of rejected rate limit checks",
	}, []string{"rule_set", "rule"})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxgate_store_errors_total",
		Help: "Total number of errors returned by the token bucket store, by kind",
	}, []string{"kind"})
	StoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fluxgate_store_latency_seconds",
		Help:    "Histogram of token bucket store round-trip latency",
		Buckets: prometheus.DefBuckets,
	})
	BucketsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fluxgate_buckets_deleted_total",
		Help: "Total number of buckets deleted by reload-triggered resets",
	})
	ReloadSubscriptionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxgate_reload_subscription_state",
		Help: "0 Subscribing, 1 Subscribed, 2 Reconnecting, 3 Closed",
	})
	StoreBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxgate_store_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
)

func init() {
	prometheus.MustRegister(Admits, Rejections, StoreErrors, StoreLatency, BucketsDeleted, ReloadSubscriptionState, StoreBreakerState)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; prefer StartHTTPServer, which also serves health endpoints.
func StartMetricsServer(cfg *ratelimitconfig.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
