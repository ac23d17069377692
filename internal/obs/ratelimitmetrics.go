// Copyright 2025 James Ross
package obs

import (
	"time"

	"github.com/fluxgate/fluxgate/internal/ratelimit"
)

// PrometheusRateLimiterMetrics adapts the package-level Prometheus
// collectors to the ratelimit.RateLimiterMetrics interface.
type PrometheusRateLimiterMetrics struct{}

var _ ratelimit.RateLimiterMetrics = PrometheusRateLimiterMetrics{}

func (PrometheusRateLimiterMetrics) RecordDecision(ruleSetID, ruleID string, allowed bool) {
	if allowed {
		Admits.WithLabelValues(ruleSetID, ruleID).Inc()
		return
	}
	Rejections.WithLabelValues(ruleSetID, ruleID).Inc()
}

func (PrometheusRateLimiterMetrics) RecordStoreLatency(d time.Duration) {
	StoreLatency.Observe(d.Seconds())
}

func (PrometheusRateLimiterMetrics) RecordStoreError(kind string) {
	StoreErrors.WithLabelValues(kind).Inc()
}
