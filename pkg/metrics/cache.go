package metrics

import "github.com/marmos91/cloudcached/internal/blockcache"

// NewCacheMetrics returns a Prometheus-backed blockcache.CacheMetrics, or
// nil (zero overhead) if InitRegistry has not been called.
func NewCacheMetrics() blockcache.CacheMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusCacheMetrics()
}

// newPrometheusCacheMetrics is supplied by pkg/metrics/prometheus/cache.go's
// init(), keeping this package free of a direct prometheus import cycle.
var newPrometheusCacheMetrics func() blockcache.CacheMetrics

// RegisterCacheMetricsConstructor is called by pkg/metrics/prometheus's
// init() to install the concrete constructor.
func RegisterCacheMetricsConstructor(constructor func() blockcache.CacheMetrics) {
	newPrometheusCacheMetrics = constructor
}
