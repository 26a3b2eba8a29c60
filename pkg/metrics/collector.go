package metrics

import "github.com/marmos91/cloudcached/internal/collector"

// NewCollectorMetrics returns a Prometheus-backed collector.Metrics, or nil
// (zero overhead) if InitRegistry has not been called.
func NewCollectorMetrics() collector.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusCollectorMetrics()
}

var newPrometheusCollectorMetrics func() collector.Metrics

// RegisterCollectorMetricsConstructor is called by pkg/metrics/prometheus's
// init() to install the concrete constructor.
func RegisterCollectorMetricsConstructor(constructor func() collector.Metrics) {
	newPrometheusCollectorMetrics = constructor
}
