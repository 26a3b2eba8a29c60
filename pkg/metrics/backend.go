package metrics

import "github.com/marmos91/cloudcached/internal/backend"

// NewBackendMetrics returns a Prometheus-backed backend.Metrics, or nil
// (zero overhead) if InitRegistry has not been called.
func NewBackendMetrics() backend.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusBackendMetrics()
}

var newPrometheusBackendMetrics func() backend.Metrics

// RegisterBackendMetricsConstructor is called by pkg/metrics/prometheus's
// init() to install the concrete constructor.
func RegisterBackendMetricsConstructor(constructor func() backend.Metrics) {
	newPrometheusBackendMetrics = constructor
}
