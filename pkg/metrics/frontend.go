package metrics

import "github.com/marmos91/cloudcached/internal/frontend"

// NewFrontendMetrics returns a Prometheus-backed frontend.Metrics, or nil
// (zero overhead) if InitRegistry has not been called.
func NewFrontendMetrics() frontend.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusFrontendMetrics()
}

var newPrometheusFrontendMetrics func() frontend.Metrics

// RegisterFrontendMetricsConstructor is called by pkg/metrics/prometheus's
// init() to install the concrete constructor.
func RegisterFrontendMetricsConstructor(constructor func() frontend.Metrics) {
	newPrometheusFrontendMetrics = constructor
}
