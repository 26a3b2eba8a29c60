package metrics

import "github.com/marmos91/cloudcached/internal/catalog"

// NewCatalogMetrics returns a Prometheus-backed catalog.Metrics, or nil
// (zero overhead) if InitRegistry has not been called.
func NewCatalogMetrics() catalog.Metrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusCatalogMetrics()
}

var newPrometheusCatalogMetrics func() catalog.Metrics

// RegisterCatalogMetricsConstructor is called by pkg/metrics/prometheus's
// init() to install the concrete constructor.
func RegisterCatalogMetricsConstructor(constructor func() catalog.Metrics) {
	newPrometheusCatalogMetrics = constructor
}
