package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cloudcached/internal/catalog"
	"github.com/marmos91/cloudcached/pkg/metrics"
)

func init() {
	metrics.RegisterCatalogMetricsConstructor(newCatalogMetrics)
}

// catalogMetrics is the Prometheus implementation of catalog.Metrics,
// tracking lookup traffic and hit ratio over the badger-backed catalog.
type catalogMetrics struct {
	lookupTotal    *prometheus.CounterVec
	lookupDuration prometheus.Histogram
}

func newCatalogMetrics() catalog.Metrics {
	reg := metrics.GetRegistry()

	return &catalogMetrics{
		lookupTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcached_catalog_get_object_total",
				Help: "Total catalog GetObject lookups by outcome",
			},
			[]string{"outcome"}, // "hit", "miss"
		),
		lookupDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcached_catalog_get_object_duration_seconds",
				Help:    "Duration of catalog GetObject lookups",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *catalogMetrics) ObserveGetObject(hit bool, d time.Duration) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.lookupTotal.WithLabelValues(outcome).Inc()
	m.lookupDuration.Observe(d.Seconds())
}
