package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cloudcached/internal/backend"
	"github.com/marmos91/cloudcached/pkg/metrics"
)

func init() {
	metrics.RegisterBackendMetricsConstructor(newBackendMetrics)
}

// backendMetrics is the Prometheus implementation of backend.Metrics,
// instrumenting whichever concrete backend.Backend adapter is in use (S3,
// memory, ...).
type backendMetrics struct {
	opTotal    *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	opBytes    *prometheus.HistogramVec
}

func newBackendMetrics() backend.Metrics {
	reg := metrics.GetRegistry()

	return &backendMetrics{
		opTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcached_backend_operations_total",
				Help: "Total backend operations by kind and outcome",
			},
			[]string{"op", "outcome"}, // op: "get","put","delete","list","sync"
		),
		opDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcached_backend_operation_duration_seconds",
				Help:    "Duration of backend operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		opBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcached_backend_operation_bytes",
				Help:    "Bytes transferred per backend operation",
				Buckets: prometheus.ExponentialBuckets(4096, 4, 12),
			},
			[]string{"op"},
		),
	}
}

func (m *backendMetrics) ObserveOp(op string, bytes int64, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opTotal.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
	if bytes > 0 {
		m.opBytes.WithLabelValues(op).Observe(float64(bytes))
	}
}
