package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cloudcached/internal/frontend"
	"github.com/marmos91/cloudcached/pkg/metrics"
)

func init() {
	metrics.RegisterFrontendMetricsConstructor(newFrontendMetrics)
}

// frontendMetrics is the Prometheus implementation of frontend.Metrics.
type frontendMetrics struct {
	opTotal    *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	opBytes    *prometheus.HistogramVec
	delCount   prometheus.Histogram
}

func newFrontendMetrics() frontend.Metrics {
	reg := metrics.GetRegistry()

	return &frontendMetrics{
		opTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcached_frontend_operations_total",
				Help: "Total frontend operations by kind and outcome",
			},
			[]string{"op", "outcome"}, // op: "get","put","del"; outcome: "ok","error"
		),
		opDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcached_frontend_operation_duration_seconds",
				Help:    "Duration of frontend operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		opBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcached_frontend_operation_bytes",
				Help:    "Bytes transferred per frontend get/put",
				Buckets: prometheus.ExponentialBuckets(4096, 4, 12),
			},
			[]string{"op"},
		),
		delCount: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcached_frontend_delete_batch_size",
				Help:    "Keys per Del call",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

func (m *frontendMetrics) observe(op string, bytes int64, d time.Duration, err error) {
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

func (m *frontendMetrics) ObserveGet(bytes int64, d time.Duration, err error) {
	m.observe("get", bytes, d, err)
}

func (m *frontendMetrics) ObservePut(bytes int64, d time.Duration, err error) {
	m.observe("put", bytes, d, err)
}

func (m *frontendMetrics) ObserveDelete(count int, d time.Duration, err error) {
	m.observe("del", 0, d, err)
	m.delCount.Observe(float64(count))
}
