package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cloudcached/internal/collector"
	"github.com/marmos91/cloudcached/pkg/metrics"
)

func init() {
	metrics.RegisterCollectorMetricsConstructor(newCollectorMetrics)
}

// collectorMetrics is the Prometheus implementation of collector.Metrics.
type collectorMetrics struct {
	tasksTotal     *prometheus.CounterVec
	objectsDeleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	errorsTotal    prometheus.Counter
}

func newCollectorMetrics() collector.Metrics {
	reg := metrics.GetRegistry()

	return &collectorMetrics{
		tasksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcached_collector_tasks_total",
				Help: "Total background collector tasks processed by kind",
			},
			[]string{"kind"},
		),
		objectsDeleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcached_collector_objects_deleted_total",
				Help: "Total backend objects deleted by the collector, by task kind",
			},
			[]string{"kind"},
		),
		taskDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcached_collector_task_duration_seconds",
				Help:    "Duration of a collector task batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		errorsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudcached_collector_errors_total",
				Help: "Total collector task failures that will be retried",
			},
		),
	}
}

func (m *collectorMetrics) ObserveTask(kind string, objectsDeleted int, d time.Duration) {
	m.tasksTotal.WithLabelValues(kind).Inc()
	m.objectsDeleted.WithLabelValues(kind).Add(float64(objectsDeleted))
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *collectorMetrics) ObserveError() {
	m.errorsTotal.Inc()
}
