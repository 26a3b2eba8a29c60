package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cloudcached/internal/blockcache"
	"github.com/marmos91/cloudcached/pkg/metrics"
)

func init() {
	metrics.RegisterCacheMetricsConstructor(newCacheMetrics)
}

// cacheMetrics is the Prometheus implementation of blockcache.CacheMetrics.
type cacheMetrics struct {
	getTotal        *prometheus.CounterVec
	getDuration     *prometheus.HistogramVec
	getBytes        prometheus.Histogram
	checkpointTotal prometheus.Counter
	checkpointBytes prometheus.Histogram
	checkpointEntries prometheus.Histogram
	checkpointDuration prometheus.Histogram
	residentEntries prometheus.Gauge
	residentBytes   prometheus.Gauge
}

func newCacheMetrics() blockcache.CacheMetrics {
	reg := metrics.GetRegistry()

	return &cacheMetrics{
		getTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcached_cache_get_total",
				Help: "Total number of Cache.get calls by outcome",
			},
			[]string{"outcome"}, // "hit", "miss"
		),
		getDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcached_cache_get_duration_seconds",
				Help:    "Duration of Cache.get calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		getBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcached_cache_get_bytes",
				Help:    "Distribution of entry sizes observed by Cache.get",
				Buckets: prometheus.ExponentialBuckets(4096, 4, 10),
			},
		),
		checkpointTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cloudcached_cache_checkpoint_total",
				Help: "Total number of completed checkpoints",
			},
		),
		checkpointBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcached_cache_checkpoint_bytes",
				Help:    "Bytes submitted per checkpoint",
				Buckets: prometheus.ExponentialBuckets(4096, 4, 12),
			},
		),
		checkpointEntries: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcached_cache_checkpoint_entries",
				Help:    "Dirty entries submitted per checkpoint",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		checkpointDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcached_cache_checkpoint_duration_seconds",
				Help:    "Wall-clock duration of Cache.checkpoint",
				Buckets: prometheus.DefBuckets,
			},
		),
		residentEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cloudcached_cache_resident_entries",
				Help: "Current number of resident cache entries",
			},
		),
		residentBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cloudcached_cache_resident_bytes",
				Help: "Current resident cache size in bytes",
			},
		),
	}
}

func (m *cacheMetrics) ObserveGet(hit bool, bytes int64, d time.Duration) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.getTotal.WithLabelValues(outcome).Inc()
	m.getDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if bytes > 0 {
		m.getBytes.Observe(float64(bytes))
	}
}

func (m *cacheMetrics) ObserveCheckpoint(bytes int64, entries int, d time.Duration) {
	m.checkpointTotal.Inc()
	m.checkpointBytes.Observe(float64(bytes))
	m.checkpointEntries.Observe(float64(entries))
	m.checkpointDuration.Observe(d.Seconds())
}

func (m *cacheMetrics) RecordResidency(entries int, bytes int64) {
	m.residentEntries.Set(float64(entries))
	m.residentBytes.Set(float64(bytes))
}
