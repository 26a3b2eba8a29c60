// Package metrics is an interface-indirection layer between the core
// subsystems (blockcache, frontend, collector, backend, catalog) and a
// concrete Prometheus implementation: each subsystem defines a narrow
// metrics interface next to itself, this package exposes a constructor per
// subsystem that returns nil (zero overhead) when metrics are disabled, and
// pkg/metrics/prometheus registers the concrete implementation behind each
// constructor via an init()-time hook (pkg/config imports it for that side
// effect), so the subsystems never import Prometheus themselves.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.Mutex
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection and creates the process-wide
// Prometheus registry. Must be called before any NewXxxMetrics constructor
// for them to return a non-nil instance. Safe to call more than once.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	enabled = true
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// GetRegistry returns the process-wide registry, creating it if necessary.
// Subsystem constructors call this after confirming IsEnabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format, for the metrics server command to mount.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}
