// Package metrics defines the observability interfaces for the relay.
//
// Implementations are optional everywhere they are accepted: passing a nil
// interface disables collection with zero overhead, so callers never need
// to branch on configuration.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryMu sync.RWMutex
	registry   *prometheus.Registry
)

// InitRegistry creates the global Prometheus registry. Must be called before
// any New*Metrics constructor for collection to be enabled. Calling it more
// than once is a no-op.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled reports whether the global registry has been initialized.
func IsEnabled() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry != nil
}

// GetRegistry returns the global registry, or nil if InitRegistry was never
// called.
func GetRegistry() *prometheus.Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry
}

// Handler returns an HTTP handler serving the global registry in the
// Prometheus exposition format. Returns http.NotFoundHandler if metrics are
// disabled.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
