// Package metrics provides Prometheus metrics collection for wimforge
// components.
//
// All metrics are optional: if the registry is never initialized, component
// constructors return no-op implementations with zero overhead, so the
// servicing core runs identically with metrics on or off.
//
// Usage:
//
//	// Initialize the global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	bm := metrics.NewBatchMetrics()
//	sm := metrics.NewServicingMetrics()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all wimforge metrics.
	// Write-once via registryOnce, read-many afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call
// multiple times; subsequent calls are ignored. If never called,
// GetRegistry returns nil and all metrics constructors return no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}
