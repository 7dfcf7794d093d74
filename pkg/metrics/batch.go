package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchMetrics provides observability for the batch orchestrator.
//
// Optional: pass nil (or construct with metrics disabled) for a no-op
// implementation.
type BatchMetrics interface {
	// SetActiveBatches updates the number of batches currently executing.
	SetActiveBatches(count int)

	// RecordTargetStart increments the in-flight target counter.
	RecordTargetStart()

	// RecordTargetCompleted records one finished target with its terminal
	// status name ("Succeeded", "Failed", ...) and wall-clock duration.
	RecordTargetCompleted(status string, duration time.Duration)

	// RecordBatchCompleted records one batch reaching a terminal status.
	RecordBatchCompleted(status string)
}

type batchMetrics struct {
	activeBatches    prometheus.Gauge
	targetsInFlight  prometheus.Gauge
	targetsTotal     *prometheus.CounterVec
	targetDuration   *prometheus.HistogramVec
	batchesCompleted *prometheus.CounterVec
}

// NewBatchMetrics creates a Prometheus-backed BatchMetrics, or a no-op when
// the registry is not initialized.
func NewBatchMetrics() BatchMetrics {
	reg := GetRegistry()
	if reg == nil {
		return NewNopBatchMetrics()
	}

	factory := promauto.With(reg)
	return &batchMetrics{
		activeBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wimforge",
			Subsystem: "batch",
			Name:      "active_batches",
			Help:      "Number of batch operations currently executing",
		}),
		targetsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wimforge",
			Subsystem: "batch",
			Name:      "targets_in_flight",
			Help:      "Number of targets currently being serviced",
		}),
		targetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimforge",
			Subsystem: "batch",
			Name:      "targets_total",
			Help:      "Total completed targets by terminal status",
		}, []string{"status"}),
		targetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wimforge",
			Subsystem: "batch",
			Name:      "target_duration_seconds",
			Help:      "Wall-clock time spent servicing one target",
			// Image servicing runs from seconds (registry-only) to tens of
			// minutes (package installs).
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"status"}),
		batchesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimforge",
			Subsystem: "batch",
			Name:      "batches_completed_total",
			Help:      "Total batches reaching a terminal status",
		}, []string{"status"}),
	}
}

func (m *batchMetrics) SetActiveBatches(count int) {
	m.activeBatches.Set(float64(count))
}

func (m *batchMetrics) RecordTargetStart() {
	m.targetsInFlight.Inc()
}

func (m *batchMetrics) RecordTargetCompleted(status string, duration time.Duration) {
	m.targetsInFlight.Dec()
	m.targetsTotal.WithLabelValues(status).Inc()
	m.targetDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *batchMetrics) RecordBatchCompleted(status string) {
	m.batchesCompleted.WithLabelValues(status).Inc()
}

// nopBatchMetrics is the zero-overhead implementation.
type nopBatchMetrics struct{}

// NewNopBatchMetrics returns a BatchMetrics that discards everything.
func NewNopBatchMetrics() BatchMetrics {
	return nopBatchMetrics{}
}

func (nopBatchMetrics) SetActiveBatches(int)                        {}
func (nopBatchMetrics) RecordTargetStart()                          {}
func (nopBatchMetrics) RecordTargetCompleted(string, time.Duration) {}
func (nopBatchMetrics) RecordBatchCompleted(string)                 {}
