package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServicingMetrics provides observability for the native servicing layer:
// mounts, native call latency, and hive protocol health.
type ServicingMetrics interface {
	// SetActiveMounts updates the number of live mount sessions.
	SetActiveMounts(count int)

	// RecordNativeCall records one native imaging call with its operation
	// name ("mount", "unmount", "add-package", ...) and outcome.
	RecordNativeCall(op string, duration time.Duration, err error)

	// RecordHiveUnloadRetry increments the busy-unload retry counter.
	RecordHiveUnloadRetry()

	// RecordHiveStuck increments the leaked-hive counter. Every increment
	// here is a native resource awaiting operator cleanup.
	RecordHiveStuck()
}

type servicingMetrics struct {
	activeMounts       prometheus.Gauge
	nativeCalls        *prometheus.CounterVec
	nativeCallDuration *prometheus.HistogramVec
	hiveUnloadRetries  prometheus.Counter
	hivesStuck         prometheus.Counter
}

// NewServicingMetrics creates a Prometheus-backed ServicingMetrics, or a
// no-op when the registry is not initialized.
func NewServicingMetrics() ServicingMetrics {
	reg := GetRegistry()
	if reg == nil {
		return NewNopServicingMetrics()
	}

	factory := promauto.With(reg)
	return &servicingMetrics{
		activeMounts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wimforge",
			Subsystem: "servicing",
			Name:      "active_mounts",
			Help:      "Number of live image mount sessions",
		}),
		nativeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wimforge",
			Subsystem: "servicing",
			Name:      "native_calls_total",
			Help:      "Total native imaging calls by operation and outcome",
		}, []string{"op", "outcome"}),
		nativeCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wimforge",
			Subsystem: "servicing",
			Name:      "native_call_duration_seconds",
			Help:      "Latency of native imaging calls",
			Buckets:   []float64{0.1, 1, 5, 30, 120, 600, 1800},
		}, []string{"op"}),
		hiveUnloadRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wimforge",
			Subsystem: "servicing",
			Name:      "hive_unload_retries_total",
			Help:      "Total hive unload attempts that hit a busy condition",
		}),
		hivesStuck: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wimforge",
			Subsystem: "servicing",
			Name:      "hives_stuck_total",
			Help:      "Total hives left loaded after exhausting unload retries",
		}),
	}
}

func (m *servicingMetrics) SetActiveMounts(count int) {
	m.activeMounts.Set(float64(count))
}

func (m *servicingMetrics) RecordNativeCall(op string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.nativeCalls.WithLabelValues(op, outcome).Inc()
	m.nativeCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *servicingMetrics) RecordHiveUnloadRetry() {
	m.hiveUnloadRetries.Inc()
}

func (m *servicingMetrics) RecordHiveStuck() {
	m.hivesStuck.Inc()
}

type nopServicingMetrics struct{}

// NewNopServicingMetrics returns a ServicingMetrics that discards everything.
func NewNopServicingMetrics() ServicingMetrics {
	return nopServicingMetrics{}
}

func (nopServicingMetrics) SetActiveMounts(int)                           {}
func (nopServicingMetrics) RecordNativeCall(string, time.Duration, error) {}
func (nopServicingMetrics) RecordHiveUnloadRetry()                        {}
func (nopServicingMetrics) RecordHiveStuck()                              {}
