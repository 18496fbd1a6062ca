package milter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics groups the optional Prometheus instrumentation a Server exposes.
// A Server created without WithMetricsRegisterer has no metrics and skips
// every update.
type metrics struct {
	sessionsStarted    prometheus.Counter
	sessionsActive     prometheus.Gauge
	protocolViolations prometheus.Counter
	hookDuration       *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "milterforge",
			Name:      "sessions_started_total",
			Help:      "Connections accepted by the milter server.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "milterforge",
			Name:      "sessions_active",
			Help:      "Sessions currently open.",
		}),
		protocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "milterforge",
			Name:      "protocol_violations_total",
			Help:      "Sessions terminated due to an out-of-order command.",
		}),
		hookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "milterforge",
			Name:      "hook_duration_seconds",
			Help:      "Application hook latency by stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}
