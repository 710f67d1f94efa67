// Package metrics exposes Prometheus counters for the detection pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for the process.
type Metrics struct {
	// Series
	EventsIngested  *prometheus.CounterVec
	SamplesRetained *prometheus.GaugeVec

	// Pattern
	MatchesEmitted *prometheus.CounterVec

	// Dispatch
	AlertsDelivered  *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	AlertsDropped    *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram

	// Workers
	WorkerRestarts  *prometheus.CounterVec
	WorkersActive   prometheus.Gauge
	WorkersDegraded prometheus.Gauge
	Paused          prometheus.Gauge

	// Registry
	RegistryRefreshes *prometheus.CounterVec
	PoolsWatched      prometheus.Gauge
}

// NewMetrics registers all collectors under namespace with the default registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dexsonar"
	}

	return &Metrics{
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "events_total",
			Help:      "Trade events seen by series builders, by outcome",
		}, []string{"outcome"}),
		SamplesRetained: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "samples_retained",
			Help:      "Samples currently held per pool",
		}, []string{"pool"}),
		MatchesEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pattern",
			Name:      "matches_total",
			Help:      "Pattern matches emitted, by rule",
		}, []string{"rule"}),
		AlertsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "alerts_delivered_total",
			Help:      "Alerts delivered to the notifier, by rule",
		}, []string{"rule"}),
		AlertsSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "alerts_suppressed_total",
			Help:      "Matches suppressed before delivery, by reason",
		}, []string{"reason"}),
		AlertsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "alerts_dropped_total",
			Help:      "Alerts dropped without delivery, by reason",
		}, []string{"reason"}),
		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "delivery_seconds",
			Help:      "Notifier call latency",
			Buckets:   prometheus.DefBuckets,
		}),
		WorkerRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "worker_restarts_total",
			Help:      "Pool worker restarts after a crash",
		}, []string{"pool"}),
		WorkersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "workers_active",
			Help:      "Pool workers currently running",
		}),
		WorkersDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "workers_degraded",
			Help:      "Pools given up on after too many restarts",
		}),
		Paused: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "paused",
			Help:      "1 while the global pause flag is set",
		}),
		RegistryRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refreshes_total",
			Help:      "Pool metric refreshes, by status",
		}, []string{"status"}),
		PoolsWatched: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pools_watched",
			Help:      "Pools in the current registry snapshot",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Default is the process-wide metrics instance.
var Default = NewMetrics("")

// RecordEvent counts one ingested trade event by outcome.
func RecordEvent(outcome string) {
	Default.EventsIngested.WithLabelValues(outcome).Inc()
}

// SetSamples reports the retained sample count for a pool.
func SetSamples(pool string, n int) {
	Default.SamplesRetained.WithLabelValues(pool).Set(float64(n))
}

// ForgetPool removes per-pool series once a pool stops being watched.
func ForgetPool(pool string) {
	Default.SamplesRetained.DeleteLabelValues(pool)
	Default.WorkerRestarts.DeleteLabelValues(pool)
}

// RecordMatch counts an emitted pattern match.
func RecordMatch(rule string) {
	Default.MatchesEmitted.WithLabelValues(rule).Inc()
}

// RecordDelivered counts a delivered alert and its notifier latency.
func RecordDelivered(rule string, seconds float64) {
	Default.AlertsDelivered.WithLabelValues(rule).Inc()
	Default.DeliveryLatency.Observe(seconds)
}

// RecordSuppressed counts a match held back by dedup or overlap rules.
func RecordSuppressed(reason string) {
	Default.AlertsSuppressed.WithLabelValues(reason).Inc()
}

// RecordDropped counts an alert given up on.
func RecordDropped(reason string) {
	Default.AlertsDropped.WithLabelValues(reason).Inc()
}

// RecordRestart counts a worker restart.
func RecordRestart(pool string) {
	Default.WorkerRestarts.WithLabelValues(pool).Inc()
}

// SetWorkers reports active and degraded worker counts.
func SetWorkers(active, degraded int) {
	Default.WorkersActive.Set(float64(active))
	Default.WorkersDegraded.Set(float64(degraded))
}

// SetPaused mirrors the global pause flag.
func SetPaused(paused bool) {
	if paused {
		Default.Paused.Set(1)
		return
	}
	Default.Paused.Set(0)
}

// RecordRefresh counts a registry refresh by status and the resulting pool count.
func RecordRefresh(status string, pools int) {
	Default.RegistryRefreshes.WithLabelValues(status).Inc()
	Default.PoolsWatched.Set(float64(pools))
}
