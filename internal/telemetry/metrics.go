package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "plagapro"

var (
	// prometheusCacheRequests counts classified requests by class and outcome
	prometheusCacheRequests *prometheus.CounterVec

	// prometheusCacheEvictions counts entries removed by sweeps and lazy expiry
	prometheusCacheEvictions prometheus.Counter

	// prometheusQueueDepth tracks the number of pending changes
	prometheusQueueDepth prometheus.Gauge

	// prometheusReplays counts replayed changes by result
	prometheusReplays *prometheus.CounterVec

	// prometheusDrains counts drains by final status
	prometheusDrains *prometheus.CounterVec

	// prometheusDrainDuration tracks how long drains take
	prometheusDrainDuration prometheus.Histogram

	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(func() {
		prometheusCacheRequests = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Requests handled by the response cache by class and outcome",
			},
			[]string{"class", "outcome"},
		)

		prometheusCacheEvictions = promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Cache entries evicted as expired",
			},
		)

		prometheusQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "pending_changes",
				Help:      "Number of changes waiting to be replayed",
			},
		)

		prometheusReplays = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "replays_total",
				Help:      "Replayed changes by result (ok, connectivity, rejected, dead_lettered)",
			},
			[]string{"result"},
		)

		prometheusDrains = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "drains_total",
				Help:      "Queue drains by status (completed, halted, skipped)",
			},
			[]string{"status"},
		)

		prometheusDrainDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "drain_duration_seconds",
				Help:      "Duration of queue drains",
				Buckets:   prometheus.DefBuckets,
			},
		)
	})
}

// Metrics records offline-core metrics on the default Prometheus registry.
// The zero value is ready to use.
type Metrics struct{}

// ObserveCacheRequest counts one classified request.
func (Metrics) ObserveCacheRequest(class, outcome string) {
	initPrometheusMetrics()
	prometheusCacheRequests.WithLabelValues(class, outcome).Inc()
}

// ObserveEvictions adds n evicted entries.
func (Metrics) ObserveEvictions(n int) {
	initPrometheusMetrics()
	if n > 0 {
		prometheusCacheEvictions.Add(float64(n))
	}
}

// SetQueueDepth records the current pending-change count.
func (Metrics) SetQueueDepth(n int) {
	initPrometheusMetrics()
	prometheusQueueDepth.Set(float64(n))
}

// ObserveReplay counts one replayed change.
func (Metrics) ObserveReplay(result string) {
	initPrometheusMetrics()
	prometheusReplays.WithLabelValues(result).Inc()
}

// ObserveDrain counts one drain and its duration.
func (Metrics) ObserveDrain(status string, d time.Duration) {
	initPrometheusMetrics()
	prometheusDrains.WithLabelValues(status).Inc()
	if status != "skipped" {
		prometheusDrainDuration.Observe(d.Seconds())
	}
}
