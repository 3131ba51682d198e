// Package metrics wraps Prometheus collectors for the fleet controller,
// following the teacher's internal/metrics/prometheus.go shape: a package
// singleton built once by Init, nil-guarded recorder functions so callers
// never need to check whether metrics are enabled, and a Handler for the
// scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// fleetMetrics wraps every collector the controller exports.
type fleetMetrics struct {
	registry *prometheus.Registry

	launchesTotal     *prometheus.CounterVec
	terminationsTotal *prometheus.CounterVec
	allocationsTotal  *prometheus.CounterVec
	probeFailures     *prometheus.CounterVec

	launchDuration    prometheus.Histogram
	reconcileDuration prometheus.Histogram

	poolSize        prometheus.Gauge
	freeSlots       prometheus.Gauge
	launchInFlight  prometheus.Gauge
	circuitOpen     *prometheus.GaugeVec

	uptime prometheus.GaugeFunc
}

var startTime = time.Now()

var defaultLaunchBuckets = []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180}
var defaultReconcileBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

var m *fleetMetrics

// Init builds and registers every collector under namespace. Safe to call
// at most once; a daemon that never calls Init gets no-op recorders.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	fm := &fleetMetrics{
		registry: registry,

		launchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_launches_total",
				Help:      "Total backup VM launch attempts by outcome",
			},
			[]string{"outcome"},
		),

		terminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_terminations_total",
				Help:      "Total VM terminations by reason",
			},
			[]string{"reason"},
		),

		allocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "match_allocations_total",
				Help:      "Total match allocation outcomes",
			},
			[]string{"privacy", "outcome"},
		),

		probeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_probe_failures_total",
				Help:      "Total worker status probe failures",
			},
			[]string{"source"},
		),

		launchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vm_launch_duration_seconds",
				Help:      "Time from RunOne submission to a running, polled instance",
				Buckets:   defaultLaunchBuckets,
			},
		),

		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_tick_duration_seconds",
				Help:      "Duration of one reconciler tick across all phases",
				Buckets:   defaultReconcileBuckets,
			},
		),

		poolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_pool_size",
				Help:      "Current number of tracked backup VMs",
			},
		),

		freeSlots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "match_free_slots",
				Help:      "Total free match slots across the pool as of the last reconcile tick",
			},
		),

		launchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_launch_in_flight",
				Help:      "1 if a VM launch is currently in progress, else 0",
			},
		),

		circuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vm_circuit_breaker_open",
				Help:      "1 if the start-match circuit breaker for an instance is open, else 0",
			},
			[]string{"instance_id"},
		),
	}

	fm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the controller started",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	registry.MustRegister(
		fm.launchesTotal,
		fm.terminationsTotal,
		fm.allocationsTotal,
		fm.probeFailures,
		fm.launchDuration,
		fm.reconcileDuration,
		fm.poolSize,
		fm.freeSlots,
		fm.launchInFlight,
		fm.circuitOpen,
		fm.uptime,
	)

	m = fm
}

// RecordLaunch records a VM launch attempt outcome ("success" or "failed").
func RecordLaunch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.launchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.launchDuration.Observe(duration.Seconds())
	}
}

// RecordTermination records a VM termination by reason
// ("idle_or_unreachable", "cloud_sync", "launch_poll_timeout").
func RecordTermination(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.terminationsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordAllocation records a match-allocation outcome ("placed",
// "no_capacity", "internal_error", "start_match_failed") by match privacy.
func RecordAllocation(privacy, outcome string) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(privacy, outcome).Inc()
}

// RecordProbeFailure records a worker status probe failure from either the
// allocator or the reconciler's health-refresh phase.
func RecordProbeFailure(source string) {
	if m == nil {
		return
	}
	m.probeFailures.WithLabelValues(source).Inc()
}

// RecordReconcileTick records the wall-clock duration of one tick.
func RecordReconcileTick(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
}

// SetPoolSize reports the current tracked pool size.
func SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

// SetFreeSlots reports the total free match slots as of the last tick.
func SetFreeSlots(n int) {
	if m == nil {
		return
	}
	m.freeSlots.Set(float64(n))
}

// SetLaunchInFlight reports whether a launch is currently in progress.
func SetLaunchInFlight(inFlight bool) {
	if m == nil {
		return
	}
	if inFlight {
		m.launchInFlight.Set(1)
	} else {
		m.launchInFlight.Set(0)
	}
}

// SetCircuitOpen reports an instance's start-match breaker state.
func SetCircuitOpen(instanceID string, open bool) {
	if m == nil {
		return
	}
	if open {
		m.circuitOpen.WithLabelValues(instanceID).Set(1)
	} else {
		m.circuitOpen.WithLabelValues(instanceID).Set(0)
	}
}

// ForgetCircuit removes an instance's breaker gauge, called when the
// registry stops tracking the instance so the label set does not grow
// unbounded.
func ForgetCircuit(instanceID string) {
	if m == nil {
		return
	}
	m.circuitOpen.DeleteLabelValues(instanceID)
}

// Handler returns an HTTP handler for Prometheus scraping. Before Init is
// called it reports 503, matching the teacher's uninitialized behavior.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
