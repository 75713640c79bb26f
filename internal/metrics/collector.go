package migmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "quicmig"
	subsystem = "scenario"
)

// Label names for scenario metrics.
const (
	labelKind      = "kind"
	labelOutcome   = "outcome"
	labelDirection = "direction"
	labelSignal    = "signal"
	labelOp        = "op"
)

// -------------------------------------------------------------------------
// Collector - Prometheus Scenario Metrics
// -------------------------------------------------------------------------

// Collector holds all scenario Prometheus metrics. It implements
// scenario.MetricsReporter and addralloc.MetricsReporter.
type Collector struct {
	// Runs counts finished scenario runs by kind and outcome. Failed runs
	// carry the "failed" outcome.
	Runs *prometheus.CounterVec

	// Duration observes the wall time of scenario runs per kind.
	Duration *prometheus.HistogramVec

	// ProbesDropped counts path validation probes swallowed by observers.
	ProbesDropped *prometheus.CounterVec

	// ProbesObserved counts probes observed past their drop budget, per
	// direction ("server" or "client").
	ProbesObserved *prometheus.CounterVec

	// Waits observes how long each signal took to fire.
	Waits *prometheus.HistogramVec

	// AllocationRetries counts address collisions that were retried.
	AllocationRetries *prometheus.CounterVec

	// AllocationExhausted counts retry loops that ran out of attempts.
	AllocationExhausted *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "quicmig_scenario_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Runs,
		c.Duration,
		c.ProbesDropped,
		c.ProbesObserved,
		c.Waits,
		c.AllocationRetries,
		c.AllocationExhausted,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Total scenario runs by kind and outcome.",
		}, []string{labelKind, labelOutcome}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Scenario run wall time including setup and teardown.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{labelKind}),

		ProbesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probes_dropped_total",
			Help:      "Total path validation probes dropped by injected loss.",
		}, []string{labelKind}),

		ProbesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probes_observed_total",
			Help:      "Total path validation probes observed past the drop budget.",
		}, []string{labelKind, labelDirection}),

		Waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wait_seconds",
			Help:      "Time until an awaited connection signal fired.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{labelSignal}),

		AllocationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "allocation_retries_total",
			Help:      "Total address collisions retried with a new candidate.",
		}, []string{labelOp}),

		AllocationExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "allocation_exhausted_total",
			Help:      "Total collision retry loops that ran out of attempts.",
		}, []string{labelOp}),
	}
}

// -------------------------------------------------------------------------
// Scenario Reporting
// -------------------------------------------------------------------------

// RecordScenario counts a finished run and observes its duration.
func (c *Collector) RecordScenario(kind, outcome string, d time.Duration) {
	c.Runs.WithLabelValues(kind, outcome).Inc()
	c.Duration.WithLabelValues(kind).Observe(d.Seconds())
}

// AddProbesDropped adds n dropped probes for kind.
func (c *Collector) AddProbesDropped(kind string, n uint64) {
	c.ProbesDropped.WithLabelValues(kind).Add(float64(n))
}

// IncProbesObserved counts one observed probe.
func (c *Collector) IncProbesObserved(kind, direction string) {
	c.ProbesObserved.WithLabelValues(kind, direction).Inc()
}

// ObserveWait records the latency of a fired signal.
func (c *Collector) ObserveWait(signal string, d time.Duration) {
	c.Waits.WithLabelValues(signal).Observe(d.Seconds())
}

// -------------------------------------------------------------------------
// Address Allocation
// -------------------------------------------------------------------------

// IncAllocationRetries counts one retried collision of op.
func (c *Collector) IncAllocationRetries(op string) {
	c.AllocationRetries.WithLabelValues(op).Inc()
}

// IncAllocationExhausted counts one exhausted retry loop of op.
func (c *Collector) IncAllocationExhausted(op string) {
	c.AllocationExhausted.WithLabelValues(op).Inc()
}
