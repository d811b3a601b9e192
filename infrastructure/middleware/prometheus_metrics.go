// Package middleware provides cross-cutting concerns for the redistricting
// engine: stage instrumentation, tracing, and Prometheus metrics.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahrav/go-redistrict/internal/ports"
)

// Metric names understood by PrometheusMetrics. Anything else falls through
// to the generic operation counter, system gauge, or value histogram.
const (
	MetricStageDuration      = "stage_execution"
	MetricRecords            = "records_processed"
	MetricUnmatchedTowns     = "unmatched_towns"
	MetricExcludedVotes      = "excluded_votes"
	MetricAllocationFailures = "allocation_failures"
	MetricBaselineTilt       = "baseline_tilt"
	MetricDistrictLean       = "district_lean"
)

// PrometheusMetrics implements the MetricsCollector interface using Prometheus.
// It tracks stage latency, record throughput, data quality problems, and
// the distribution of computed district leans.
type PrometheusMetrics struct {
	stageLatency       *prometheus.HistogramVec
	records            *prometheus.CounterVec
	unmatchedTowns     *prometheus.CounterVec
	excludedVotes      *prometheus.CounterVec
	allocationFailures *prometheus.CounterVec
	operationCounter   *prometheus.CounterVec
	baselineTilt       *prometheus.GaugeVec
	systemGauges       *prometheus.GaugeVec
	districtLean       *prometheus.HistogramVec
	values             *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the metric vectors and registers them with
// reg. Passing nil registers with the default Prometheus registry; tests
// pass a fresh prometheus.NewRegistry to avoid duplicate registration.
// A failed registration is returned as a *ports.MetricsError naming the
// metric, and nothing stays registered.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	pm := &PrometheusMetrics{
		stageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redistrict_stage_duration_seconds",
				Help:    "Execution time of each pipeline stage.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "unit"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redistrict_records_processed_total",
				Help: "Records produced by each stage.",
			},
			[]string{"stage", "unit"},
		),
		unmatchedTowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redistrict_unmatched_towns_total",
				Help: "Vote records whose town matched no current district.",
			},
			[]string{"unit"},
		),
		excludedVotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redistrict_excluded_votes_total",
				Help: "Votes dropped because their town matched no current district.",
			},
			[]string{"unit"},
		),
		allocationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redistrict_allocation_failures_total",
				Help: "District/years aborted by a hard allocation error.",
			},
			[]string{"unit"},
		),
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "redistrict_operations_total",
				Help: "Stage executions and other counted operations by status.",
			},
			[]string{"operation", "status", "unit"},
		),
		baselineTilt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "redistrict_baseline_tilt",
				Help: "Statewide contested-only R minus D percentage per year.",
			},
			[]string{"year"},
		),
		systemGauges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "redistrict_system_state",
				Help: "Point-in-time values reported by the stages.",
			},
			[]string{"metric", "unit"},
		),
		districtLean: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redistrict_district_lean",
				Help:    "Distribution of normalized district leans, positive for R.",
				Buckets: prometheus.LinearBuckets(-30, 5, 13),
			},
			[]string{"unit"},
		),
		values: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redistrict_observed_values",
				Help:    "Other observed values.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"metric", "unit"},
		),
	}

	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{MetricStageDuration, pm.stageLatency},
		{MetricRecords, pm.records},
		{MetricUnmatchedTowns, pm.unmatchedTowns},
		{MetricExcludedVotes, pm.excludedVotes},
		{MetricAllocationFailures, pm.allocationFailures},
		{"operations", pm.operationCounter},
		{MetricBaselineTilt, pm.baselineTilt},
		{"system_state", pm.systemGauges},
		{MetricDistrictLean, pm.districtLean},
		{"observed_values", pm.values},
	}
	for i, entry := range collectors {
		if err := reg.Register(entry.c); err != nil {
			for _, done := range collectors[:i] {
				reg.Unregister(done.c)
			}
			return nil, ports.NewMetricsError(entry.name, "register", err)
		}
	}
	return pm, nil
}

func unitLabel(labels map[string]string) string {
	if unit := labels["unit"]; unit != "" {
		return unit
	}
	return "unknown"
}

// RecordLatency implements the MetricsCollector interface by recording
// execution latency in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordLatency(
	operation string,
	duration time.Duration,
	labels map[string]string,
) {
	stage := labels["stage"]
	if stage == "" {
		stage = operation
	}
	pm.stageLatency.WithLabelValues(stage, unitLabel(labels)).Observe(duration.Seconds())
}

// RecordCounter implements the MetricsCollector interface by incrementing
// Prometheus counters.
func (pm *PrometheusMetrics) RecordCounter(
	metric string, value float64, labels map[string]string,
) {
	unit := unitLabel(labels)

	switch metric {
	case MetricRecords:
		pm.records.WithLabelValues(labels["stage"], unit).Add(value)
	case MetricUnmatchedTowns:
		pm.unmatchedTowns.WithLabelValues(unit).Add(value)
	case MetricExcludedVotes:
		pm.excludedVotes.WithLabelValues(unit).Add(value)
	case MetricAllocationFailures:
		pm.allocationFailures.WithLabelValues(unit).Add(value)
	default:
		status := labels["status"]
		if status == "" {
			status = "success"
		}
		pm.operationCounter.WithLabelValues(metric, status, unit).Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface by setting
// Prometheus gauge values.
func (pm *PrometheusMetrics) RecordGauge(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case MetricBaselineTilt:
		pm.baselineTilt.WithLabelValues(labels["year"]).Set(value)
	default:
		pm.systemGauges.WithLabelValues(metric, unitLabel(labels)).Set(value)
	}
}

// RecordHistogram implements the MetricsCollector interface by recording
// values in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordHistogram(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case MetricDistrictLean:
		pm.districtLean.WithLabelValues(unitLabel(labels)).Observe(value)
	default:
		pm.values.WithLabelValues(metric, unitLabel(labels)).Observe(value)
	}
}

// Compile-time verification that PrometheusMetrics implements MetricsCollector.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
