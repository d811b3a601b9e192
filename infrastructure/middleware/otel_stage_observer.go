package middleware

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

var _ StageObserver = (*OTelStageObserver)(nil)

// OTelStageObserver traces stage executions with OpenTelemetry and reports
// stage outputs to a MetricsCollector. It keeps no per-execution state: the
// span travels in the context returned by PreExecute, so one observer may
// serve concurrent runs.
type OTelStageObserver struct {
	metrics  ports.MetricsCollector
	stage    string
	unitName string
	tracer   trace.Tracer
}

// NewOTelStageObserver creates an observer for one unit. metrics may be nil.
func NewOTelStageObserver(metrics ports.MetricsCollector, stage, unitName string) *OTelStageObserver {
	return &OTelStageObserver{
		metrics:  metrics,
		stage:    stage,
		unitName: unitName,
		tracer:   otel.Tracer("stage-instrumentation"),
	}
}

// PreExecute starts a span for the stage and tags it with the run
// identity carried in state.
func (o *OTelStageObserver) PreExecute(ctx context.Context, state domain.State) context.Context {
	ctx, span := o.tracer.Start(ctx, "Stage."+o.stage,
		trace.WithAttributes(
			attribute.String("stage.type", o.stage),
			attribute.String("stage.unit", o.unitName),
		),
	)
	if ec, ok := state.GetExecutionContext(); ok {
		span.SetAttributes(
			attribute.String("run.id", ec.RunID),
			attribute.String("run.config", ec.ConfigName),
		)
	}
	return ctx
}

// PostExecute ends the span started by PreExecute, records latency and
// status, and on success reports what the stage produced.
func (o *OTelStageObserver) PostExecute(
	ctx context.Context,
	in, out domain.State,
	elapsed time.Duration,
	err error,
) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	labels := o.labels()
	if o.metrics != nil {
		o.metrics.RecordLatency(MetricStageDuration, elapsed, labels)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if o.metrics != nil {
			labels["status"] = "error"
			o.metrics.RecordCounter(MetricStageDuration, 1, labels)
		}
		return
	}

	if o.metrics != nil {
		o.metrics.RecordCounter(MetricStageDuration, 1, o.labels())
	}
	o.reportOutputs(span, in, out)
	span.SetStatus(codes.Ok, "stage completed")
}

// reportOutputs translates the keys a stage wrote into span attributes and
// metrics.
func (o *OTelStageObserver) reportOutputs(span trace.Span, in, out domain.State) {
	switch o.stage {
	case "normalize":
		records, _ := domain.Get(out, domain.KeyNormalizedRecords)
		diag, _ := domain.Get(out, domain.KeyDiagnostics)
		span.SetAttributes(
			attribute.Int("normalize.records", len(records)),
			attribute.Int("normalize.dropped_rows", diag.DroppedRows),
		)
		o.count(MetricRecords, float64(len(records)))

	case "remap":
		current, _ := domain.Get(out, domain.KeyCurrentMap)
		classes, _ := domain.Get(out, domain.KeyClassifications)
		span.SetAttributes(
			attribute.String("remap.current_map", current.Name),
			attribute.Int("remap.current_districts", len(current.Districts)),
			attribute.Int("remap.historical_years", len(classes)),
		)
		o.count(MetricRecords, float64(len(current.Districts)))
		for year, c := range classes {
			o.gauge("exact_matches", float64(len(c.ExactMatches)), map[string]string{"year": strconv.Itoa(year)})
		}

	case "aggregate":
		before, _ := domain.Get(in, domain.KeyDiagnostics)
		after, _ := domain.Get(out, domain.KeyDiagnostics)
		unmatched := len(after.Unmatched) - len(before.Unmatched)
		excluded := after.ExcludedVotes() - before.ExcludedVotes()
		current, _ := domain.Get(out, domain.KeyCurrentAggregates)
		n := 0
		for _, byKey := range current {
			n += len(byKey)
		}
		span.SetAttributes(
			attribute.Int("aggregate.current", n),
			attribute.Int("aggregate.unmatched_towns", unmatched),
			attribute.Int64("aggregate.excluded_votes", excluded),
		)
		o.count(MetricRecords, float64(n))
		o.count(MetricUnmatchedTowns, float64(unmatched))
		o.count(MetricExcludedVotes, float64(excluded))

	case "allocate":
		allocs, _ := domain.Get(out, domain.KeyAllocations)
		failures, _ := domain.Get(out, domain.KeyAllocationFailures)
		n := 0
		for _, byKey := range allocs {
			n += len(byKey)
		}
		span.SetAttributes(
			attribute.Int("allocate.allocations", n),
			attribute.Int("allocate.failures", len(failures)),
		)
		for _, f := range failures {
			span.AddEvent("allocation.failed", trace.WithAttributes(
				attribute.String("district", f.Key.String()),
				attribute.Int("year", f.Year),
				attribute.String("message", f.Message),
			))
		}
		o.count(MetricRecords, float64(n))
		o.count(MetricAllocationFailures, float64(len(failures)))

	case "baseline":
		baselines, _ := domain.Get(out, domain.KeyBaselines)
		for year, b := range baselines {
			o.gauge(MetricBaselineTilt, b.Tilt, map[string]string{"year": strconv.Itoa(year)})
		}
		span.SetAttributes(attribute.Int("baseline.years", len(baselines)))
		o.count(MetricRecords, float64(len(baselines)))

	case "pvi":
		records, _ := domain.Get(out, domain.KeyPviRecords)
		competitive := 0
		for _, r := range records {
			if r.IsCompetitive {
				competitive++
			}
			if o.metrics != nil {
				o.metrics.RecordHistogram(MetricDistrictLean, r.Lean, o.labels())
			}
		}
		span.SetAttributes(
			attribute.Int("pvi.records", len(records)),
			attribute.Int("pvi.competitive", competitive),
		)
		o.count(MetricRecords, float64(len(records)))
		o.gauge("competitive_districts", float64(competitive), nil)
	}
}

func (o *OTelStageObserver) count(metric string, value float64) {
	if o.metrics == nil || value <= 0 {
		return
	}
	o.metrics.RecordCounter(metric, value, o.labels())
}

func (o *OTelStageObserver) gauge(metric string, value float64, extra map[string]string) {
	if o.metrics == nil {
		return
	}
	labels := o.labels()
	for k, v := range extra {
		labels[k] = v
	}
	o.metrics.RecordGauge(metric, value, labels)
}

// labels returns a fresh label set; callers may add to it.
func (o *OTelStageObserver) labels() map[string]string {
	return map[string]string{
		"stage": o.stage,
		"unit":  o.unitName,
	}
}
