package ports

import (
	"context"
	"time"

	"github.com/ahrav/go-redistrict/internal/domain"
)

// TableSource provides the input tables of a run.
// Implementations read CSV files, databases, or in-memory fixtures; the
// engine never performs I/O itself.
type TableSource interface {
	// Votes returns every town-level vote record in scope.
	Votes(ctx context.Context) ([]domain.VoteRecord, error)

	// Districts returns the rows of every district map, historical and
	// current.
	Districts(ctx context.Context) ([]domain.DistrictRow, error)

	// Winners returns the authoritative winners table. An empty table is
	// valid and disables exact-match copying.
	Winners(ctx context.Context) ([]domain.WinnerRecord, error)
}

// Results bundles the output tables of a run.
type Results struct {
	Aggregates  []domain.DistrictAggregate
	Allocations []domain.SeatAllocation
	Baselines   []domain.YearBaseline
	Pvi         []domain.PviRecord
}

// TableSink persists the output tables of a run.
type TableSink interface {
	// Write stores all output tables. Implementations should either write
	// every table or report an error naming the one that failed.
	Write(ctx context.Context, results Results) error
}

type runIDKey struct{}

// ContextWithRunID returns a context carrying the run ID, so sinks can tag
// the rows they store.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID set by ContextWithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus,
// OpenTelemetry, or custom monitoring solutions.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	// This is useful for tracking events like unmatched towns or failed
	// allocations.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric, such as the
	// baseline tilt of a year.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	// This is useful for tracking distributions like district leans.
	RecordHistogram(metric string, value float64, labels map[string]string)
}
