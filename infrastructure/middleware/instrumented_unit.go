package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// StageObserver provides observability hooks around a stage execution.
// Implementations can add tracing, metrics, and logging without
// coupling observability concerns to the stage logic.
type StageObserver interface {
	// PreExecute is called before the stage runs. The returned context is
	// passed to the stage and to PostExecute.
	PreExecute(ctx context.Context, state domain.State) context.Context

	// PostExecute is called after the stage with its input and output
	// states, timing, and error.
	PostExecute(ctx context.Context, in, out domain.State, elapsed time.Duration, err error)
}

// InstrumentedUnit wraps a stage unit with a StageObserver and debug
// logging. It holds no mutable state and is safe for concurrent use.
type InstrumentedUnit struct {
	stage    string
	next     ports.Unit
	observer StageObserver
	logger   *logging.Logger
}

// NewInstrumentedUnit wraps next. observer and logger may be nil.
func NewInstrumentedUnit(stage string, next ports.Unit, observer StageObserver, logger *logging.Logger) *InstrumentedUnit {
	if next == nil {
		panic("instrumented unit: next unit is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &InstrumentedUnit{
		stage:    stage,
		next:     next,
		observer: observer,
		logger:   logger,
	}
}

// Name returns the wrapped unit's name so graph node IDs are unchanged.
func (iu *InstrumentedUnit) Name() string { return iu.next.Name() }

// Stage returns the stage type of the wrapped unit.
func (iu *InstrumentedUnit) Stage() string { return iu.stage }

// Unwrap returns the wrapped unit.
func (iu *InstrumentedUnit) Unwrap() ports.Unit { return iu.next }

// Execute runs the wrapped unit between the observer hooks.
func (iu *InstrumentedUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	if iu.observer != nil {
		ctx = iu.observer.PreExecute(ctx, state)
	}

	start := time.Now()
	out, err := iu.next.Execute(ctx, state)
	elapsed := time.Since(start)

	if iu.observer != nil {
		iu.observer.PostExecute(ctx, state, out, elapsed, err)
	}

	if err != nil {
		iu.logger.Warn("stage failed", "stage", iu.stage, "unit", iu.next.Name(),
			"elapsed_ms", elapsed.Milliseconds(), "error", err)
		return out, err
	}
	iu.logger.Debug("stage finished", "stage", iu.stage, "unit", iu.next.Name(),
		"elapsed_ms", elapsed.Milliseconds())
	return out, nil
}

// Validate checks the wrapper and then the wrapped unit.
func (iu *InstrumentedUnit) Validate() error {
	if iu.next == nil {
		return fmt.Errorf("instrumented unit: next unit is required")
	}
	if iu.stage == "" {
		return fmt.Errorf("instrumented unit %s: stage type is required", iu.next.Name())
	}
	return iu.next.Validate()
}

// Instrument returns a unit middleware that wraps every unit built by the
// registry with an OTelStageObserver reporting to metrics. It matches
// application.UnitMiddleware.
func Instrument(metrics ports.MetricsCollector, logger *logging.Logger) func(string, ports.Unit) ports.Unit {
	return func(unitType string, unit ports.Unit) ports.Unit {
		observer := NewOTelStageObserver(metrics, unitType, unit.Name())
		return NewInstrumentedUnit(unitType, unit, observer, logger)
	}
}
