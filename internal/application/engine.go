// Package application wires the stage units into an executable graph and
// runs it against a set of input tables.
package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// Engine runs a compiled plan. It performs no I/O of its own: tables come
// from a ports.TableSource and go to a ports.TableSink.
type Engine struct {
	plan   *Plan
	logger *logging.Logger
	now    func() time.Time
	newID  func() string
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now, for reproducible reports in tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithRunIDGenerator replaces the random run ID generator.
func WithRunIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an engine for plan.
func NewEngine(plan *Plan, logger *logging.Logger, opts ...EngineOption) (*Engine, error) {
	if plan == nil || plan.Graph == nil {
		return nil, fmt.Errorf("%w: engine requires a compiled plan", domain.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	e := &Engine{
		plan:   plan,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Report summarizes one run.
type Report struct {
	RunID      string
	ConfigName string
	StartedAt  time.Time
	Duration   time.Duration

	Results     ports.Results
	Diagnostics domain.Diagnostics
	// Failures lists district/years aborted by hard errors. The rest of
	// the batch is unaffected.
	Failures []domain.AllocationFailure
}

// Err joins the hard per district/year failures, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.AsError())
	}
	return errors.Join(errs...)
}

// Run loads the input tables, executes every stage, and writes the output
// tables to sink when it is non-nil. The returned error covers only
// failures that stop the whole run; per district/year failures are in the
// report.
func (e *Engine) Run(ctx context.Context, source ports.TableSource, sink ports.TableSink) (*Report, error) {
	if source == nil {
		return nil, fmt.Errorf("engine: table source is required")
	}
	started := e.now()
	ec := domain.ExecutionContext{
		RunID:      e.newID(),
		ConfigName: e.plan.Config.Metadata.Name,
		StartedAt:  started,
	}
	log := e.logger.With("run_id", ec.RunID, "config", ec.ConfigName)
	log.Info("run started")

	state, err := e.loadInputs(ctx, source)
	if err != nil {
		log.Error("loading input tables failed", "error", err)
		return nil, err
	}
	state = state.WithExecutionContext(ec)

	out, err := e.plan.Graph.Execute(ctx, state)
	if err != nil {
		log.Error("run failed", "error", err)
		return nil, fmt.Errorf("run %s: %w", ec.RunID, err)
	}

	report := &Report{
		RunID:      ec.RunID,
		ConfigName: ec.ConfigName,
		StartedAt:  started,
		Results:    CollectResults(out),
	}
	report.Diagnostics, _ = domain.Get(out, domain.KeyDiagnostics)
	report.Failures, _ = domain.Get(out, domain.KeyAllocationFailures)

	if n := len(report.Diagnostics.Unmatched); n > 0 {
		log.Warn("vote records matched no district", "records", n,
			"excluded_votes", report.Diagnostics.ExcludedVotes())
	}

	if sink != nil {
		if err := sink.Write(ports.ContextWithRunID(ctx, ec.RunID), report.Results); err != nil {
			log.Error("writing output tables failed", "error", err)
			return report, fmt.Errorf("run %s: write results: %w", ec.RunID, err)
		}
	}

	report.Duration = e.now().Sub(started)
	log.Info("run finished",
		"aggregates", len(report.Results.Aggregates),
		"allocations", len(report.Results.Allocations),
		"pvi_records", len(report.Results.Pvi),
		"failures", len(report.Failures),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

// loadInputs reads the three input tables concurrently and seeds the
// initial state with them.
func (e *Engine) loadInputs(ctx context.Context, source ports.TableSource) (domain.State, error) {
	var (
		votes     []domain.VoteRecord
		districts []domain.DistrictRow
		winners   []domain.WinnerRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if votes, err = source.Votes(gctx); err != nil {
			return fmt.Errorf("load votes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if districts, err = source.Districts(gctx); err != nil {
			return fmt.Errorf("load districts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if winners, err = source.Winners(gctx); err != nil {
			return fmt.Errorf("load winners: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.State{}, err
	}

	state := domain.NewState()
	state = domain.With(state, domain.KeyVoteRecords, votes)
	state = domain.With(state, domain.KeyDistrictRows, districts)
	state = domain.With(state, domain.KeyWinners, winners)
	if years := e.plan.Config.Years; len(years) > 0 {
		sorted := slices.Clone(years)
		slices.Sort(sorted)
		state = domain.With(state, domain.KeyYears, sorted)
	}
	return state, nil
}

// CollectResults flattens the output keys of a finished state into
// tables ordered by year and district key.
func CollectResults(state domain.State) ports.Results {
	var res ports.Results

	aggs, _ := domain.Get(state, domain.KeyCurrentAggregates)
	for _, year := range sortedKeys(aggs) {
		byKey := aggs[year]
		for _, key := range domain.SortKeys(districtKeys(byKey)) {
			res.Aggregates = append(res.Aggregates, byKey[key])
		}
	}

	allocs, _ := domain.Get(state, domain.KeyAllocations)
	for _, year := range sortedKeys(allocs) {
		byKey := allocs[year]
		for _, key := range domain.SortKeys(districtKeys(byKey)) {
			res.Allocations = append(res.Allocations, byKey[key])
		}
	}

	baselines, _ := domain.Get(state, domain.KeyBaselines)
	for _, year := range sortedKeys(baselines) {
		res.Baselines = append(res.Baselines, baselines[year])
	}

	res.Pvi, _ = domain.Get(state, domain.KeyPviRecords)
	return res
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func districtKeys[V any](m map[domain.DistrictKey]V) []domain.DistrictKey {
	keys := make([]domain.DistrictKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
