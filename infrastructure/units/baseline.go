package units

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

var _ ports.Unit = (*BaselineUnit)(nil)

// Comparison rules for contested districts.
const (
	// CompareTopK compares the top k vote-getters of each party where
	// k = min(seats, r_candidates, d_candidates).
	CompareTopK = "top_k"

	// CompareAllCandidates compares every candidate's votes.
	CompareAllCandidates = "all_candidates"
)

// Contested reports whether both parties fielded a candidate and returns
// the votes compared for each party under the given rule.
func Contested(agg domain.DistrictAggregate, seats int, comparison string) (bool, int64, int64) {
	if agg.RCandidates == 0 || agg.DCandidates == 0 {
		return false, 0, 0
	}
	if comparison == CompareAllCandidates || len(agg.Candidates) == 0 {
		return true, agg.RVotes, agg.DVotes
	}
	k := min(seats, agg.RCandidates, agg.DCandidates)
	return true, agg.TopVotes(domain.PartyR, k), agg.TopVotes(domain.PartyD, k)
}

// Baseline computes the statewide contested-only tilt of one year.
// seats gives each district's seat count; districts missing from it are
// compared as single-seat. Uncontested districts are excluded entirely.
// With no contested districts the tilt is 0 and ContestedDistricts is 0.
func Baseline(
	year int,
	aggs map[domain.DistrictKey]domain.DistrictAggregate,
	seats map[domain.DistrictKey]int,
	comparison string,
) domain.YearBaseline {
	b := domain.YearBaseline{Year: year}
	for _, key := range domain.SortKeys(mapKeys(aggs)) {
		s, ok := seats[key]
		if !ok || s <= 0 {
			s = 1
		}
		contested, r, d := Contested(aggs[key], s, comparison)
		if !contested {
			continue
		}
		b.ContestedDistricts++
		b.ComparedRVotes += r
		b.ComparedDVotes += d
	}

	total := b.ComparedRVotes + b.ComparedDVotes
	if total == 0 {
		return b
	}
	b.RPct = domain.Pct(b.ComparedRVotes, total)
	b.DPct = domain.Pct(b.ComparedDVotes, total)
	b.Tilt = b.RPct - b.DPct
	return b
}

// seatsOf returns the seat count of every district in m.
func seatsOf(m domain.DistrictMap) map[domain.DistrictKey]int {
	out := make(map[domain.DistrictKey]int, len(m.Districts))
	for k, d := range m.Districts {
		out[k] = d.Seats
	}
	return out
}

// BaselineConfig defines the configuration parameters for the BaselineUnit.
type BaselineConfig struct {
	// Comparison selects which candidates' votes are compared in contested
	// districts.
	//
	// Supported values:
	//   - "top_k": the top k of each party, k = min(seats, r_candidates, d_candidates)
	//   - "all_candidates": every candidate's votes
	//
	// Default: "top_k". The PVI stage must use the same rule.
	Comparison string `yaml:"comparison" json:"comparison" validate:"required,oneof=top_k all_candidates"`

	// Source selects the aggregates the baseline is computed from: each
	// year's own map ("historical") or the current map ("current"). Years
	// without a historical map fall back to the current map.
	//
	// Default: "historical".
	Source string `yaml:"source" json:"source" validate:"required,oneof=historical current"`

	// MaxConcurrency bounds the number of years computed at once.
	//
	// Range: 1 to 64
	// Default: DefaultMaxConcurrency
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=64"`
}

// DefaultBaselineConfig returns the standard baseline settings.
func DefaultBaselineConfig() BaselineConfig {
	return BaselineConfig{
		Comparison:     CompareTopK,
		Source:         ModeHistorical,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// BaselineUnit computes the statewide baseline of every year in scope.
// Only contested districts count toward a year's tilt.
//
// Concurrency: years are computed in parallel, bounded by MaxConcurrency.
//
// Error Conditions:
//   - Returns ErrNoYears when KeyYears is empty
//   - Returns ErrMissingInput when the current aggregates are absent
type BaselineUnit struct {
	name   string
	config BaselineConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewBaselineUnit creates a BaselineUnit with the given configuration.
func NewBaselineUnit(name string, config BaselineConfig, logger *logging.Logger) (*BaselineUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &BaselineUnit{name: name, config: config, logger: logger, tracer: otel.Tracer("baseline-unit")}, nil
}

// Name returns the unique identifier for this unit instance.
func (u *BaselineUnit) Name() string { return u.name }

// Execute writes KeyBaselines.
func (u *BaselineUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "BaselineUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "baseline"),
			attribute.String("unit.id", u.name),
			attribute.String("config.comparison", u.config.Comparison),
			attribute.String("config.source", u.config.Source),
		),
	)
	defer span.End()
	start := time.Now()

	fail := func(err error) (domain.State, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}

	years, ok := domain.Get(state, domain.KeyYears)
	if !ok || len(years) == 0 {
		return fail(fmt.Errorf("unit %s: %w", u.name, ErrNoYears))
	}
	current, _ := domain.Get(state, domain.KeyCurrentAggregates)
	historical, _ := domain.Get(state, domain.KeyHistoricalAggregates)
	currentMap, _ := domain.Get(state, domain.KeyCurrentMap)
	historicalMaps, _ := domain.Get(state, domain.KeyHistoricalMaps)
	if current == nil && historical == nil {
		return fail(missing(u.name, domain.KeyCurrentAggregates.Name()))
	}

	baselines, err := runShards(ctx, u.config.MaxConcurrency, years,
		func(_ context.Context, year int) (domain.YearBaseline, error) {
			if u.config.Source == ModeHistorical {
				if aggs, ok := historical[year]; ok {
					return Baseline(year, aggs, seatsOf(historicalMaps[year]), u.config.Comparison), nil
				}
			}
			return Baseline(year, current[year], seatsOf(currentMap), u.config.Comparison), nil
		})
	if err != nil {
		return fail(fmt.Errorf("unit %s: %w", u.name, err))
	}

	for _, year := range years {
		b := baselines[year]
		span.SetAttributes(attribute.Float64(fmt.Sprintf("baseline.tilt.%d", year), b.Tilt))
		if b.ContestedDistricts == 0 {
			u.logger.Warn("no contested districts, baseline tilt is 0", "unit", u.name, "year", year)
			continue
		}
		u.logger.Debug("computed baseline", "unit", u.name, "year", year,
			"tilt", b.Tilt, "contested", b.ContestedDistricts)
	}
	span.SetAttributes(
		attribute.Int("years", len(years)),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	return domain.With(state, domain.KeyBaselines, baselines), nil
}

// Validate checks if the unit is properly configured and ready for execution.
func (u *BaselineUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// NewBaselineFromConfig creates a BaselineUnit from a configuration map.
func NewBaselineFromConfig(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error) {
	cfg := DefaultBaselineConfig()
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return NewBaselineUnit(id, cfg, logger)
}
