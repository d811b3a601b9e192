package units

import (
	"context"
	"errors"
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

var (
	_ ports.Unit           = (*AllocateUnit)(nil)
	_ domain.SeatAllocator = (*SeatAllocator)(nil)
)

// SeatAllocator applies the plurality-at-large decision rules to one
// district aggregate. It is pure and safe for concurrent use.
type SeatAllocator struct {
	policy          AllocationPolicy
	capAtCandidates bool
}

// NewSeatAllocator validates policy and returns an allocator.
func NewSeatAllocator(policy AllocationPolicy, capAtCandidates bool) (*SeatAllocator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &SeatAllocator{policy: policy, capAtCandidates: capAtCandidates}, nil
}

// Policy returns the banding table in use.
func (a *SeatAllocator) Policy() AllocationPolicy { return a.policy }

// Allocate returns the seat outcome of agg for a district with the given
// number of seats. Rules apply in order: no candidates, one party absent,
// underfilled field, then banded allocation on the two-party share.
func (a *SeatAllocator) Allocate(agg domain.DistrictAggregate, seats int) domain.SeatAllocation {
	out := domain.SeatAllocation{
		Key:    agg.Key,
		Year:   agg.Year,
		Seats:  seats,
		RShare: agg.TwoPartyShare(),
	}
	if seats <= 0 {
		out.Rule = domain.RuleFailed
		out.Err = fmt.Sprintf("district %s: seat count %d must be positive", agg.Key, seats)
		return out
	}
	if agg.Coverage.NoData {
		out.Rule = domain.RuleNoData
		out.Unallocated = seats
		return out
	}

	rc, dc := agg.RCandidates, agg.DCandidates
	switch {
	case rc == 0 && dc == 0:
		out.Rule = domain.RuleNoCandidates
		out.Unallocated = seats
		return out
	case dc == 0:
		out.Rule = domain.RuleUncontested
		out.RSeats = min(rc, seats)
	case rc == 0:
		out.Rule = domain.RuleUncontested
		out.DSeats = min(dc, seats)
	case rc+dc <= seats:
		out.Rule = domain.RuleUnderfilled
		out.RSeats, out.DSeats = rc, dc
	case seats == 1:
		out.Rule = domain.RuleSingleSeat
		if out.RShare > a.policy.SingleSeatThreshold {
			out.RSeats = 1
		} else {
			out.DSeats = 1
		}
	default:
		band, _ := a.policy.Pick(out.RShare)
		out.Rule = domain.RuleBanded
		out.Band = band.Name
		r := band.RSeats(seats, out.RShare)
		out.RSeats, out.DSeats = r, seats-r
		if a.capAtCandidates {
			out.RSeats, out.DSeats = capSeats(out.RSeats, out.DSeats, rc, dc, seats)
		}
	}
	out.Unallocated = seats - out.RSeats - out.DSeats
	return out
}

// capSeats limits each party to its candidate count. Seats a party cannot
// fill pass to the other party up to its own count.
func capSeats(r, d, rc, dc, seats int) (int, int) {
	r = min(r, rc)
	d = min(seats-r, dc)
	r = min(seats-d, rc)
	return r, d
}

// AllocateConfig defines the configuration parameters for the AllocateUnit.
// All fields are validated during unit creation, and the resolved policy
// must pass AllocationPolicy.Validate.
type AllocateConfig struct {
	// Policy names the banding table applied to multi-member districts.
	//
	// Supported values:
	//   - "majority_bonus": near-sweep, bonus floor, proportional middle
	//   - "full_sweep": full sweep above 0.65 with majority floors
	//   - "seven_band": finer breakpoints with all-but-one bands
	//   - "custom": the table given in Bands
	//
	// Default: "majority_bonus".
	Policy string `yaml:"policy" json:"policy" validate:"required,oneof=majority_bonus full_sweep seven_band custom"`

	// Bands is the custom banding table, evaluated top down. Required when
	// Policy is "custom" and ignored otherwise.
	Bands []Band `yaml:"bands" json:"bands" validate:"required_if=Policy custom,dive"`

	// SingleSeatThreshold is the r_share R must exceed to win a
	// single-member district. Zero keeps the policy's own threshold.
	//
	// Range: 0.0 to 1.0
	// Default: 0 (policy threshold, 0.5 for every preset)
	SingleSeatThreshold float64 `yaml:"single_seat_threshold" json:"single_seat_threshold" validate:"min=0,max=1"`

	// CapAtCandidates keeps a party from winning more seats than it has
	// candidates. Seats a party cannot fill pass to the other party.
	//
	// Default: true.
	CapAtCandidates bool `yaml:"cap_at_candidates" json:"cap_at_candidates"`

	// UseExactMatches copies the winners table outcome for districts whose
	// towns and seats did not change, in years the table covers.
	//
	// Default: true.
	UseExactMatches bool `yaml:"use_exact_matches" json:"use_exact_matches"`

	// MaxConcurrency bounds the number of districts allocated at once.
	//
	// Range: 1 to 64
	// Default: DefaultMaxConcurrency
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=64"`
}

// DefaultAllocateConfig returns the standard allocation settings.
func DefaultAllocateConfig() AllocateConfig {
	return AllocateConfig{
		Policy:          PolicyMajorityBonus,
		CapAtCandidates: true,
		UseExactMatches: true,
		MaxConcurrency:  DefaultMaxConcurrency,
	}
}

// policy resolves the configured banding table.
func (c AllocateConfig) policy() (AllocationPolicy, error) {
	var p AllocationPolicy
	if c.Policy == PolicyCustom {
		p = AllocationPolicy{Name: PolicyCustom, SingleSeatThreshold: 0.5, Bands: c.Bands}
	} else {
		var err error
		if p, err = PolicyByName(c.Policy); err != nil {
			return AllocationPolicy{}, err
		}
	}
	if c.SingleSeatThreshold > 0 {
		p.SingleSeatThreshold = c.SingleSeatThreshold
	}
	return p, p.Validate()
}

// AllocateUnit allocates the seats of every current district for every
// year in scope.
//
// Hard errors fail a single district/year and are collected in
// KeyAllocationFailures while the rest of the batch completes. A declared
// seat count that disagrees with the winners table is one, whether on an
// exact-match district or on any district of that year's historical map.
//
// Concurrency: districts are allocated in parallel, bounded by
// MaxConcurrency. The allocator is pure, so one unit may serve concurrent
// runs.
//
// Error Conditions:
//   - Returns ErrNoYears when KeyYears is empty
//   - Returns ErrMissingInput when the current map or aggregates are absent
//   - Returns ctx.Err() when cancelled
//
// Example:
//
//	cfg := DefaultAllocateConfig()
//	cfg.Policy = PolicySevenBand
//	unit, err := NewAllocateUnit("allocate", cfg, logger)
type AllocateUnit struct {
	name      string
	config    AllocateConfig
	allocator *SeatAllocator
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewAllocateUnit creates an AllocateUnit with the given configuration.
func NewAllocateUnit(name string, config AllocateConfig, logger *logging.Logger) (*AllocateUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	policy, err := config.policy()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	alloc, err := NewSeatAllocator(policy, config.CapAtCandidates)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &AllocateUnit{
		name:      name,
		config:    config,
		allocator: alloc,
		logger:    logger,
		tracer:    otel.Tracer("allocate-unit"),
	}, nil
}

// Name returns the unique identifier for this unit instance.
func (u *AllocateUnit) Name() string { return u.name }

// Execute writes KeyAllocations and KeyAllocationFailures.
func (u *AllocateUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "AllocateUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "allocate"),
			attribute.String("unit.id", u.name),
			attribute.String("config.policy", u.allocator.policy.Name),
			attribute.Bool("config.cap_at_candidates", u.config.CapAtCandidates),
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
	currentMap, ok := domain.Get(state, domain.KeyCurrentMap)
	if !ok {
		return fail(missing(u.name, domain.KeyCurrentMap.Name()))
	}
	aggs, ok := domain.Get(state, domain.KeyCurrentAggregates)
	if !ok {
		return fail(missing(u.name, domain.KeyCurrentAggregates.Name()))
	}
	classes, _ := domain.Get(state, domain.KeyClassifications)
	historical, _ := domain.Get(state, domain.KeyHistoricalMaps)
	winnerRows, _ := domain.Get(state, domain.KeyWinners)
	winners := NewWinnerIndex(winnerRows)

	keys := currentMap.Keys()
	out := make(map[int]map[domain.DistrictKey]domain.SeatAllocation, len(years))
	var failures []domain.AllocationFailure
	var hardErrs []error
	noDataCount := 0

	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		class, hasClass := classes[year]
		exactOK := u.config.UseExactMatches && hasClass && winners.HasYear(year)

		type result struct {
			alloc domain.SeatAllocation
			err   error
		}
		results, err := runShards(ctx, u.config.MaxConcurrency, keys,
			func(_ context.Context, key domain.DistrictKey) (result, error) {
				district := currentMap.Districts[key]
				if hasClass && class.NoData[key] {
					return result{alloc: noData(key, year, district.Seats)}, nil
				}
				if exactOK {
					if hist, ok := class.IsExact(key); ok {
						a, err := ExactMatchAllocation(district, hist, year, winners)
						return result{alloc: a, err: err}, nil
					}
				}
				agg, ok := aggs[year][key]
				if !ok {
					return result{alloc: noData(key, year, district.Seats)}, nil
				}
				return result{alloc: u.allocator.Allocate(agg, district.Seats)}, nil
			})
		if err != nil {
			return fail(fmt.Errorf("unit %s: year %d: %w", u.name, year, err))
		}

		byKey := make(map[domain.DistrictKey]domain.SeatAllocation, len(results))
		failed := make(map[domain.DistrictKey]bool)
		for _, key := range keys {
			res := results[key]
			byKey[key] = res.alloc
			if err := res.alloc.NoDataErr(); err != nil {
				noDataCount++
				u.logger.Debug("district left unallocated", "unit", u.name, "error", err)
			}
			if res.err == nil && !res.alloc.Failed() {
				continue
			}
			msg := res.alloc.Err
			if res.err != nil {
				msg = res.err.Error()
				hardErrs = append(hardErrs, res.err)
			}
			failed[key] = true
			failures = append(failures, domain.AllocationFailure{Key: key, Year: year, Message: msg})
			u.logger.Error("seat allocation failed", "unit", u.name, "year", year,
				"district", key.String(), "error", msg)
		}
		out[year] = byKey

		// Exact-match failures above already cover their own historical
		// district.
		if hist, ok := historical[year]; ok {
			for _, serr := range CheckSeatCounts(hist, year, winners) {
				if failed[serr.Key] {
					continue
				}
				hardErrs = append(hardErrs, serr)
				failures = append(failures, domain.AllocationFailure{Key: serr.Key, Year: year, Message: serr.Error()})
				u.logger.Error("historical seat count disagrees with winners", "unit", u.name, "year", year,
					"district", serr.Key.String(), "declared", serr.Declared, "winners", serr.Winners)
			}
		}
	}

	if len(hardErrs) > 0 {
		span.RecordError(errors.Join(hardErrs...))
	}
	span.SetAttributes(
		attribute.Int("districts", len(keys)),
		attribute.Int("years", len(years)),
		attribute.Int("allocation.failures", len(failures)),
		attribute.Int("allocation.no_data", noDataCount),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	u.logger.Debug("allocated seats", "unit", u.name, "districts", len(keys),
		"years", len(years), "failures", len(failures))

	return state.WithMultiple(map[string]any{
		domain.KeyAllocations.Name():        out,
		domain.KeyAllocationFailures.Name(): failures,
	}), nil
}

func noData(key domain.DistrictKey, year, seats int) domain.SeatAllocation {
	return domain.SeatAllocation{
		Key:         key,
		Year:        year,
		Seats:       seats,
		Unallocated: seats,
		Rule:        domain.RuleNoData,
		RShare:      0.5,
	}
}

// Validate checks if the unit is properly configured and ready for execution.
func (u *AllocateUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, err := u.config.policy(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// NewAllocateFromConfig creates an AllocateUnit from a configuration map.
func NewAllocateFromConfig(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error) {
	cfg := DefaultAllocateConfig()
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return NewAllocateUnit(id, cfg, logger)
}
