package units

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

var _ ports.Unit = (*PviUnit)(nil)

// Competitiveness and rating thresholds, in lean points.
const (
	DefaultCloseLean        = 5.0
	DefaultVolatileLean     = 10.0
	DefaultVolatileSwing    = 8.0
	DefaultEnvironmentShift = 5.0

	minImputedRPct = 20.0
	maxImputedRPct = 80.0
)

// Rating labels by absolute adjusted lean.
const (
	RatingTossUp = "Toss-up"
	RatingTilt   = "Tilt"
	RatingLean   = "Lean"
	RatingLikely = "Likely"
	RatingSafe   = "Safe"
)

// YearInput is one year of a current district's history. A year the
// district has no records for carries a zero Aggregate.
type YearInput struct {
	Year      int
	Aggregate domain.DistrictAggregate

	// Allocation is the year's seat outcome; nil when unknown.
	Allocation *domain.SeatAllocation
}

// PviOptions tunes ComputePvi. The zero value is not useful; start from
// DefaultPviOptions.
type PviOptions struct {
	Comparison           string
	CloseLean            float64
	VolatileLean         float64
	VolatileSwing        float64
	EnvironmentShift     float64
	EnvironmentSensitive bool
	Impute               bool
}

// DefaultPviOptions returns the standard thresholds.
func DefaultPviOptions() PviOptions {
	return PviOptions{
		Comparison:       CompareTopK,
		CloseLean:        DefaultCloseLean,
		VolatileLean:     DefaultVolatileLean,
		VolatileSwing:    DefaultVolatileSwing,
		EnvironmentShift: DefaultEnvironmentShift,
		Impute:           true,
	}
}

// CloseLean reports |lean| < limit.
func CloseLean(lean, limit float64) bool { return math.Abs(lean) < limit }

// VolatileLean reports |lean| < limit with an average swing above
// minSwing.
func VolatileLean(lean, avgSwing, limit, minSwing float64) bool {
	return math.Abs(lean) < limit && avgSwing > minSwing
}

// Crossover reports whether both parties won seats across the given
// allocations, which should be the two most recent years.
func Crossover(recent []domain.SeatAllocation) bool {
	var r, d bool
	for _, a := range recent {
		if a.Failed() {
			continue
		}
		r = r || a.RSeats > 0
		d = d || a.DSeats > 0
	}
	return r && d
}

// EnvironmentSensitive reports whether a statewide shift of the given
// size toward the trailing party flips the sign of lean.
func EnvironmentSensitive(lean, shift float64) bool {
	return (lean > 0 && lean-shift < 0) || (lean < 0 && lean+shift > 0)
}

// Rate returns the race rating of a lean, with the party prefix when the
// rating is not a toss-up.
func Rate(lean float64) string {
	abs := math.Abs(lean)
	var rating string
	switch {
	case abs < 3:
		return RatingTossUp
	case abs < 6:
		rating = RatingTilt
	case abs < 10:
		rating = RatingLean
	case abs < 15:
		rating = RatingLikely
	default:
		rating = RatingSafe
	}
	if lean > 0 {
		return rating + " R"
	}
	return rating + " D"
}

// ComputePvi derives the normalized lean of one current district from
// its history and the statewide baselines.
//
// history should hold one entry per year in scope. Each contested year
// contributes r_pct minus the year's expected R share, and the lean is the
// mean of those performances. A district never contested falls back to its
// raw two-party share minus 50 and is flagged LowConfidence. A district
// with no records at all keeps lean 0 but is never marked competitive on
// margin. Crossover looks at the two latest entries of history whether or
// not they had records.
func ComputePvi(
	key domain.DistrictKey,
	seats int,
	history []YearInput,
	baselines map[int]domain.YearBaseline,
	opts PviOptions,
) domain.PviRecord {
	rec := domain.PviRecord{Key: key, Seats: seats}
	history = slices.Clone(history)
	slices.SortFunc(history, func(a, b YearInput) int { return a.Year - b.Year })

	var (
		perfSum        float64
		rawR, rawD     int64
		margins        []float64
		uncontestedIdx []int
	)
	for _, in := range history {
		agg := in.Aggregate
		if agg.TotalVotes() == 0 && agg.RCandidates+agg.DCandidates == 0 {
			continue
		}
		rec.ElectionsAnalyzed++
		rawR += agg.RVotes
		rawD += agg.DVotes

		detail := domain.YearDetail{
			Year:       in.Year,
			RVotes:     agg.RVotes,
			DVotes:     agg.DVotes,
			OtherVotes: agg.OtherVotes,
			Margin:     domain.Pct(agg.RVotes, agg.TotalVotes()) - domain.Pct(agg.DVotes, agg.TotalVotes()),
		}
		if in.Allocation != nil {
			detail.Winner = in.Allocation.Winner()
		}

		contested, r, d := Contested(agg, max(seats, 1), opts.Comparison)
		if contested {
			b := baselines[in.Year]
			detail.Contested = true
			detail.RPct = domain.Pct(r, r+d)
			if r+d == 0 {
				detail.RPct = 50
			}
			detail.ExpectedRPct = b.ExpectedRPct()
			detail.Performance = detail.RPct - detail.ExpectedRPct
			perfSum += detail.Performance
			rec.ContestedYears++
			margins = append(margins, detail.Margin)
		} else {
			detail.RPct = agg.TwoPartyShare() * 100
			uncontestedIdx = append(uncontestedIdx, len(rec.Years))
		}
		rec.Years = append(rec.Years, detail)
	}

	if rec.ContestedYears > 0 {
		rec.Lean = perfSum / float64(rec.ContestedYears)
	} else {
		rec.Lean = domain.Share(rawR, rawD)*100 - 50
		rec.LowConfidence = true
	}
	if math.IsNaN(rec.Lean) || math.IsInf(rec.Lean, 0) {
		rec.Lean = 0
	}
	rec.Label = domain.FormatLabel(rec.Lean)
	rec.AvgSwing, rec.MaxSwing = swings(margins)

	if opts.Impute {
		for _, i := range uncontestedIdx {
			d := &rec.Years[i]
			margin := rec.Lean + baselines[d.Year].Tilt
			d.Imputed = true
			d.ImputedRPct = min(max(50+margin/2, minImputedRPct), maxImputedRPct)
		}
	}

	var recent []domain.SeatAllocation
	for _, in := range history[max(len(history)-2, 0):] {
		if in.Allocation != nil {
			recent = append(recent, *in.Allocation)
		}
	}
	rec.IsCrossover = Crossover(recent)

	if rec.ElectionsAnalyzed > 0 && CloseLean(rec.Lean, opts.CloseLean) {
		rec.CompetitiveReasons = append(rec.CompetitiveReasons, domain.ReasonCloseMargin)
	}
	if VolatileLean(rec.Lean, rec.AvgSwing, opts.VolatileLean, opts.VolatileSwing) {
		rec.CompetitiveReasons = append(rec.CompetitiveReasons, domain.ReasonVolatile)
	}
	if rec.IsCrossover {
		rec.CompetitiveReasons = append(rec.CompetitiveReasons, domain.ReasonCrossover)
	}
	if opts.EnvironmentSensitive && EnvironmentSensitive(rec.Lean, opts.EnvironmentShift) {
		rec.CompetitiveReasons = append(rec.CompetitiveReasons, domain.ReasonEnvironmentSensitive)
	}
	rec.IsCompetitive = len(rec.CompetitiveReasons) > 0

	rec.Ratings = domain.Ratings{
		Neutral: Rate(rec.Lean),
		DWave:   Rate(rec.Lean - opts.EnvironmentShift),
		RWave:   Rate(rec.Lean + opts.EnvironmentShift),
	}
	return rec
}

// swings returns the mean and maximum absolute change between
// consecutive margins.
func swings(margins []float64) (avg, peak float64) {
	if len(margins) < 2 {
		return 0, 0
	}
	var sum float64
	for i := 1; i < len(margins); i++ {
		s := math.Abs(margins[i] - margins[i-1])
		sum += s
		peak = max(peak, s)
	}
	return sum / float64(len(margins)-1), peak
}

// PviConfig defines the configuration parameters for the PviUnit.
// Thresholds are in lean points, the same scale as PviRecord.Lean.
type PviConfig struct {
	// Comparison must match the baseline stage's comparison rule, or a
	// district's performance is measured against the wrong expectation.
	//
	// Default: "top_k".
	Comparison string `yaml:"comparison" json:"comparison" validate:"required,oneof=top_k all_candidates"`

	// CloseLean marks a district competitive when |lean| is below it.
	//
	// Range: (0, 50]
	// Default: DefaultCloseLean
	CloseLean float64 `yaml:"close_lean" json:"close_lean" validate:"gt=0,max=50"`

	// VolatileLean and VolatileSwing together mark a district volatile:
	// |lean| below VolatileLean with an average margin swing above
	// VolatileSwing.
	//
	// Range: (0, 50] and [0, 100]
	// Default: DefaultVolatileLean and DefaultVolatileSwing
	VolatileLean  float64 `yaml:"volatile_lean" json:"volatile_lean" validate:"gt=0,max=50"`
	VolatileSwing float64 `yaml:"volatile_swing" json:"volatile_swing" validate:"gte=0,max=100"`

	// EnvironmentShift is the statewide swing applied for the wave ratings
	// and the environment-sensitive test.
	//
	// Range: 0 to 50
	// Default: DefaultEnvironmentShift
	EnvironmentShift float64 `yaml:"environment_shift" json:"environment_shift" validate:"gte=0,max=50"`

	// EnvironmentSensitive adds the sign-flip test to competitiveness.
	//
	// Default: false.
	EnvironmentSensitive bool `yaml:"environment_sensitive" json:"environment_sensitive"`

	// Impute records estimated results for uncontested years, clamped to
	// 20-80% R. Imputed values never feed back into the lean.
	//
	// Default: true.
	Impute bool `yaml:"impute" json:"impute"`

	// MaxConcurrency bounds the number of districts computed at once.
	//
	// Range: 1 to 64
	// Default: DefaultMaxConcurrency
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=64"`
}

// DefaultPviConfig returns the standard PVI settings.
func DefaultPviConfig() PviConfig {
	o := DefaultPviOptions()
	return PviConfig{
		Comparison:       o.Comparison,
		CloseLean:        o.CloseLean,
		VolatileLean:     o.VolatileLean,
		VolatileSwing:    o.VolatileSwing,
		EnvironmentShift: o.EnvironmentShift,
		Impute:           o.Impute,
		MaxConcurrency:   DefaultMaxConcurrency,
	}
}

func (c PviConfig) options() PviOptions {
	return PviOptions{
		Comparison:           c.Comparison,
		CloseLean:            c.CloseLean,
		VolatileLean:         c.VolatileLean,
		VolatileSwing:        c.VolatileSwing,
		EnvironmentShift:     c.EnvironmentShift,
		EnvironmentSensitive: c.EnvironmentSensitive,
		Impute:               c.Impute,
	}
}

// PviUnit computes a PviRecord for every current district. It runs after
// both allocation and baseline have finished for every year.
//
// Concurrency: districts are computed in parallel, bounded by
// MaxConcurrency.
//
// Error Conditions:
//   - Returns ErrNoYears when KeyYears is empty
//   - Returns ErrMissingInput when the current map, aggregates or baselines are absent
//
// Example:
//
//	cfg := DefaultPviConfig()
//	cfg.EnvironmentSensitive = true
//	unit, err := NewPviUnit("pvi", cfg, logger)
type PviUnit struct {
	name   string
	config PviConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewPviUnit creates a PviUnit with the given configuration.
func NewPviUnit(name string, config PviConfig, logger *logging.Logger) (*PviUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &PviUnit{name: name, config: config, logger: logger, tracer: otel.Tracer("pvi-unit")}, nil
}

// Name returns the unique identifier for this unit instance.
func (u *PviUnit) Name() string { return u.name }

// Execute reads the current aggregates, baselines and allocations and
// writes KeyPviRecords sorted by district key.
func (u *PviUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "PviUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "pvi"),
			attribute.String("unit.id", u.name),
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
	baselines, ok := domain.Get(state, domain.KeyBaselines)
	if !ok {
		return fail(missing(u.name, domain.KeyBaselines.Name()))
	}
	allocations, _ := domain.Get(state, domain.KeyAllocations)

	opts := u.config.options()
	keys := currentMap.Keys()
	records, err := runShards(ctx, u.config.MaxConcurrency, keys,
		func(_ context.Context, key domain.DistrictKey) (domain.PviRecord, error) {
			history := make([]YearInput, 0, len(years))
			for _, year := range years {
				in := YearInput{Year: year, Aggregate: aggs[year][key]}
				if a, ok := allocations[year][key]; ok {
					in.Allocation = &a
				}
				history = append(history, in)
			}
			return ComputePvi(key, currentMap.Districts[key].Seats, history, baselines, opts), nil
		})
	if err != nil {
		return fail(fmt.Errorf("unit %s: %w", u.name, err))
	}

	out := make([]domain.PviRecord, 0, len(keys))
	competitive, lowConfidence, noData := 0, 0, 0
	for _, key := range keys {
		rec := records[key]
		if rec.IsCompetitive {
			competitive++
		}
		if rec.LowConfidence {
			lowConfidence++
		}
		if err := rec.NoDataErr(); err != nil {
			noData++
			u.logger.Warn("district has no records in any year", "unit", u.name,
				"district", key.String(), "error", err)
		}
		out = append(out, rec)
	}

	span.SetAttributes(
		attribute.Int("districts", len(out)),
		attribute.Int("districts.competitive", competitive),
		attribute.Int("districts.low_confidence", lowConfidence),
		attribute.Int("districts.no_data", noData),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
	u.logger.Info("computed district PVI", "unit", u.name, "districts", len(out),
		"competitive", competitive, "low_confidence", lowConfidence)

	return domain.With(state, domain.KeyPviRecords, out), nil
}

// Validate checks if the unit is properly configured and ready for execution.
func (u *PviUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// NewPviFromConfig creates a PviUnit from a configuration map.
func NewPviFromConfig(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error) {
	cfg := DefaultPviConfig()
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return NewPviUnit(id, cfg, logger)
}
