package units

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

var _ ports.Unit = (*AggregateUnit)(nil)

// Aggregation modes.
const (
	ModeCurrent    = "current"
	ModeHistorical = "historical"
	ModeBoth       = "both"
)

// DefaultSuggestThreshold is the minimum similarity for an unmatched
// town suggestion.
const DefaultSuggestThreshold = 0.8

// AggregateResult is the output of Aggregate for one map and year.
type AggregateResult struct {
	Aggregates map[domain.DistrictKey]domain.DistrictAggregate
	Unmatched  []domain.UnmatchedTown
	Provenance []domain.ProvenanceNote
}

// AggregateOptions tune Aggregate.
type AggregateOptions struct {
	// MaxConcurrency bounds the number of districts computed at once.
	MaxConcurrency int

	// SuggestThreshold enables unmatched-town suggestions when positive.
	SuggestThreshold float64
}

// ApplyRecountOverrides keeps, for every (historical district, candidate)
// of a year, only the rows of the most authoritative source present.
// Superseded rows are dropped, never summed, and reported as notes.
func ApplyRecountOverrides(records []domain.VoteRecord) ([]domain.VoteRecord, []domain.ProvenanceNote) {
	type groupKey struct {
		year      int
		district  domain.DistrictKey
		candidate string
	}
	best := make(map[groupKey]domain.Source)
	for _, r := range records {
		k := groupKey{r.Year, r.HistoricalKey(), r.CandidateID()}
		if cur, ok := best[k]; !ok || r.Source.Rank() > cur.Rank() {
			best[k] = r.Source
		}
	}

	type noteKey struct {
		group    groupKey
		replaced domain.Source
	}
	notes := make(map[noteKey]*domain.ProvenanceNote)
	var order []noteKey

	kept := make([]domain.VoteRecord, 0, len(records))
	for _, r := range records {
		k := groupKey{r.Year, r.HistoricalKey(), r.CandidateID()}
		winner := best[k]
		if r.Source.Rank() == winner.Rank() {
			kept = append(kept, r)
			continue
		}
		nk := noteKey{group: k, replaced: r.Source}
		n, ok := notes[nk]
		if !ok {
			n = &domain.ProvenanceNote{
				Year:      r.Year,
				Key:       r.HistoricalKey(),
				Candidate: r.Candidate,
				Kept:      winner,
				Replaced:  r.Source,
			}
			notes[nk] = n
			order = append(order, nk)
		}
		n.ReplacedVotes += r.Votes
	}

	out := make([]domain.ProvenanceNote, 0, len(order))
	for _, nk := range order {
		out = append(out, *notes[nk])
	}
	return kept, out
}

// districtBucket collects the records that fall in one district.
type districtBucket struct {
	district domain.District
	records  []domain.VoteRecord
}

// Aggregate sums the year's vote records over each district of m.
// Recount overrides are applied first. Records whose town is not in m are
// excluded and reported as unmatched. Every district of m gets an
// aggregate, including districts with no records (Coverage.NoData).
func Aggregate(
	ctx context.Context,
	records []domain.VoteRecord,
	m domain.DistrictMap,
	year int,
	opts AggregateOptions,
) (AggregateResult, error) {
	yearRecords, notes := ApplyRecountOverrides(domain.FilterYear(records, year))

	index := m.TownIndex()
	buckets := make(map[domain.DistrictKey]*districtBucket, len(m.Districts))
	for key, d := range m.Districts {
		buckets[key] = &districtBucket{district: d}
	}

	type unmatchedKey struct{ county, town string }
	unmatched := make(map[unmatchedKey]int64)
	var unmatchedOrder []unmatchedKey

	for _, r := range yearRecords {
		key, ok := index[r.TownRef()]
		if !ok {
			uk := unmatchedKey{r.County, r.Town}
			if _, seen := unmatched[uk]; !seen {
				unmatchedOrder = append(unmatchedOrder, uk)
			}
			unmatched[uk] += r.Votes
			continue
		}
		buckets[key].records = append(buckets[key].records, r)
	}

	aggs, err := runShards(ctx, opts.MaxConcurrency, m.Keys(),
		func(_ context.Context, key domain.DistrictKey) (domain.DistrictAggregate, error) {
			b := buckets[key]
			return aggregateDistrict(b.district, year, b.records), nil
		})
	if err != nil {
		return AggregateResult{}, err
	}

	result := AggregateResult{Aggregates: aggs, Provenance: notes}
	for _, uk := range unmatchedOrder {
		u := domain.UnmatchedTown{Year: year, County: uk.county, Town: uk.town, Votes: unmatched[uk]}
		if opts.SuggestThreshold > 0 {
			u.Suggestion = Suggest(uk.town, m.Towns(uk.county), opts.SuggestThreshold)
		}
		result.Unmatched = append(result.Unmatched, u)
	}
	return result, nil
}

// aggregateDistrict builds one district's aggregate from its records.
// Candidates are counted once per district no matter how many towns list
// them.
func aggregateDistrict(d domain.District, year int, records []domain.VoteRecord) domain.DistrictAggregate {
	agg := domain.DistrictAggregate{Key: d.Key, Year: year}

	tallies := make(map[string]*domain.CandidateTally)
	townsSeen := make(map[string]bool)
	for _, r := range records {
		townsSeen[r.Town] = true
		switch r.Party {
		case domain.PartyR:
			agg.RVotes += r.Votes
		case domain.PartyD:
			agg.DVotes += r.Votes
		default:
			agg.OtherVotes += r.Votes
		}

		id := r.CandidateID()
		if id == "" {
			continue
		}
		t, ok := tallies[id]
		if !ok {
			t = &domain.CandidateTally{Name: strings.TrimSpace(r.Candidate), Party: r.Party}
			tallies[id] = t
			switch r.Party {
			case domain.PartyR:
				agg.RCandidates++
			case domain.PartyD:
				agg.DCandidates++
			}
		}
		t.Votes += r.Votes
	}

	agg.Candidates = make([]domain.CandidateTally, 0, len(tallies))
	for _, t := range tallies {
		agg.Candidates = append(agg.Candidates, *t)
	}
	slices.SortFunc(agg.Candidates, func(a, b domain.CandidateTally) int {
		if c := cmp.Compare(b.Votes, a.Votes); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})

	agg.Coverage.TownsTotal = len(d.Towns)
	for _, t := range d.Towns {
		if townsSeen[t] {
			agg.Coverage.TownsFound++
		} else {
			agg.Coverage.MissingTowns = append(agg.Coverage.MissingTowns, t)
		}
	}
	agg.Coverage.NoData = agg.Coverage.TownsFound == 0
	return agg
}

// AggregateConfig defines the configuration parameters for the AggregateUnit.
// All fields are validated during unit creation.
type AggregateConfig struct {
	// Mode selects which maps to aggregate on.
	//
	// Supported values:
	//   - "current": every year projected onto the current map (allocation and PVI)
	//   - "historical": every year on its own map (baseline)
	//   - "both": both of the above
	//
	// Default: "both". The allocation and baseline stages need both sets.
	Mode string `yaml:"mode" json:"mode" validate:"required,oneof=current historical both"`

	// MaxConcurrency bounds the number of districts computed at once.
	//
	// Range: 1 to 64
	// Default: DefaultMaxConcurrency
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=64"`

	// CoverageThreshold is the found-town ratio below which a current-map
	// aggregate is listed in Diagnostics.LowCoverage. It never changes the
	// aggregate itself.
	//
	// Range: 0.0 to 1.0
	// Default: DefaultCoverageThreshold
	CoverageThreshold float64 `yaml:"coverage_threshold" json:"coverage_threshold" validate:"min=0,max=1"`

	// SuggestThreshold is the minimum Levenshtein similarity for an
	// unmatched town to carry a "did you mean" suggestion.
	//
	// Range: 0.0 to 1.0, where 0 disables suggestions
	// Default: DefaultSuggestThreshold
	SuggestThreshold float64 `yaml:"suggest_threshold" json:"suggest_threshold" validate:"min=0,max=1"`
}

// DefaultAggregateConfig returns the standard aggregation settings.
func DefaultAggregateConfig() AggregateConfig {
	return AggregateConfig{
		Mode:              ModeBoth,
		MaxConcurrency:    DefaultMaxConcurrency,
		CoverageThreshold: DefaultCoverageThreshold,
		SuggestThreshold:  DefaultSuggestThreshold,
	}
}

// AggregateUnit aggregates the normalized records of every year on the
// current map and on that year's own map. Recount rows supersede regular
// rows for the same candidate, and unmatched towns are excluded and
// reported in KeyDiagnostics rather than failing the run.
//
// Concurrency: districts are aggregated in parallel, bounded by
// MaxConcurrency.
//
// Error Conditions:
//   - Returns ErrMissingInput when records or a required map are absent
//   - Returns ErrNoYears when no year is in scope
//   - Returns a wrapped ctx.Err() when cancelled
type AggregateUnit struct {
	name   string
	config AggregateConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewAggregateUnit creates an AggregateUnit with the given configuration.
func NewAggregateUnit(name string, config AggregateConfig, logger *logging.Logger) (*AggregateUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &AggregateUnit{name: name, config: config, logger: logger, tracer: otel.Tracer("aggregate-unit")}, nil
}

// Name returns the unique identifier for this unit instance.
func (u *AggregateUnit) Name() string { return u.name }

// Execute writes KeyCurrentAggregates and KeyHistoricalAggregates and
// appends unmatched towns, recount notes and low coverage to
// KeyDiagnostics.
func (u *AggregateUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "AggregateUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "aggregate"),
			attribute.String("unit.id", u.name),
			attribute.String("config.mode", u.config.Mode),
		),
	)
	defer span.End()
	start := time.Now()

	fail := func(err error) (domain.State, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}

	records, ok := domain.Get(state, domain.KeyNormalizedRecords)
	if !ok {
		return fail(missing(u.name, domain.KeyNormalizedRecords.Name()))
	}
	years, ok := domain.Get(state, domain.KeyYears)
	if !ok || len(years) == 0 {
		return fail(fmt.Errorf("unit %s: %w", u.name, ErrNoYears))
	}

	opts := AggregateOptions{MaxConcurrency: u.config.MaxConcurrency, SuggestThreshold: u.config.SuggestThreshold}
	current := make(map[int]map[domain.DistrictKey]domain.DistrictAggregate)
	historical := make(map[int]map[domain.DistrictKey]domain.DistrictAggregate)
	var diag domain.Diagnostics

	if u.config.Mode != ModeHistorical {
		cm, ok := domain.Get(state, domain.KeyCurrentMap)
		if !ok {
			return fail(missing(u.name, domain.KeyCurrentMap.Name()))
		}
		for _, year := range years {
			res, err := Aggregate(ctx, records, cm, year, opts)
			if err != nil {
				return fail(fmt.Errorf("unit %s: year %d: %w", u.name, year, err))
			}
			current[year] = res.Aggregates
			diag.Unmatched = append(diag.Unmatched, res.Unmatched...)
			diag.Provenance = append(diag.Provenance, res.Provenance...)
			u.report(year, res, &diag)
		}
	}

	if u.config.Mode != ModeCurrent {
		hm, ok := domain.Get(state, domain.KeyHistoricalMaps)
		if !ok {
			return fail(missing(u.name, domain.KeyHistoricalMaps.Name()))
		}
		for _, year := range years {
			m, ok := hm[year]
			if !ok {
				continue
			}
			res, err := Aggregate(ctx, records, m, year, AggregateOptions{MaxConcurrency: opts.MaxConcurrency})
			if err != nil {
				return fail(fmt.Errorf("unit %s: year %d: %w", u.name, year, err))
			}
			historical[year] = res.Aggregates
			if u.config.Mode == ModeHistorical {
				diag.Provenance = append(diag.Provenance, res.Provenance...)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("years", len(years)),
		attribute.Int("unmatched_towns", len(diag.Unmatched)),
		attribute.Int64("excluded_votes", diag.ExcludedVotes()),
		attribute.Int("recount_overrides", len(diag.Provenance)),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	state = state.WithMultiple(map[string]any{
		domain.KeyCurrentAggregates.Name():    current,
		domain.KeyHistoricalAggregates.Name(): historical,
	})
	return appendDiagnostics(state, diag), nil
}

// report logs provenance notes, unmatched towns and low coverage for one
// year of current-map aggregation.
func (u *AggregateUnit) report(year int, res AggregateResult, diag *domain.Diagnostics) {
	for _, n := range res.Provenance {
		u.logger.Info("recount override",
			"year", n.Year, "district", n.Key.String(), "candidate", n.Candidate,
			"kept", n.Kept, "replaced", n.Replaced, "replaced_votes", n.ReplacedVotes)
	}
	for _, t := range res.Unmatched {
		u.logger.Warn("unmatched town excluded", "error", t.AsError().Error())
	}
	for _, key := range domain.SortKeys(mapKeys(res.Aggregates)) {
		cov := res.Aggregates[key].Coverage
		if cov.LowCoverage(u.config.CoverageThreshold) {
			diag.LowCoverage = append(diag.LowCoverage, fmt.Sprintf("%s/%d", key, year))
			u.logger.Warn("low coverage aggregate",
				"district", key.String(), "year", year,
				"towns_found", cov.TownsFound, "towns_total", cov.TownsTotal)
		}
	}
}

// mapKeys returns the keys of m in unspecified order.
func mapKeys[V any](m map[domain.DistrictKey]V) []domain.DistrictKey {
	keys := make([]domain.DistrictKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Validate checks if the unit is properly configured and ready for execution.
func (u *AggregateUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// NewAggregateFromConfig creates an AggregateUnit from a configuration map.
func NewAggregateFromConfig(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error) {
	cfg := DefaultAggregateConfig()
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return NewAggregateUnit(id, cfg, logger)
}
