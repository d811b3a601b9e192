package units

import (
	"context"
	"fmt"
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

var _ ports.Unit = (*RemapUnit)(nil)

// BuildMap assembles a DistrictMap from raw rows. normalize is applied to
// every town name; nil keeps names as given. Rows with non-positive seats,
// repeated district keys, and towns listed in two districts of the same
// map are reported together in one ValidationError.
func BuildMap(name string, year int, rows []domain.DistrictRow, normalize func(string) string) (domain.DistrictMap, error) {
	m := domain.NewDistrictMap(name, year)
	verr := domain.NewValidationError(fmt.Sprintf("district map %q (%d)", name, year))
	owner := make(map[domain.TownRef]domain.DistrictKey)

	for _, row := range rows {
		if row.Key.IsZero() {
			verr.AddError("row with empty district key")
			continue
		}
		if row.Seats <= 0 {
			verr.AddErrorf("district %s: seat count %d must be positive", row.Key, row.Seats)
			continue
		}
		if _, dup := m.Districts[row.Key]; dup {
			verr.AddErrorf("district %s listed twice", row.Key)
			continue
		}

		towns := make([]string, 0, len(row.Towns))
		for _, t := range row.Towns {
			if normalize != nil {
				t = normalize(t)
			}
			if t == "" || slices.Contains(towns, t) {
				continue
			}
			ref := domain.TownRef{County: row.Key.County, Town: t}
			if prev, taken := owner[ref]; taken {
				verr.AddErrorf("town %s belongs to both %s and %s", ref, prev, row.Key)
				continue
			}
			owner[ref] = row.Key
			towns = append(towns, t)
		}
		slices.Sort(towns)
		m.Districts[row.Key] = domain.District{Key: row.Key, Seats: row.Seats, Towns: towns}
	}

	if err := verr.Err(); err != nil {
		return domain.DistrictMap{}, err
	}
	return m, nil
}

// Classify compares every current district against one historical map.
//
// A current district is an exact match iff some historical district has
// the identical town set and seat count. Identical towns with a different
// seat count are recorded as a seat change. Every other district is
// changed and gets a primary source: the historical district with the
// largest absolute town overlap, then the largest Jaccard ratio, then the
// smallest key. A district with no overlap whose towns have no records in
// recordTowns is flagged NoData. A nil recordTowns skips the record check.
func Classify(current, historical domain.DistrictMap, recordTowns map[domain.TownRef]bool) domain.Classification {
	c := domain.NewClassification(historical.Year)

	// Index historical districts by county for overlap scans.
	byCounty := make(map[string][]domain.District)
	for _, key := range historical.Keys() {
		d := historical.Districts[key]
		byCounty[key.County] = append(byCounty[key.County], d)
	}

	for _, key := range current.Keys() {
		cur := current.Districts[key]

		var (
			best      domain.OverlapSource
			found     bool
			sameTowns *domain.District
		)
		for _, h := range byCounty[key.County] {
			if cur.SameTowns(h) {
				sameTowns = &h
				break
			}
		}
		if sameTowns != nil && sameTowns.Seats == cur.Seats {
			c.ExactMatches[key] = sameTowns.Key
			continue
		}

		c.Changed[key] = true
		if sameTowns != nil {
			c.SeatChanges[key] = sameTowns.Key
		}

		for _, h := range byCounty[key.County] {
			shared, ratio := overlap(cur.Towns, h.Towns)
			if shared == 0 {
				continue
			}
			cand := domain.OverlapSource{Historical: h.Key, SharedTowns: shared, Ratio: ratio}
			if !found || betterSource(cand, best) {
				best, found = cand, true
			}
		}
		if found {
			c.PrimarySources[key] = best
			continue
		}
		if !anyRecorded(cur, recordTowns) {
			c.NoData[key] = true
		}
	}
	return c
}

// betterSource applies the overlap tie-break policy.
func betterSource(a, b domain.OverlapSource) bool {
	if a.SharedTowns != b.SharedTowns {
		return a.SharedTowns > b.SharedTowns
	}
	if a.Ratio != b.Ratio {
		return a.Ratio > b.Ratio
	}
	return domain.CompareDistrictKeys(a.Historical, b.Historical) < 0
}

// overlap returns the shared count and Jaccard ratio of two sorted sets.
func overlap(a, b []string) (int, float64) {
	shared := 0
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] == b[j]:
			shared++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0, 0
	}
	return shared, float64(shared) / float64(union)
}

func anyRecorded(d domain.District, recordTowns map[domain.TownRef]bool) bool {
	if recordTowns == nil {
		return true
	}
	for ref := range d.TownSet() {
		if recordTowns[ref] {
			return true
		}
	}
	return false
}

// WinnerIndex groups the authoritative winners table by year and district.
type WinnerIndex map[int]map[domain.DistrictKey][]domain.WinnerRecord

// NewWinnerIndex indexes winners.
func NewWinnerIndex(winners []domain.WinnerRecord) WinnerIndex {
	idx := make(WinnerIndex)
	for _, w := range winners {
		if idx[w.Year] == nil {
			idx[w.Year] = make(map[domain.DistrictKey][]domain.WinnerRecord)
		}
		idx[w.Year][w.Key] = append(idx[w.Year][w.Key], w)
	}
	return idx
}

// HasYear reports whether the table lists any winners for year.
func (idx WinnerIndex) HasYear(year int) bool { return len(idx[year]) > 0 }

// CheckSeatCounts compares the declared seats of every district in a
// historical map with the number of winners listed for it in year. Years
// the winners table does not cover are not checked, but within a covered
// year a district with no winners at all is a mismatch.
func CheckSeatCounts(m domain.DistrictMap, year int, winners WinnerIndex) []*domain.InconsistentSeatCountError {
	if !winners.HasYear(year) {
		return nil
	}
	var errs []*domain.InconsistentSeatCountError
	for _, key := range m.Keys() {
		d := m.Districts[key]
		if n := len(winners[year][key]); n != d.Seats {
			errs = append(errs, &domain.InconsistentSeatCountError{
				Key:      key,
				Year:     year,
				Declared: d.Seats,
				Winners:  n,
			})
		}
	}
	return errs
}

// ExactMatchAllocation copies the historical per-seat party outcome of an
// exact-match district. A winners count that differs from the declared
// seat count is returned as an InconsistentSeatCountError together with a
// failed allocation. Winners outside R and D count as unallocated.
func ExactMatchAllocation(
	current domain.District,
	historical domain.DistrictKey,
	year int,
	winners WinnerIndex,
) (domain.SeatAllocation, error) {
	alloc := domain.SeatAllocation{
		Key:   current.Key,
		Year:  year,
		Seats: current.Seats,
		Rule:  domain.RuleExactMatch,
	}
	rows := winners[year][historical]
	if len(rows) != current.Seats {
		err := &domain.InconsistentSeatCountError{
			Key:      current.Key,
			Year:     year,
			Declared: current.Seats,
			Winners:  len(rows),
		}
		alloc.Rule = domain.RuleFailed
		alloc.Unallocated = current.Seats
		alloc.Err = err.Error()
		return alloc, err
	}
	for _, w := range rows {
		switch w.Party {
		case domain.PartyR:
			alloc.RSeats++
		case domain.PartyD:
			alloc.DSeats++
		default:
			alloc.Unallocated++
		}
	}
	alloc.RShare = domain.Share(int64(alloc.RSeats), int64(alloc.DSeats))
	return alloc, nil
}

// RemapConfig defines the configuration parameters for the RemapUnit.
type RemapConfig struct {
	// CurrentMap names the target map in the district table. Rows of any
	// other map are grouped by year into historical maps.
	//
	// Default: "" (rows with year 0 form the current map).
	CurrentMap string `yaml:"current_map" json:"current_map"`

	// MaxConcurrency bounds the number of years classified at once.
	//
	// Range: 1 to 64
	// Default: DefaultMaxConcurrency
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" validate:"min=1,max=64"`
}

// DefaultRemapConfig returns the standard remapping settings.
func DefaultRemapConfig() RemapConfig {
	return RemapConfig{MaxConcurrency: DefaultMaxConcurrency}
}

// RemapUnit builds the current and historical district maps and
// classifies current districts against each year's map. A year with no
// historical map is logged and every current district is treated as
// changed for it.
//
// Concurrency: years are classified in parallel, bounded by
// MaxConcurrency. The unit itself is stateless.
//
// Error Conditions:
//   - Returns ErrMissingInput when normalized records or district rows are absent
//   - Returns a *domain.ValidationError for duplicate districts, towns in two
//     districts of one map, or non-positive seat counts
//   - Returns domain.ErrInvalidConfiguration when no rows form the current map
//   - Returns ErrNoYears when neither the state nor the records name a year
type RemapUnit struct {
	name   string
	config RemapConfig
	logger *logging.Logger
	tracer trace.Tracer
}

// NewRemapUnit creates a RemapUnit with the given configuration.
func NewRemapUnit(name string, config RemapConfig, logger *logging.Logger) (*RemapUnit, error) {
	if name == "" {
		return nil, ErrEmptyUnitName
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &RemapUnit{name: name, config: config, logger: logger, tracer: otel.Tracer("remap-unit")}, nil
}

// Name returns the unique identifier for this unit instance.
func (u *RemapUnit) Name() string { return u.name }

// Execute reads the normalized records and district rows and writes
// KeyCurrentMap, KeyHistoricalMaps, KeyClassifications and KeyYears.
func (u *RemapUnit) Execute(ctx context.Context, state domain.State) (domain.State, error) {
	ctx, span := u.tracer.Start(ctx, "RemapUnit.Execute",
		trace.WithAttributes(
			attribute.String("unit.type", "remap"),
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

	records, ok := domain.Get(state, domain.KeyNormalizedRecords)
	if !ok {
		return fail(missing(u.name, domain.KeyNormalizedRecords.Name()))
	}
	rows, ok := domain.Get(state, domain.KeyNormalizedDistrictRows)
	if !ok {
		return fail(missing(u.name, domain.KeyNormalizedDistrictRows.Name()))
	}

	current, historical, err := u.buildMaps(rows)
	if err != nil {
		return fail(fmt.Errorf("unit %s: %w", u.name, err))
	}

	years, ok := domain.Get(state, domain.KeyYears)
	if !ok || len(years) == 0 {
		years = recordYears(records)
	}
	if len(years) == 0 {
		return fail(fmt.Errorf("unit %s: %w", u.name, ErrNoYears))
	}

	townsByYear := make(map[int]map[domain.TownRef]bool)
	for _, r := range records {
		if townsByYear[r.Year] == nil {
			townsByYear[r.Year] = make(map[domain.TownRef]bool)
		}
		townsByYear[r.Year][r.TownRef()] = true
	}

	classes, err := runShards(ctx, u.config.MaxConcurrency, years,
		func(_ context.Context, year int) (domain.Classification, error) {
			hist, ok := historical[year]
			if !ok {
				hist = domain.NewDistrictMap("", year)
			}
			recorded := townsByYear[year]
			if recorded == nil {
				recorded = map[domain.TownRef]bool{}
			}
			return Classify(current, hist, recorded), nil
		})
	if err != nil {
		return fail(fmt.Errorf("unit %s: %w", u.name, err))
	}

	exact := 0
	for _, year := range years {
		c := classes[year]
		exact += len(c.ExactMatches)
		if _, ok := historical[year]; !ok {
			u.logger.Warn("no historical map for year, every district treated as changed",
				"unit", u.name, "year", year)
		}
		u.logger.Debug("classified districts", "unit", u.name, "year", year,
			"exact", len(c.ExactMatches), "changed", len(c.Changed), "no_data", len(c.NoData))
	}

	span.SetAttributes(
		attribute.Int("districts.current", len(current.Districts)),
		attribute.Int("maps.historical", len(historical)),
		attribute.Int("years", len(years)),
		attribute.Int("districts.exact_matches", exact),
		attribute.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	return state.WithMultiple(map[string]any{
		domain.KeyCurrentMap.Name():      current,
		domain.KeyHistoricalMaps.Name():  historical,
		domain.KeyClassifications.Name(): classes,
		domain.KeyYears.Name():           years,
	}), nil
}

// buildMaps splits the district rows into the current map and one map per
// historical year.
func (u *RemapUnit) buildMaps(rows []domain.DistrictRow) (domain.DistrictMap, map[int]domain.DistrictMap, error) {
	var currentRows []domain.DistrictRow
	histRows := make(map[int][]domain.DistrictRow)
	histNames := make(map[int]string)
	for _, r := range rows {
		isCurrent := r.Year == 0
		if u.config.CurrentMap != "" {
			isCurrent = r.Map == u.config.CurrentMap
		}
		if isCurrent {
			currentRows = append(currentRows, r)
			continue
		}
		histRows[r.Year] = append(histRows[r.Year], r)
		histNames[r.Year] = r.Map
	}
	if len(currentRows) == 0 {
		return domain.DistrictMap{}, nil, fmt.Errorf("%w: no rows for the current map", domain.ErrInvalidConfiguration)
	}

	name := u.config.CurrentMap
	if name == "" {
		name = currentRows[0].Map
	}
	current, err := BuildMap(name, 0, currentRows, nil)
	if err != nil {
		return domain.DistrictMap{}, nil, err
	}

	historical := make(map[int]domain.DistrictMap, len(histRows))
	for year, rs := range histRows {
		m, err := BuildMap(histNames[year], year, rs, nil)
		if err != nil {
			return domain.DistrictMap{}, nil, err
		}
		historical[year] = m
	}
	return current, historical, nil
}

// recordYears returns the distinct years present in records, ascending.
func recordYears(records []domain.VoteRecord) []int {
	seen := make(map[int]bool)
	for _, r := range records {
		seen[r.Year] = true
	}
	return sortedYears(seen)
}

// Validate checks if the unit is properly configured and ready for execution.
func (u *RemapUnit) Validate() error {
	if err := validate.Struct(u.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// NewRemapFromConfig creates a RemapUnit from a configuration map.
func NewRemapFromConfig(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error) {
	cfg := DefaultRemapConfig()
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return NewRemapUnit(id, cfg, logger)
}
