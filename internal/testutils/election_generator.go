// Package testutils provides utilities for testing, including synthetic
// election generators and in-memory table adapters. These components are
// intended for internal use within the project's test suites and are not
// part of the public API.
package testutils

import (
	"cmp"
	"context"
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"sync"

	"github.com/ahrav/go-redistrict/internal/domain"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// CurrentMapName is the map name used for generated current districts.
const CurrentMapName = "current"

// Election bundles the three input tables of one synthetic dataset.
type Election struct {
	Votes     []domain.VoteRecord
	Districts []domain.DistrictRow
	Winners   []domain.WinnerRecord
	Years     []int
}

// GeneratorConfig shapes a synthetic election.
type GeneratorConfig struct {
	Counties           []string
	DistrictsPerCounty int
	TownsPerDistrict   int
	MaxSeats           int
	Years              []int

	// RedistrictedBefore is the first year drawn on the current map.
	// Earlier years use a map with every town boundary shifted by one.
	RedistrictedBefore int

	// UncontestedRate is the probability that one party fields nobody.
	UncontestedRate float64
}

// DefaultGeneratorConfig returns a small multi-county, multi-year setup.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Counties:           []string{"Belknap", "Carroll", "Coos"},
		DistrictsPerCounty: 4,
		TownsPerDistrict:   3,
		MaxSeats:           4,
		Years:              []int{2016, 2018, 2020, 2022, 2024},
		RedistrictedBefore: 2022,
		UncontestedRate:    0.15,
	}
}

// GenerateElection builds a deterministic synthetic election for seed.
// Winners are the top vote-getters of each historical district, so the
// winners table always agrees with the declared seat counts.
func GenerateElection(cfg GeneratorConfig, seed int64) Election {
	rng := rand.New(rand.NewSource(seed))
	e := Election{Years: slices.Clone(cfg.Years)}

	type layout struct {
		key   domain.DistrictKey
		seats int
		towns []string
	}
	var current, shifted []layout

	for _, county := range cfg.Counties {
		n := cfg.DistrictsPerCounty * cfg.TownsPerDistrict
		towns := make([]string, n)
		for i := range towns {
			towns[i] = fmt.Sprintf("%s town %d", county, i+1)
		}
		for d := range cfg.DistrictsPerCounty {
			seats := 1 + rng.Intn(cfg.MaxSeats)
			lo := d * cfg.TownsPerDistrict
			current = append(current, layout{
				key:   domain.DistrictKey{County: county, Number: strconv.Itoa(d + 1)},
				seats: seats,
				towns: towns[lo : lo+cfg.TownsPerDistrict],
			})
			// Shift every boundary by one town; the first district
			// absorbs the wraparound town.
			var st []string
			if d == 0 {
				st = append(st, towns[n-1])
				st = append(st, towns[:cfg.TownsPerDistrict-1]...)
			} else {
				st = towns[lo-1 : lo+cfg.TownsPerDistrict-1]
			}
			shifted = append(shifted, layout{
				key:   domain.DistrictKey{County: county, Number: strconv.Itoa(d + 1)},
				seats: seats,
				towns: st,
			})
		}
	}

	for _, l := range current {
		e.Districts = append(e.Districts, domain.DistrictRow{
			Map: CurrentMapName, Key: l.key, Seats: l.seats, Towns: slices.Clone(l.towns),
		})
	}

	townLean := make(map[string]float64)
	for _, l := range current {
		base := 0.35 + rng.Float64()*0.3
		for _, t := range l.towns {
			townLean[t] = base + (rng.Float64()-0.5)*0.1
		}
	}

	for _, year := range cfg.Years {
		maps := current
		mapName := fmt.Sprintf("map-%d", year)
		if year < cfg.RedistrictedBefore {
			maps = shifted
		}
		tilt := (rng.Float64() - 0.5) * 0.1

		for _, l := range maps {
			e.Districts = append(e.Districts, domain.DistrictRow{
				Map: mapName, Year: year, Key: l.key, Seats: l.seats, Towns: slices.Clone(l.towns),
			})

			rc, dc := l.seats, l.seats
			if rng.Float64() < cfg.UncontestedRate {
				if rng.Intn(2) == 0 {
					rc = 0
				} else {
					dc = 0
				}
			}

			totals := make(map[string]int64)
			parties := make(map[string]domain.Party)
			for _, town := range l.towns {
				turnout := int64(400 + rng.Intn(1600))
				share := min(max(townLean[town]+tilt, 0.05), 0.95)
				for i := range rc {
					name := fmt.Sprintf("R %s %d", l.key, i+1)
					v := int64(float64(turnout) * share * (0.9 + rng.Float64()*0.2))
					e.Votes = append(e.Votes, vote(year, l.key, town, name, domain.PartyR, v))
					totals[name] += v
					parties[name] = domain.PartyR
				}
				for i := range dc {
					name := fmt.Sprintf("D %s %d", l.key, i+1)
					v := int64(float64(turnout) * (1 - share) * (0.9 + rng.Float64()*0.2))
					e.Votes = append(e.Votes, vote(year, l.key, town, name, domain.PartyD, v))
					totals[name] += v
					parties[name] = domain.PartyD
				}
			}

			names := make([]string, 0, len(totals))
			for n := range totals {
				names = append(names, n)
			}
			slices.SortFunc(names, func(a, b string) int {
				if c := cmp.Compare(totals[b], totals[a]); c != 0 {
					return c
				}
				return cmp.Compare(a, b)
			})
			for _, n := range names[:min(l.seats, len(names))] {
				e.Winners = append(e.Winners, domain.WinnerRecord{
					Year: year, Key: l.key, Candidate: n, Party: parties[n],
				})
			}
		}
	}
	return e
}

func vote(year int, key domain.DistrictKey, town, candidate string, p domain.Party, v int64) domain.VoteRecord {
	return domain.VoteRecord{
		Year:      year,
		County:    key.County,
		District:  key.Number,
		Town:      town,
		Candidate: candidate,
		Party:     p,
		Votes:     v,
		Source:    domain.SourceRegular,
	}
}

// MemoryTables is an in-memory ports.TableSource and ports.TableSink.
type MemoryTables struct {
	Election Election

	mu      sync.Mutex
	written []ports.Results
}

var (
	_ ports.TableSource = (*MemoryTables)(nil)
	_ ports.TableSink   = (*MemoryTables)(nil)
)

// NewMemoryTables serves e.
func NewMemoryTables(e Election) *MemoryTables {
	return &MemoryTables{Election: e}
}

// Votes implements ports.TableSource.
func (m *MemoryTables) Votes(ctx context.Context) ([]domain.VoteRecord, error) {
	return slices.Clone(m.Election.Votes), ctx.Err()
}

// Districts implements ports.TableSource.
func (m *MemoryTables) Districts(ctx context.Context) ([]domain.DistrictRow, error) {
	return slices.Clone(m.Election.Districts), ctx.Err()
}

// Winners implements ports.TableSource.
func (m *MemoryTables) Winners(ctx context.Context) ([]domain.WinnerRecord, error) {
	return slices.Clone(m.Election.Winners), ctx.Err()
}

// Write implements ports.TableSink.
func (m *MemoryTables) Write(ctx context.Context, r ports.Results) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, r)
	return nil
}

// Written returns every Results value passed to Write.
func (m *MemoryTables) Written() []ports.Results {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.written)
}
