package units

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
)

// withCandidates builds an aggregate from per-candidate tallies.
func withCandidates(key domain.DistrictKey, year int, tallies ...domain.CandidateTally) domain.DistrictAggregate {
	agg := domain.DistrictAggregate{Key: key, Year: year, Candidates: tallies}
	for _, c := range tallies {
		switch c.Party {
		case domain.PartyR:
			agg.RVotes += c.Votes
			agg.RCandidates++
		case domain.PartyD:
			agg.DVotes += c.Votes
			agg.DCandidates++
		default:
			agg.OtherVotes += c.Votes
		}
	}
	agg.Coverage = domain.Coverage{TownsTotal: 1, TownsFound: 1}
	return agg
}

func repTally(name string, votes int64) domain.CandidateTally {
	return domain.CandidateTally{Name: name, Party: domain.PartyR, Votes: votes}
}

func demTally(name string, votes int64) domain.CandidateTally {
	return domain.CandidateTally{Name: name, Party: domain.PartyD, Votes: votes}
}

func TestBaseline_ExcludesUncontested(t *testing.T) {
	k1 := domain.DistrictKey{County: "Grafton", Number: "1"}
	k2 := domain.DistrictKey{County: "Grafton", Number: "2"}
	aggs := map[domain.DistrictKey]domain.DistrictAggregate{
		k1: withCandidates(k1, 2020, repTally("a", 600), demTally("b", 400)),
		k2: withCandidates(k2, 2020, repTally("c", 500)),
	}

	b := Baseline(2020, aggs, map[domain.DistrictKey]int{k1: 1, k2: 1}, CompareTopK)
	assert.InDelta(t, 20.0, b.Tilt, 1e-9)
	assert.Equal(t, 1, b.ContestedDistricts)
	assert.Equal(t, int64(600), b.ComparedRVotes)
	assert.Equal(t, int64(400), b.ComparedDVotes)
	assert.InDelta(t, 60.0, b.ExpectedRPct(), 1e-9)
}

func TestBaseline_TopK(t *testing.T) {
	key := domain.DistrictKey{County: "Merrimack", Number: "7"}
	aggs := map[domain.DistrictKey]domain.DistrictAggregate{
		key: withCandidates(key, 2018,
			repTally("r1", 500), demTally("d1", 450), repTally("r2", 400), demTally("d2", 300), demTally("d3", 100)),
	}
	seats := map[domain.DistrictKey]int{key: 3}

	top := Baseline(2018, aggs, seats, CompareTopK)
	assert.Equal(t, int64(900), top.ComparedRVotes)
	assert.Equal(t, int64(750), top.ComparedDVotes)
	assert.InDelta(t, 100.0*150/1650, top.Tilt, 1e-9)

	all := Baseline(2018, aggs, seats, CompareAllCandidates)
	assert.Equal(t, int64(850), all.ComparedDVotes)
	assert.InDelta(t, 100.0*50/1750, all.Tilt, 1e-9)
}

func TestBaseline_NoContested(t *testing.T) {
	key := domain.DistrictKey{County: "Sullivan", Number: "1"}
	aggs := map[domain.DistrictKey]domain.DistrictAggregate{
		key: withCandidates(key, 2016, repTally("a", 900)),
	}
	b := Baseline(2016, aggs, nil, CompareTopK)
	assert.Zero(t, b.Tilt)
	assert.Zero(t, b.ContestedDistricts)
	assert.InDelta(t, 50.0, b.ExpectedRPct(), 1e-9)
}

func TestContested(t *testing.T) {
	key := domain.DistrictKey{County: "Coos", Number: "1"}

	ok, rv, dv := Contested(withCandidates(key, 2020, repTally("a", 10)), 1, CompareTopK)
	assert.False(t, ok)
	assert.Zero(t, rv+dv)

	// Without candidate tallies the party totals are compared.
	agg := domain.DistrictAggregate{RVotes: 30, DVotes: 20, RCandidates: 2, DCandidates: 1}
	ok, rv, dv = Contested(agg, 2, CompareTopK)
	assert.True(t, ok)
	assert.Equal(t, int64(30), rv)
	assert.Equal(t, int64(20), dv)
}

func TestBaselineUnit_Execute(t *testing.T) {
	k1 := domain.DistrictKey{County: "Grafton", Number: "1"}
	current := domain.NewDistrictMap("current", 0)
	current.Districts[k1] = domain.District{Key: k1, Seats: 1, Towns: []string{"a"}}
	hist := domain.NewDistrictMap("map-2020", 2020)
	hist.Districts[k1] = domain.District{Key: k1, Seats: 1, Towns: []string{"a"}}

	currentAggs := map[int]map[domain.DistrictKey]domain.DistrictAggregate{
		2020: {k1: withCandidates(k1, 2020, repTally("a", 700), demTally("b", 300))},
		2022: {k1: withCandidates(k1, 2022, repTally("a", 400), demTally("b", 600))},
	}
	histAggs := map[int]map[domain.DistrictKey]domain.DistrictAggregate{
		2020: {k1: withCandidates(k1, 2020, repTally("a", 600), demTally("b", 400))},
	}

	state := domain.NewState()
	state = domain.With(state, domain.KeyYears, []int{2020, 2022})
	state = domain.With(state, domain.KeyCurrentMap, current)
	state = domain.With(state, domain.KeyHistoricalMaps, map[int]domain.DistrictMap{2020: hist})
	state = domain.With(state, domain.KeyCurrentAggregates, currentAggs)
	state = domain.With(state, domain.KeyHistoricalAggregates, histAggs)

	t.Run("historical source falls back to current", func(t *testing.T) {
		unit, err := NewBaselineUnit("baseline", DefaultBaselineConfig(), logging.Nop())
		require.NoError(t, err)

		out, err := unit.Execute(context.Background(), state)
		require.NoError(t, err)
		baselines, ok := domain.Get(out, domain.KeyBaselines)
		require.True(t, ok)
		assert.InDelta(t, 20.0, baselines[2020].Tilt, 1e-9)
		assert.InDelta(t, -20.0, baselines[2022].Tilt, 1e-9)
	})

	t.Run("current source", func(t *testing.T) {
		cfg := DefaultBaselineConfig()
		cfg.Source = ModeCurrent
		unit, err := NewBaselineUnit("baseline", cfg, logging.Nop())
		require.NoError(t, err)

		out, err := unit.Execute(context.Background(), state)
		require.NoError(t, err)
		baselines, _ := domain.Get(out, domain.KeyBaselines)
		assert.InDelta(t, 40.0, baselines[2020].Tilt, 1e-9)
	})
}

func TestNewBaselineFromConfig(t *testing.T) {
	unit, err := NewBaselineFromConfig("baseline", map[string]any{"comparison": "all_candidates"}, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, CompareAllCandidates, unit.(*BaselineUnit).config.Comparison)

	_, err = NewBaselineFromConfig("baseline", map[string]any{"comparison": "top_three"}, logging.Nop())
	assert.Error(t, err)

	_, err = NewBaselineFromConfig("", nil, logging.Nop())
	assert.ErrorIs(t, err, ErrEmptyUnitName)
}
