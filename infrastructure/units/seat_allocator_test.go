package units

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/internal/domain"
)

var testKey = domain.DistrictKey{County: "Coos", Number: "1"}

// twoParty builds a covered aggregate with the given totals and counts.
func twoParty(r, d int64, rc, dc int) domain.DistrictAggregate {
	return domain.DistrictAggregate{
		Key:         testKey,
		Year:        2022,
		RVotes:      r,
		DVotes:      d,
		RCandidates: rc,
		DCandidates: dc,
		Coverage:    domain.Coverage{TownsTotal: 1, TownsFound: 1},
	}
}

func mustAllocator(t *testing.T, p AllocationPolicy, capAtCandidates bool) *SeatAllocator {
	t.Helper()
	a, err := NewSeatAllocator(p, capAtCandidates)
	require.NoError(t, err)
	return a
}

func TestSeatAllocator_Allocate(t *testing.T) {
	tests := []struct {
		name   string
		agg    domain.DistrictAggregate
		seats  int
		wantR  int
		wantD  int
		wantU  int
		rule   domain.AllocationRule
		band   string
		policy AllocationPolicy
	}{
		{
			name:  "three seats two versus two with a 60 percent share",
			agg:   twoParty(1200, 800, 2, 2),
			seats: 3, wantR: 2, wantD: 1,
			rule: domain.RuleBanded, band: "r_bonus",
		},
		{
			name:  "single seat with only an R candidate",
			agg:   twoParty(500, 0, 1, 0),
			seats: 1, wantR: 1,
			rule: domain.RuleUncontested,
		},
		{
			name:  "four seats one versus one",
			agg:   twoParty(500, 400, 1, 1),
			seats: 4, wantR: 1, wantD: 1, wantU: 2,
			rule: domain.RuleUnderfilled,
		},
		{
			name:  "no candidates from either party",
			agg:   twoParty(0, 0, 0, 0),
			seats: 3, wantU: 3,
			rule: domain.RuleNoCandidates,
		},
		{
			name:  "uncontested D with fewer candidates than seats",
			agg:   twoParty(0, 900, 0, 2),
			seats: 5, wantD: 2, wantU: 3,
			rule: domain.RuleUncontested,
		},
		{
			name:  "R near sweep",
			agg:   twoParty(7000, 3000, 10, 10),
			seats: 10, wantR: 9, wantD: 1,
			rule: domain.RuleBanded, band: "r_near_sweep",
		},
		{
			name:  "D bonus band mirrors R",
			agg:   twoParty(4000, 6000, 10, 10),
			seats: 10, wantR: 4, wantD: 6,
			rule: domain.RuleBanded, band: "d_bonus",
		},
		{
			name:  "D near sweep",
			agg:   twoParty(2000, 8000, 10, 10),
			seats: 10, wantR: 1, wantD: 9,
			rule: domain.RuleBanded, band: "d_near_sweep",
		},
		{
			name:  "even split is proportional",
			agg:   twoParty(500, 500, 4, 4),
			seats: 4, wantR: 2, wantD: 2,
			rule: domain.RuleBanded, band: "proportional",
		},
		{
			name:  "boundary share resolves to the lower band",
			agg:   twoParty(650, 350, 10, 10),
			seats: 10, wantR: 7, wantD: 3,
			rule: domain.RuleBanded, band: "r_bonus",
		},
		{
			name:  "single seat exact tie goes to D",
			agg:   twoParty(500, 500, 1, 1),
			seats: 1, wantD: 1,
			rule: domain.RuleSingleSeat,
		},
		{
			name:  "single seat R majority",
			agg:   twoParty(501, 499, 2, 1),
			seats: 1, wantR: 1,
			rule: domain.RuleSingleSeat,
		},
		{
			name:  "surplus seats pass to the other party",
			agg:   twoParty(7000, 3000, 1, 3),
			seats: 3, wantR: 1, wantD: 2,
			rule: domain.RuleBanded, band: "r_near_sweep",
		},
		{
			name:   "seven band all but one",
			agg:    twoParty(600, 400, 4, 4),
			seats:  4, wantR: 3, wantD: 1,
			rule:   domain.RuleBanded, band: "r_all_but_one",
			policy: SevenBandPolicy(),
		},
		{
			name:   "full sweep competitive majority floor",
			agg:    twoParty(520, 480, 5, 5),
			seats:  5, wantR: 3, wantD: 2,
			rule:   domain.RuleBanded, band: "competitive",
			policy: FullSweepPolicy(),
		},
		{
			name:   "full sweep takes every seat",
			agg:    twoParty(700, 300, 4, 4),
			seats:  4, wantR: 4,
			rule:   domain.RuleBanded, band: "r_sweep",
			policy: FullSweepPolicy(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := tt.policy
			if policy.Bands == nil {
				policy = MajorityBonusPolicy()
			}
			a := mustAllocator(t, policy, true)

			got := a.Allocate(tt.agg, tt.seats)
			assert.Equal(t, tt.wantR, got.RSeats, "r seats")
			assert.Equal(t, tt.wantD, got.DSeats, "d seats")
			assert.Equal(t, tt.wantU, got.Unallocated, "unallocated")
			assert.Equal(t, tt.rule, got.Rule)
			assert.Equal(t, tt.band, got.Band)
			assert.True(t, got.Check())
		})
	}
}

func TestSeatAllocator_NoCap(t *testing.T) {
	a := mustAllocator(t, MajorityBonusPolicy(), false)
	got := a.Allocate(twoParty(7000, 3000, 1, 3), 3)
	assert.Equal(t, 3, got.RSeats)
	assert.Equal(t, 0, got.DSeats)
}

func TestSeatAllocator_NoData(t *testing.T) {
	a := mustAllocator(t, MajorityBonusPolicy(), true)
	agg := twoParty(0, 0, 0, 0)
	agg.Coverage = domain.Coverage{TownsTotal: 3, NoData: true}

	got := a.Allocate(agg, 2)
	assert.Equal(t, domain.RuleNoData, got.Rule)
	assert.Equal(t, 2, got.Unallocated)
	assert.True(t, got.Check())
}

func TestSeatAllocator_InvalidSeats(t *testing.T) {
	a := mustAllocator(t, MajorityBonusPolicy(), true)
	got := a.Allocate(twoParty(10, 10, 1, 1), 0)
	assert.True(t, got.Failed())
	assert.False(t, got.Check())
}

func TestSeatAllocator_Conservation(t *testing.T) {
	for _, policy := range []AllocationPolicy{MajorityBonusPolicy(), FullSweepPolicy(), SevenBandPolicy()} {
		for _, capped := range []bool{true, false} {
			a := mustAllocator(t, policy, capped)
			for seats := 1; seats <= 8; seats++ {
				for rc := 0; rc <= 9; rc++ {
					for dc := 0; dc <= 9; dc++ {
						for r := int64(0); r <= 1000; r += 50 {
							agg := twoParty(r, 1000-r, rc, dc)
							got := a.Allocate(agg, seats)
							label := fmt.Sprintf("%s cap=%v seats=%d rc=%d dc=%d r=%d", policy.Name, capped, seats, rc, dc, r)
							require.True(t, got.Check(), label)
							if capped {
								require.LessOrEqual(t, got.RSeats, rc, label)
								require.LessOrEqual(t, got.DSeats, dc, label)
							}
						}
					}
				}
			}
		}
	}
}

func TestSeatAllocator_SingleSeatMonotone(t *testing.T) {
	a := mustAllocator(t, MajorityBonusPolicy(), true)
	prev := 0
	for r := int64(0); r <= 1000; r += 10 {
		got := a.Allocate(twoParty(r, 1000-r, 1, 1), 1)
		assert.GreaterOrEqual(t, got.RSeats, prev, "r=%d", r)
		prev = got.RSeats
	}
	assert.Equal(t, 1, prev)
}

func TestSeatAllocator_MultiSeatMonotone(t *testing.T) {
	for _, policy := range []AllocationPolicy{MajorityBonusPolicy(), FullSweepPolicy(), SevenBandPolicy()} {
		a := mustAllocator(t, policy, true)
		for seats := 2; seats <= 8; seats++ {
			prev := 0
			for r := int64(0); r <= 1000; r += 5 {
				got := a.Allocate(twoParty(r, 1000-r, seats, seats), seats)
				require.GreaterOrEqual(t, got.RSeats, prev, "%s seats=%d r=%d", policy.Name, seats, r)
				prev = got.RSeats
			}
		}
	}
}

func TestAllocationPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  AllocationPolicy
		wantErr bool
	}{
		{name: "majority bonus", policy: MajorityBonusPolicy()},
		{name: "full sweep", policy: FullSweepPolicy()},
		{name: "seven band", policy: SevenBandPolicy()},
		{
			name: "ascending thresholds",
			policy: AllocationPolicy{Name: "bad", SingleSeatThreshold: 0.5, Bands: []Band{
				{Name: "a", Above: 0.4, Party: "R", Mode: ModeSweep, Factor: 1},
				{Name: "b", Above: 0.6, Party: "R", Mode: ModeSweep, Factor: 1},
				{Name: "c", Above: -1, Party: "D", Mode: ModeSweep, Factor: 1},
			}},
			wantErr: true,
		},
		{
			name: "factor out of range",
			policy: AllocationPolicy{Name: "bad", SingleSeatThreshold: 0.5, Bands: []Band{
				{Name: "a", Above: 0.5, Party: "R", Mode: ModeSweep, Factor: 1.5},
				{Name: "b", Above: -1, Party: "D", Mode: ModeSweep, Factor: 1},
			}},
			wantErr: true,
		},
		{
			name: "sweep without a party",
			policy: AllocationPolicy{Name: "bad", SingleSeatThreshold: 0.5, Bands: []Band{
				{Name: "a", Above: 0.5, Mode: ModeSweep, Factor: 1},
				{Name: "b", Above: -1, Party: "D", Mode: ModeSweep, Factor: 1},
			}},
			wantErr: true,
		},
		{
			name:    "no bands",
			policy:  AllocationPolicy{Name: "empty", SingleSeatThreshold: 0.5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("")
	require.NoError(t, err)
	assert.Equal(t, PolicyMajorityBonus, p.Name)

	_, err = PolicyByName("dhondt")
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestNewAllocateFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{name: "defaults", config: nil},
		{name: "preset", config: map[string]any{"policy": "seven_band"}},
		{
			name: "custom bands",
			config: map[string]any{
				"policy": "custom",
				"bands": []map[string]any{
					{"name": "r", "above": 0.5, "party": "R", "mode": "sweep", "factor": 1.0},
					{"name": "d", "above": -1, "party": "D", "mode": "sweep", "factor": 1.0},
				},
			},
		},
		{name: "custom without bands", config: map[string]any{"policy": "custom"}, wantErr: "validation failed"},
		{name: "unknown field", config: map[string]any{"polcy": "seven_band"}, wantErr: "check for typos"},
		{name: "unknown policy", config: map[string]any{"policy": "dhondt"}, wantErr: "validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := NewAllocateFromConfig("allocate", tt.config, logging.Nop())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "allocate", unit.Name())
			assert.NoError(t, unit.Validate())
		})
	}
}

func TestAllocateUnit_Execute(t *testing.T) {
	exact := domain.DistrictKey{County: "Coos", Number: "1"}
	changed := domain.DistrictKey{County: "Coos", Number: "2"}
	empty := domain.DistrictKey{County: "Coos", Number: "3"}
	broken := domain.DistrictKey{County: "Coos", Number: "4"}

	current := domain.NewDistrictMap("current", 0)
	current.Districts[exact] = domain.District{Key: exact, Seats: 2, Towns: []string{"a", "b"}}
	current.Districts[changed] = domain.District{Key: changed, Seats: 3, Towns: []string{"c"}}
	current.Districts[empty] = domain.District{Key: empty, Seats: 1, Towns: []string{"z"}}
	current.Districts[broken] = domain.District{Key: broken, Seats: 2, Towns: []string{"d"}}

	class := domain.NewClassification(2022)
	class.ExactMatches[exact] = exact
	class.ExactMatches[broken] = broken
	class.Changed[changed] = true
	class.Changed[empty] = true
	class.NoData[empty] = true

	aggs := map[domain.DistrictKey]domain.DistrictAggregate{
		exact:   twoParty(100, 900, 2, 2),
		changed: twoParty(1200, 800, 2, 2),
		broken:  twoParty(100, 100, 2, 2),
	}
	for k, a := range aggs {
		a.Key = k
		aggs[k] = a
	}

	winners := []domain.WinnerRecord{
		{Year: 2022, Key: exact, Candidate: "a", Party: domain.PartyR},
		{Year: 2022, Key: exact, Candidate: "b", Party: domain.PartyR},
		{Year: 2022, Key: broken, Candidate: "c", Party: domain.PartyD},
	}

	state := domain.NewState()
	state = domain.With(state, domain.KeyYears, []int{2022})
	state = domain.With(state, domain.KeyCurrentMap, current)
	state = domain.With(state, domain.KeyCurrentAggregates, map[int]map[domain.DistrictKey]domain.DistrictAggregate{2022: aggs})
	state = domain.With(state, domain.KeyClassifications, map[int]domain.Classification{2022: class})
	state = domain.With(state, domain.KeyWinners, winners)

	unit, err := NewAllocateUnit("allocate", DefaultAllocateConfig(), logging.Nop())
	require.NoError(t, err)

	out, err := unit.Execute(context.Background(), state)
	require.NoError(t, err)

	allocs, ok := domain.Get(out, domain.KeyAllocations)
	require.True(t, ok)
	year := allocs[2022]
	require.Len(t, year, 4)

	// Exact match copies the winners table even though votes favor D.
	assert.Equal(t, domain.RuleExactMatch, year[exact].Rule)
	assert.Equal(t, 2, year[exact].RSeats)

	assert.Equal(t, domain.RuleBanded, year[changed].Rule)
	assert.Equal(t, 2, year[changed].RSeats)
	assert.Equal(t, 1, year[changed].DSeats)

	assert.Equal(t, domain.RuleNoData, year[empty].Rule)
	assert.Equal(t, 1, year[empty].Unallocated)

	assert.Equal(t, domain.RuleFailed, year[broken].Rule)
	assert.False(t, year[broken].Check())

	failures, ok := domain.Get(out, domain.KeyAllocationFailures)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, broken, failures[0].Key)
	assert.Contains(t, failures[0].Message, "winners")
}

func TestAllocateUnit_HistoricalSeatMismatch(t *testing.T) {
	changed := domain.DistrictKey{County: "Belknap", Number: "1"}
	steady := domain.DistrictKey{County: "Belknap", Number: "2"}

	current := domain.NewDistrictMap("current", 0)
	current.Districts[changed] = domain.District{Key: changed, Seats: 3, Towns: []string{"alton", "gilford", "gilmanton"}}
	current.Districts[steady] = domain.District{Key: steady, Seats: 1, Towns: []string{"laconia"}}

	hist := domain.NewDistrictMap("2012", 2020)
	hist.Districts[changed] = domain.District{Key: changed, Seats: 2, Towns: []string{"alton", "gilford"}}
	hist.Districts[steady] = domain.District{Key: steady, Seats: 1, Towns: []string{"laconia"}}

	class := domain.NewClassification(2020)
	class.Changed[changed] = true
	class.PrimarySources[changed] = domain.OverlapSource{Historical: changed, SharedTowns: 2, Ratio: 2.0 / 3}
	class.ExactMatches[steady] = steady

	agg := twoParty(1200, 800, 3, 3)
	agg.Key, agg.Year = changed, 2020

	state := domain.NewState()
	state = domain.With(state, domain.KeyYears, []int{2020})
	state = domain.With(state, domain.KeyCurrentMap, current)
	state = domain.With(state, domain.KeyHistoricalMaps, map[int]domain.DistrictMap{2020: hist})
	state = domain.With(state, domain.KeyCurrentAggregates, map[int]map[domain.DistrictKey]domain.DistrictAggregate{2020: {changed: agg}})
	state = domain.With(state, domain.KeyClassifications, map[int]domain.Classification{2020: class})
	state = domain.With(state, domain.KeyWinners, []domain.WinnerRecord{
		{Year: 2020, Key: changed, Candidate: "a", Party: domain.PartyR},
		{Year: 2020, Key: changed, Candidate: "b", Party: domain.PartyR},
		{Year: 2020, Key: changed, Candidate: "c", Party: domain.PartyD},
		{Year: 2020, Key: steady, Candidate: "d", Party: domain.PartyD},
	})

	unit, err := NewAllocateUnit("allocate", DefaultAllocateConfig(), logging.Nop())
	require.NoError(t, err)
	out, err := unit.Execute(context.Background(), state)
	require.NoError(t, err, "a mismatch fails one district/year, not the batch")

	failures, _ := domain.Get(out, domain.KeyAllocationFailures)
	require.Len(t, failures, 1)
	assert.Equal(t, changed, failures[0].Key)
	assert.Equal(t, 2020, failures[0].Year)
	assert.Contains(t, failures[0].Message, "declares 2 seats but winners table lists 3")

	allocs, _ := domain.Get(out, domain.KeyAllocations)
	assert.Equal(t, domain.RuleBanded, allocs[2020][changed].Rule)
	assert.Equal(t, domain.RuleExactMatch, allocs[2020][steady].Rule)
	assert.Equal(t, 1, allocs[2020][steady].DSeats)
}

func TestAllocateUnit_ExactMatchesDisabled(t *testing.T) {
	key := domain.DistrictKey{County: "Coos", Number: "1"}
	current := domain.NewDistrictMap("current", 0)
	current.Districts[key] = domain.District{Key: key, Seats: 1, Towns: []string{"a"}}
	class := domain.NewClassification(2022)
	class.ExactMatches[key] = key
	agg := twoParty(100, 900, 1, 1)

	state := domain.NewState()
	state = domain.With(state, domain.KeyYears, []int{2022})
	state = domain.With(state, domain.KeyCurrentMap, current)
	state = domain.With(state, domain.KeyCurrentAggregates, map[int]map[domain.DistrictKey]domain.DistrictAggregate{2022: {key: agg}})
	state = domain.With(state, domain.KeyClassifications, map[int]domain.Classification{2022: class})
	state = domain.With(state, domain.KeyWinners, []domain.WinnerRecord{{Year: 2022, Key: key, Party: domain.PartyR}})

	cfg := DefaultAllocateConfig()
	cfg.UseExactMatches = false
	unit, err := NewAllocateUnit("allocate", cfg, logging.Nop())
	require.NoError(t, err)

	out, err := unit.Execute(context.Background(), state)
	require.NoError(t, err)
	allocs, _ := domain.Get(out, domain.KeyAllocations)
	assert.Equal(t, domain.RuleSingleSeat, allocs[2022][key].Rule)
	assert.Equal(t, 1, allocs[2022][key].DSeats)
}

func TestAllocateUnit_MissingInput(t *testing.T) {
	unit, err := NewAllocateUnit("allocate", DefaultAllocateConfig(), logging.Nop())
	require.NoError(t, err)

	_, err = unit.Execute(context.Background(), domain.With(domain.NewState(), domain.KeyYears, []int{2022}))
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = unit.Execute(context.Background(), domain.NewState())
	assert.ErrorIs(t, err, ErrNoYears)
}
