package store

import (
	"strings"

	"github.com/ahrav/go-redistrict/internal/domain"
)

const listSeparator = ";"

// AggregateRow is one district/year vote aggregate.
type AggregateRow struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"size:64;index:idx_aggregates_run_key"`
	Year         int    `gorm:"index:idx_aggregates_run_key"`
	DistrictKey  string `gorm:"index:idx_aggregates_run_key"`
	County       string
	District     string
	RVotes       int64
	DVotes       int64
	OtherVotes   int64
	RCandidates  int
	DCandidates  int
	RShare       float64
	TownsTotal   int
	TownsFound   int
	NoData       bool
	MissingTowns string
}

func (AggregateRow) TableName() string { return "aggregates" }

// AllocationRow is one district/year seat allocation.
type AllocationRow struct {
	ID              uint   `gorm:"primaryKey"`
	RunID           string `gorm:"size:64;index:idx_allocations_run_key"`
	Year            int    `gorm:"index:idx_allocations_run_key"`
	DistrictKey     string `gorm:"index:idx_allocations_run_key"`
	County          string
	District        string
	Seats           int
	RSeats          int
	DSeats          int
	Unallocated     int
	Rule            string
	Band            string
	RShare          float64
	AllocationCheck bool
	Error           string
}

func (AllocationRow) TableName() string { return "allocations" }

// BaselineRow is one year's statewide baseline.
type BaselineRow struct {
	ID                 uint   `gorm:"primaryKey"`
	RunID              string `gorm:"size:64;index"`
	Year               int
	Tilt               float64
	RPct               float64
	DPct               float64
	ContestedDistricts int
	ComparedRVotes     int64
	ComparedDVotes     int64
}

func (BaselineRow) TableName() string { return "baselines" }

// PviRow is one current district's partisan lean summary.
type PviRow struct {
	ID                 uint   `gorm:"primaryKey"`
	RunID              string `gorm:"size:64;index:idx_pvi_run_key"`
	DistrictKey        string `gorm:"index:idx_pvi_run_key"`
	County             string
	District           string
	Seats              int
	PviScore           float64
	PviLabel           string
	ContestedYears     int
	ElectionsAnalyzed  int
	IsCompetitive      bool
	CompetitiveReasons string
	LowConfidence      bool
	AvgSwing           float64
	MaxSwing           float64
	IsCrossover        bool
	RatingNeutral      string
	RatingDWave        string
	RatingRWave        string
}

func (PviRow) TableName() string { return "pvi" }

func models() []any {
	return []any{&AggregateRow{}, &AllocationRow{}, &BaselineRow{}, &PviRow{}}
}

func aggregateRows(runID string, in []domain.DistrictAggregate) []AggregateRow {
	out := make([]AggregateRow, 0, len(in))
	for _, a := range in {
		out = append(out, AggregateRow{
			RunID:        runID,
			Year:         a.Year,
			DistrictKey:  a.Key.String(),
			County:       a.Key.County,
			District:     a.Key.Number,
			RVotes:       a.RVotes,
			DVotes:       a.DVotes,
			OtherVotes:   a.OtherVotes,
			RCandidates:  a.RCandidates,
			DCandidates:  a.DCandidates,
			RShare:       a.TwoPartyShare(),
			TownsTotal:   a.Coverage.TownsTotal,
			TownsFound:   a.Coverage.TownsFound,
			NoData:       a.Coverage.NoData,
			MissingTowns: strings.Join(a.Coverage.MissingTowns, listSeparator),
		})
	}
	return out
}

func allocationRows(runID string, in []domain.SeatAllocation) []AllocationRow {
	out := make([]AllocationRow, 0, len(in))
	for _, a := range in {
		out = append(out, AllocationRow{
			RunID:           runID,
			Year:            a.Year,
			DistrictKey:     a.Key.String(),
			County:          a.Key.County,
			District:        a.Key.Number,
			Seats:           a.Seats,
			RSeats:          a.RSeats,
			DSeats:          a.DSeats,
			Unallocated:     a.Unallocated,
			Rule:            string(a.Rule),
			Band:            a.Band,
			RShare:          a.RShare,
			AllocationCheck: a.Check(),
			Error:           a.Err,
		})
	}
	return out
}

func baselineRows(runID string, in []domain.YearBaseline) []BaselineRow {
	out := make([]BaselineRow, 0, len(in))
	for _, b := range in {
		out = append(out, BaselineRow{
			RunID:              runID,
			Year:               b.Year,
			Tilt:               b.Tilt,
			RPct:               b.RPct,
			DPct:               b.DPct,
			ContestedDistricts: b.ContestedDistricts,
			ComparedRVotes:     b.ComparedRVotes,
			ComparedDVotes:     b.ComparedDVotes,
		})
	}
	return out
}

func pviRows(runID string, in []domain.PviRecord) []PviRow {
	out := make([]PviRow, 0, len(in))
	for _, r := range in {
		out = append(out, PviRow{
			RunID:              runID,
			DistrictKey:        r.Key.String(),
			County:             r.Key.County,
			District:           r.Key.Number,
			Seats:              r.Seats,
			PviScore:           r.Lean,
			PviLabel:           r.Label,
			ContestedYears:     r.ContestedYears,
			ElectionsAnalyzed:  r.ElectionsAnalyzed,
			IsCompetitive:      r.IsCompetitive,
			CompetitiveReasons: strings.Join(r.CompetitiveReasons, listSeparator),
			LowConfidence:      r.LowConfidence,
			AvgSwing:           r.AvgSwing,
			MaxSwing:           r.MaxSwing,
			IsCrossover:        r.IsCrossover,
			RatingNeutral:      r.Ratings.Neutral,
			RatingDWave:        r.Ratings.DWave,
			RatingRWave:        r.Ratings.RWave,
		})
	}
	return out
}
