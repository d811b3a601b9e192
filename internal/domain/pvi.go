package domain

import (
	"fmt"
	"math"
)

// Competitiveness reasons reported in PviRecord.CompetitiveReasons.
const (
	ReasonCloseMargin          = "close_margin"
	ReasonVolatile             = "volatile"
	ReasonCrossover            = "crossover"
	ReasonEnvironmentSensitive = "environment_sensitive"
)

// Ratings holds the race rating of a district under three statewide
// environments.
type Ratings struct {
	Neutral string `json:"neutral"`
	DWave   string `json:"d_wave"`
	RWave   string `json:"r_wave"`
}

// YearDetail is the per-year breakdown of a PVI record.
type YearDetail struct {
	Year       int   `json:"year"`
	RVotes     int64 `json:"r_votes"`
	DVotes     int64 `json:"d_votes"`
	OtherVotes int64 `json:"other_votes"`

	// RPct is the R share of the compared two-party vote, in percent.
	RPct float64 `json:"r_pct"`

	// Margin is R% minus D% of all votes cast.
	Margin float64 `json:"margin"`

	Contested    bool    `json:"contested"`
	ExpectedRPct float64 `json:"expected_r_pct"`
	Performance  float64 `json:"performance"`

	// Winner is the party that took the majority of seats, if any.
	Winner Party `json:"winner,omitempty"`

	// Imputed is set for uncontested years given an estimated result.
	Imputed     bool    `json:"imputed"`
	ImputedRPct float64 `json:"imputed_r_pct,omitempty"`
}

// PviRecord is the normalized partisan lean of one current district.
type PviRecord struct {
	Key   DistrictKey `json:"district_key"`
	Seats int         `json:"seats"`

	// Lean is positive for R-leaning districts.
	Lean  float64 `json:"pvi_score"`
	Label string  `json:"pvi_label"`

	ContestedYears    int `json:"contested_years"`
	ElectionsAnalyzed int `json:"elections_analyzed"`

	IsCompetitive      bool     `json:"is_competitive"`
	CompetitiveReasons []string `json:"competitive_reasons,omitempty"`

	// LowConfidence is set when the lean falls back to raw share.
	LowConfidence bool `json:"low_confidence"`

	AvgSwing    float64 `json:"avg_swing"`
	MaxSwing    float64 `json:"max_swing"`
	IsCrossover bool    `json:"is_crossover"`

	Ratings Ratings      `json:"ratings"`
	Years   []YearDetail `json:"years,omitempty"`
}

// NoDataErr returns an error wrapping ErrNoData when no election year had
// records for the district, and nil otherwise.
func (r PviRecord) NoDataErr() error {
	if r.ElectionsAnalyzed > 0 {
		return nil
	}
	return fmt.Errorf("district %s: %w", r.Key, ErrNoData)
}

// RoundHalfUp rounds x to the nearest integer, halves away from negative
// infinity.
func RoundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

// FormatLabel renders a lean as "R+n", "D+n" or "EVEN" where n is |lean|
// rounded half up. Non-finite leans render as "EVEN".
func FormatLabel(lean float64) string {
	if math.IsNaN(lean) || math.IsInf(lean, 0) {
		return "EVEN"
	}
	n := RoundHalfUp(math.Abs(lean))
	switch {
	case lean > 0:
		return fmt.Sprintf("R+%d", n)
	case lean < 0:
		return fmt.Sprintf("D+%d", n)
	}
	return "EVEN"
}
