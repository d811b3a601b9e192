package units

import (
	"fmt"
	"math"

	"github.com/ahrav/go-redistrict/internal/domain"
)

// BandMode selects how a band converts a vote share into seats for the
// party it favors.
type BandMode string

// Supported band modes. s is the favored party's two-party share.
const (
	// ModeSweep awards round(seats*factor).
	ModeSweep BandMode = "sweep"

	// ModeBonus awards max(round(seats*s), round(seats*factor)).
	ModeBonus BandMode = "bonus"

	// ModeBonusTrunc awards max(floor(seats*factor), round(seats*s)).
	ModeBonusTrunc BandMode = "bonus_trunc"

	// ModeAllButOne awards max(seats-1, floor(seats*factor)).
	ModeAllButOne BandMode = "all_but_one"

	// ModeProportional gives R round(seats*r_share) and D the rest.
	ModeProportional BandMode = "proportional"

	// ModeProportionalMajority gives the party above one half
	// max(round(seats*s), ceil(seats/2)).
	ModeProportionalMajority BandMode = "proportional_majority"
)

// Named policy presets.
const (
	PolicyMajorityBonus = "majority_bonus"
	PolicyFullSweep     = "full_sweep"
	PolicySevenBand     = "seven_band"
	PolicyCustom        = "custom"
)

// Band is one row of a banded allocation table. Bands are evaluated top
// down and the first with r_share > Above applies; the last band is the
// catch-all and its Above is ignored.
type Band struct {
	Name   string   `yaml:"name" json:"name"`
	Above  float64  `yaml:"above" json:"above" validate:"min=-1,max=1"`
	Party  string   `yaml:"party" json:"party" validate:"omitempty,oneof=R D"`
	Mode   BandMode `yaml:"mode" json:"mode" validate:"required,oneof=sweep bonus bonus_trunc all_but_one proportional proportional_majority"`
	Factor float64  `yaml:"factor" json:"factor" validate:"min=0,max=1"`
}

// AllocationPolicy is a replaceable banding table plus the single-seat
// threshold.
type AllocationPolicy struct {
	Name string `yaml:"name" json:"name"`

	// SingleSeatThreshold is the r_share R must exceed to win a
	// single-member district.
	SingleSeatThreshold float64 `yaml:"single_seat_threshold" json:"single_seat_threshold" validate:"min=0,max=1"`

	Bands []Band `yaml:"bands" json:"bands" validate:"required,min=1,dive"`
}

// MajorityBonusPolicy returns the default table: near-sweep above 0.65,
// a 0.6 bonus floor above 0.55, proportional above 0.45, mirrored for D.
func MajorityBonusPolicy() AllocationPolicy {
	return AllocationPolicy{
		Name:                PolicyMajorityBonus,
		SingleSeatThreshold: 0.5,
		Bands: []Band{
			{Name: "r_near_sweep", Above: 0.65, Party: "R", Mode: ModeSweep, Factor: 0.9},
			{Name: "r_bonus", Above: 0.55, Party: "R", Mode: ModeBonus, Factor: 0.6},
			{Name: "proportional", Above: 0.45, Mode: ModeProportional},
			{Name: "d_bonus", Above: 0.35, Party: "D", Mode: ModeBonus, Factor: 0.6},
			{Name: "d_near_sweep", Above: -1, Party: "D", Mode: ModeSweep, Factor: 0.9},
		},
	}
}

// FullSweepPolicy awards every seat above 0.65 and gives the leading
// party a majority floor in the competitive band.
func FullSweepPolicy() AllocationPolicy {
	return AllocationPolicy{
		Name:                PolicyFullSweep,
		SingleSeatThreshold: 0.5,
		Bands: []Band{
			{Name: "r_sweep", Above: 0.65, Party: "R", Mode: ModeSweep, Factor: 1},
			{Name: "r_bonus", Above: 0.55, Party: "R", Mode: ModeBonusTrunc, Factor: 0.6},
			{Name: "competitive", Above: 0.45, Mode: ModeProportionalMajority},
			{Name: "d_bonus", Above: 0.35, Party: "D", Mode: ModeBonusTrunc, Factor: 0.6},
			{Name: "d_sweep", Above: -1, Party: "D", Mode: ModeSweep, Factor: 1},
		},
	}
}

// SevenBandPolicy uses finer breakpoints with an all-but-one band.
func SevenBandPolicy() AllocationPolicy {
	return AllocationPolicy{
		Name:                PolicySevenBand,
		SingleSeatThreshold: 0.5,
		Bands: []Band{
			{Name: "r_sweep", Above: 0.65, Party: "R", Mode: ModeSweep, Factor: 1},
			{Name: "r_all_but_one", Above: 0.58, Party: "R", Mode: ModeAllButOne, Factor: 0.75},
			{Name: "r_bonus", Above: 0.52, Party: "R", Mode: ModeBonusTrunc, Factor: 0.6},
			{Name: "proportional", Above: 0.48, Mode: ModeProportional},
			{Name: "d_bonus", Above: 0.42, Party: "D", Mode: ModeBonusTrunc, Factor: 0.6},
			{Name: "d_all_but_one", Above: 0.35, Party: "D", Mode: ModeAllButOne, Factor: 0.75},
			{Name: "d_sweep", Above: -1, Party: "D", Mode: ModeSweep, Factor: 1},
		},
	}
}

// PolicyByName returns a named preset.
func PolicyByName(name string) (AllocationPolicy, error) {
	switch name {
	case "", PolicyMajorityBonus:
		return MajorityBonusPolicy(), nil
	case PolicyFullSweep:
		return FullSweepPolicy(), nil
	case PolicySevenBand:
		return SevenBandPolicy(), nil
	}
	return AllocationPolicy{}, fmt.Errorf("%w: unknown allocation policy %q", domain.ErrInvalidConfiguration, name)
}

// Validate checks field ranges and that thresholds strictly descend.
func (p AllocationPolicy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("allocation policy %q: %w", p.Name, err)
	}
	for i, b := range p.Bands {
		if b.Party == "" && b.Mode != ModeProportional && b.Mode != ModeProportionalMajority {
			return fmt.Errorf("%w: band %d (%s) with mode %s needs a party",
				domain.ErrInvalidConfiguration, i, b.Name, b.Mode)
		}
		if i > 0 && i < len(p.Bands)-1 && b.Above >= p.Bands[i-1].Above {
			return fmt.Errorf("%w: band %d (%s) threshold %.3f does not descend",
				domain.ErrInvalidConfiguration, i, b.Name, b.Above)
		}
	}
	return nil
}

// roundHalfUp rounds half up as the allocation tables require.
func roundHalfUp(x float64) int { return domain.RoundHalfUp(x) }

// truncate mirrors integer truncation of a non-negative product.
func truncate(x float64) int { return int(math.Floor(x)) }

// Pick returns the band applying to rShare, with its index.
func (p AllocationPolicy) Pick(rShare float64) (Band, int) {
	for i, b := range p.Bands {
		if i == len(p.Bands)-1 || rShare > b.Above {
			return b, i
		}
	}
	return Band{}, -1
}

// RSeats returns the R seats the band awards for seats and rShare,
// clamped to [0, seats].
func (b Band) RSeats(seats int, rShare float64) int {
	share := rShare
	if b.Party == "D" {
		share = 1 - rShare
	}
	fs := float64(seats)

	var favored int
	switch b.Mode {
	case ModeSweep:
		favored = roundHalfUp(fs * b.Factor)
	case ModeBonus:
		favored = max(roundHalfUp(fs*share), roundHalfUp(fs*b.Factor))
	case ModeBonusTrunc:
		favored = max(truncate(fs*b.Factor), roundHalfUp(fs*share))
	case ModeAllButOne:
		favored = max(seats-1, truncate(fs*b.Factor))
	case ModeProportional:
		return clamp(roundHalfUp(fs*rShare), seats)
	case ModeProportionalMajority:
		majority := (seats + 1) / 2
		if rShare > 0.5 {
			return clamp(max(roundHalfUp(fs*rShare), majority), seats)
		}
		return seats - clamp(max(roundHalfUp(fs*(1-rShare)), majority), seats)
	}

	favored = clamp(favored, seats)
	if b.Party == "D" {
		return seats - favored
	}
	return favored
}

func clamp(v, seats int) int {
	return min(max(v, 0), seats)
}
