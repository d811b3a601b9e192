package domain

// CandidateTally is one candidate's total within a district after
// recount overrides.
type CandidateTally struct {
	// Name is the candidate name as first reported.
	Name string `json:"name"`

	// Party is the folded party of the candidate.
	Party Party `json:"party"`

	// Votes is the candidate's total across the district's towns.
	Votes int64 `json:"votes"`
}

// Coverage records how well a district's towns were covered by the vote
// records for a year. Callers use it to detect low-coverage aggregations.
type Coverage struct {
	// TownsTotal is the number of towns in the district.
	TownsTotal int `json:"towns_total"`

	// TownsFound is the number of those towns that had at least one record.
	TownsFound int `json:"towns_found"`

	// MissingTowns lists district towns with no records for the year.
	MissingTowns []string `json:"missing_towns,omitempty"`

	// NoData is set when none of the district's towns had records.
	NoData bool `json:"no_data"`
}

// Ratio returns TownsFound/TownsTotal, or 0 for an empty district.
func (c Coverage) Ratio() float64 {
	if c.TownsTotal == 0 {
		return 0
	}
	return float64(c.TownsFound) / float64(c.TownsTotal)
}

// LowCoverage reports whether the found ratio is below threshold.
func (c Coverage) LowCoverage(threshold float64) bool {
	return c.NoData || c.Ratio() < threshold
}

// DistrictAggregate holds the per-party totals of one district in one year.
// It is always rebuilt from vote records and a district map.
type DistrictAggregate struct {
	Key  DistrictKey `json:"district_key"`
	Year int         `json:"year"`

	RVotes     int64 `json:"r_votes"`
	DVotes     int64 `json:"d_votes"`
	OtherVotes int64 `json:"other_votes"`

	// RCandidates and DCandidates count distinct candidate names.
	RCandidates int `json:"r_candidates"`
	DCandidates int `json:"d_candidates"`

	// Candidates holds per-candidate tallies sorted by votes descending.
	Candidates []CandidateTally `json:"candidates,omitempty"`

	Coverage Coverage `json:"coverage"`
}

// TotalVotes returns the sum over all parties.
func (a DistrictAggregate) TotalVotes() int64 {
	return a.RVotes + a.DVotes + a.OtherVotes
}

// TwoPartyShare returns the R share of the two-party vote, 0.5 with no votes.
func (a DistrictAggregate) TwoPartyShare() float64 {
	return Share(a.RVotes, a.DVotes)
}

// TopVotes returns the summed votes of the k best candidates of party p.
func (a DistrictAggregate) TopVotes(p Party, k int) int64 {
	var sum int64
	n := 0
	for _, c := range a.Candidates {
		if n >= k {
			break
		}
		if c.Party == p {
			sum += c.Votes
			n++
		}
	}
	return sum
}

// CandidateCount returns the number of distinct candidates of party p.
func (a DistrictAggregate) CandidateCount(p Party) int {
	switch p {
	case PartyR:
		return a.RCandidates
	case PartyD:
		return a.DCandidates
	}
	return 0
}

// YearBaseline is the statewide contested-only partisan tilt of one year.
type YearBaseline struct {
	Year int `json:"year"`

	// Tilt is R% minus D% among compared votes, in [-100, 100].
	Tilt float64 `json:"tilt"`

	RPct float64 `json:"r_pct"`
	DPct float64 `json:"d_pct"`

	ContestedDistricts int   `json:"contested_districts"`
	ComparedRVotes     int64 `json:"compared_r_votes"`
	ComparedDVotes     int64 `json:"compared_d_votes"`
}

// ExpectedRPct returns the R percentage a perfectly average district
// would have produced in this year.
func (b YearBaseline) ExpectedRPct() float64 {
	return 50 + b.Tilt/2
}
