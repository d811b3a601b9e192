package domain

import "slices"

// ProvenanceNote records a deterministic recount override.
type ProvenanceNote struct {
	Year      int         `json:"year"`
	Key       DistrictKey `json:"district_key"`
	Candidate string      `json:"candidate"`
	Kept      Source      `json:"kept"`
	Replaced  Source      `json:"replaced"`
	// ReplacedVotes is the total of the superseded rows.
	ReplacedVotes int64 `json:"replaced_votes"`
}

// UnmatchedTown is the diagnostic form of an UnmatchedTownError.
type UnmatchedTown struct {
	Year       int    `json:"year"`
	County     string `json:"county"`
	Town       string `json:"town"`
	Votes      int64  `json:"votes"`
	Suggestion string `json:"suggestion,omitempty"`
}

// AsError converts the diagnostic to its error form.
func (u UnmatchedTown) AsError() error {
	return &UnmatchedTownError{Year: u.Year, County: u.County, Town: u.Town, Votes: u.Votes, Suggestion: u.Suggestion}
}

// Diagnostics accumulates soft problems found during a run. None of them
// abort the batch.
type Diagnostics struct {
	Unmatched  []UnmatchedTown  `json:"unmatched,omitempty"`
	Provenance []ProvenanceNote `json:"provenance,omitempty"`

	// DroppedRows counts summary rows removed by normalization.
	DroppedRows int `json:"dropped_rows"`

	// LowCoverage lists "key/year" entries below the coverage threshold.
	LowCoverage []string `json:"low_coverage,omitempty"`
}

// Merge returns d with other's entries appended.
func (d Diagnostics) Merge(other Diagnostics) Diagnostics {
	return Diagnostics{
		Unmatched:   append(slices.Clone(d.Unmatched), other.Unmatched...),
		Provenance:  append(slices.Clone(d.Provenance), other.Provenance...),
		DroppedRows: d.DroppedRows + other.DroppedRows,
		LowCoverage: append(slices.Clone(d.LowCoverage), other.LowCoverage...),
	}
}

// ExcludedVotes sums the votes of unmatched records.
func (d Diagnostics) ExcludedVotes() int64 {
	var total int64
	for _, u := range d.Unmatched {
		total += u.Votes
	}
	return total
}
