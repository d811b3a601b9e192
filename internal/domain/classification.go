package domain

// OverlapSource is the historical district chosen as the primary source
// of a changed current district.
type OverlapSource struct {
	Historical DistrictKey `json:"historical"`

	// SharedTowns is the absolute number of towns in common.
	SharedTowns int `json:"shared_towns"`

	// Ratio is the Jaccard ratio of the two town sets.
	Ratio float64 `json:"ratio"`
}

// Classification compares the current map to one historical map.
type Classification struct {
	Year int `json:"year"`

	// ExactMatches maps a current district to the historical district with
	// the identical town set and seat count.
	ExactMatches map[DistrictKey]DistrictKey `json:"exact_matches"`

	// Changed holds every current district that is not an exact match.
	Changed map[DistrictKey]bool `json:"changed"`

	// SeatChanges maps current districts whose towns are unchanged but
	// whose seat count differs.
	SeatChanges map[DistrictKey]DistrictKey `json:"seat_changes,omitempty"`

	// PrimarySources holds the best overlapping historical district for
	// changed districts with any overlap.
	PrimarySources map[DistrictKey]OverlapSource `json:"primary_sources,omitempty"`

	// NoData holds current districts with no overlap and no records.
	NoData map[DistrictKey]bool `json:"no_data,omitempty"`
}

// NewClassification returns an empty classification for year.
func NewClassification(year int) Classification {
	return Classification{
		Year:           year,
		ExactMatches:   make(map[DistrictKey]DistrictKey),
		Changed:        make(map[DistrictKey]bool),
		SeatChanges:    make(map[DistrictKey]DistrictKey),
		PrimarySources: make(map[DistrictKey]OverlapSource),
		NoData:         make(map[DistrictKey]bool),
	}
}

// IsExact reports whether key is an exact match and returns its
// historical counterpart.
func (c Classification) IsExact(key DistrictKey) (DistrictKey, bool) {
	h, ok := c.ExactMatches[key]
	return h, ok
}
