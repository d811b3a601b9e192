package domain

import "strings"

// VoteRecord is one reported row of town-level returns.
// District is the historical district number the votes were cast in.
type VoteRecord struct {
	Year      int
	County    string
	District  string
	Town      string
	Candidate string
	Party     Party
	Votes     int64
	Source    Source
}

// HistoricalKey returns the key of the district the votes were cast in.
func (r VoteRecord) HistoricalKey() DistrictKey {
	return DistrictKey{County: r.County, Number: r.District}
}

// CandidateID returns a case- and whitespace-insensitive identity for the
// candidate, used when counting distinct candidates.
func (r VoteRecord) CandidateID() string {
	return CandidateID(r.Candidate)
}

// CandidateID normalizes a candidate name for identity comparisons.
func CandidateID(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// TownRef returns the county-qualified town of the record.
func (r VoteRecord) TownRef() TownRef {
	return TownRef{County: r.County, Town: r.Town}
}

// FilterYear returns the records cast in the given year.
func FilterYear(records []VoteRecord, year int) []VoteRecord {
	var out []VoteRecord
	for _, r := range records {
		if r.Year == year {
			out = append(out, r)
		}
	}
	return out
}
