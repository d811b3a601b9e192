package domain

import "strings"

// Party is the folded party affiliation of a candidate.
type Party string

// Recognized parties. Every minor-party code folds into PartyOther.
const (
	PartyR     Party = "R"
	PartyD     Party = "D"
	PartyOther Party = "Other"
)

// ParseParty folds a raw party code into R, D, or Other.
func ParseParty(raw string) Party {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "r", "rep", "republican", "gop":
		return PartyR
	case "d", "dem", "democrat", "democratic":
		return PartyD
	default:
		return PartyOther
	}
}

// IsMajor reports whether p is R or D.
func (p Party) IsMajor() bool { return p == PartyR || p == PartyD }

// Source identifies which count a vote record came from.
type Source string

// Count sources, from least to most authoritative.
const (
	SourceRegular             Source = "regular"
	SourceRecount             Source = "recount"
	SourceCourtOrderedRecount Source = "court_ordered_recount"
)

// ParseSource maps a raw source label to a Source. Empty and unknown
// labels are treated as a regular count.
func ParseSource(raw string) Source {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "recount":
		return SourceRecount
	case "court_ordered_recount", "court_ordered", "court_recount":
		return SourceCourtOrderedRecount
	default:
		return SourceRegular
	}
}

// Rank orders sources by authority; higher wins.
func (s Source) Rank() int {
	switch s {
	case SourceCourtOrderedRecount:
		return 2
	case SourceRecount:
		return 1
	default:
		return 0
	}
}
