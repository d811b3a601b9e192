package domain

import "fmt"

// AllocationRule names which decision rule produced an allocation.
type AllocationRule string

// Allocation rules in decision order.
const (
	RuleNoCandidates AllocationRule = "no_candidates"
	RuleUncontested  AllocationRule = "uncontested"
	RuleUnderfilled  AllocationRule = "underfilled"
	RuleSingleSeat   AllocationRule = "single_seat"
	RuleBanded       AllocationRule = "banded"
	RuleExactMatch   AllocationRule = "exact_match"
	RuleNoData       AllocationRule = "no_data"
	RuleFailed       AllocationRule = "failed"
)

// SeatAllocation is the (R, D, unallocated) outcome of one district in one
// year. Conservation holds unless Err is set.
type SeatAllocation struct {
	Key   DistrictKey `json:"district_key"`
	Year  int         `json:"year"`
	Seats int         `json:"seats"`

	RSeats      int `json:"r_seats"`
	DSeats      int `json:"d_seats"`
	Unallocated int `json:"unallocated"`

	// Rule is the decision rule that produced the result.
	Rule AllocationRule `json:"rule"`

	// Band is the band label used for banded allocations.
	Band string `json:"band,omitempty"`

	// RShare is the two-party R share the decision was based on.
	RShare float64 `json:"r_share"`

	// Err holds the message of a hard error that aborted this district/year.
	Err string `json:"error,omitempty"`
}

// Check reports seat conservation. A failed allocation never passes.
func (a SeatAllocation) Check() bool {
	return a.Err == "" && a.Seats > 0 && a.RSeats >= 0 && a.DSeats >= 0 && a.Unallocated >= 0 &&
		a.RSeats+a.DSeats+a.Unallocated == a.Seats
}

// Failed reports whether a hard error aborted this allocation.
func (a SeatAllocation) Failed() bool { return a.Err != "" }

// NoDataErr returns an error wrapping ErrNoData for an allocation left
// unallocated because the district had no records, and nil otherwise.
// A no-data allocation is not a failure.
func (a SeatAllocation) NoDataErr() error {
	if a.Rule != RuleNoData {
		return nil
	}
	return fmt.Errorf("district %s year %d: %w", a.Key, a.Year, ErrNoData)
}

// Winner returns the party holding a majority of the seats, or "" when
// neither does.
func (a SeatAllocation) Winner() Party {
	switch {
	case a.RSeats > a.DSeats:
		return PartyR
	case a.DSeats > a.RSeats:
		return PartyD
	}
	return ""
}

// AllocationFailure records a hard error for one district/year.
type AllocationFailure struct {
	Key     DistrictKey `json:"district_key"`
	Year    int         `json:"year"`
	Message string      `json:"message"`
}

// SeatAllocator converts a district aggregate into a seat allocation.
// Implementations must be pure: identical inputs give identical outputs.
type SeatAllocator interface {
	// Allocate returns the allocation of seats for agg.
	// The result must satisfy Check for every seats > 0.
	Allocate(agg DistrictAggregate, seats int) SeatAllocation
}

// AsError converts the failure to an error naming the district and year.
func (f AllocationFailure) AsError() error {
	return fmt.Errorf("district %s year %d: %s", f.Key, f.Year, f.Message)
}
