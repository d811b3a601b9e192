package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DistrictKey identifies a district within a map: a county plus a district
// number. Numbers are kept as strings since some maps use suffixes.
type DistrictKey struct {
	County string `json:"county" yaml:"county"`
	Number string `json:"number" yaml:"number"`
}

// String returns the "County-Number" form.
func (k DistrictKey) String() string {
	return k.County + "-" + k.Number
}

// IsZero reports whether the key is empty.
func (k DistrictKey) IsZero() bool { return k.County == "" && k.Number == "" }

// ParseDistrictKey parses the "County-Number" form. The number is the
// text after the last hyphen so counties containing hyphens still parse.
func ParseDistrictKey(s string) (DistrictKey, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return DistrictKey{}, fmt.Errorf("%w: %q", ErrInvalidDistrictKey, s)
	}
	return DistrictKey{County: strings.TrimSpace(s[:i]), Number: strings.TrimSpace(s[i+1:])}, nil
}

// CompareDistrictKeys orders keys by county, then numerically by number when
// both numbers are integers, falling back to string order.
func CompareDistrictKeys(a, b DistrictKey) int {
	if c := strings.Compare(a.County, b.County); c != 0 {
		return c
	}
	an, aerr := strconv.Atoi(a.Number)
	bn, berr := strconv.Atoi(b.Number)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(a.Number, b.Number)
}

// Less reports whether k sorts before other.
func (k DistrictKey) Less(other DistrictKey) bool {
	return CompareDistrictKeys(k, other) < 0
}

// SortKeys sorts keys in place and returns them.
func SortKeys(keys []DistrictKey) []DistrictKey {
	slices.SortFunc(keys, CompareDistrictKeys)
	return keys
}

// TownRef is a canonical town qualified by county. Town names repeat
// across counties, so joins always use both.
type TownRef struct {
	County string
	Town   string
}

// String returns "County/Town".
func (t TownRef) String() string { return t.County + "/" + t.Town }

// District is one district of a map.
type District struct {
	Key   DistrictKey
	Seats int
	// Towns holds canonical town names, sorted.
	Towns []string
}

// TownSet returns the district's towns as county-qualified references.
func (d District) TownSet() map[TownRef]struct{} {
	set := make(map[TownRef]struct{}, len(d.Towns))
	for _, t := range d.Towns {
		set[TownRef{County: d.Key.County, Town: t}] = struct{}{}
	}
	return set
}

// SameTowns reports whether both districts cover the same towns.
func (d District) SameTowns(other District) bool {
	return d.Key.County == other.Key.County && slices.Equal(d.Towns, other.Towns)
}

// DistrictMap is a named set of districts. Year is zero for the current map.
type DistrictMap struct {
	Name      string
	Year      int
	Districts map[DistrictKey]District
}

// NewDistrictMap returns an empty map ready for use.
func NewDistrictMap(name string, year int) DistrictMap {
	return DistrictMap{Name: name, Year: year, Districts: make(map[DistrictKey]District)}
}

// IsCurrent reports whether this is the target map.
func (m DistrictMap) IsCurrent() bool { return m.Year == 0 }

// Keys returns the district keys in sorted order.
func (m DistrictMap) Keys() []DistrictKey {
	keys := make([]DistrictKey, 0, len(m.Districts))
	for k := range m.Districts {
		keys = append(keys, k)
	}
	return SortKeys(keys)
}

// TownIndex returns the district each town belongs to.
func (m DistrictMap) TownIndex() map[TownRef]DistrictKey {
	idx := make(map[TownRef]DistrictKey)
	for key, d := range m.Districts {
		for _, t := range d.Towns {
			idx[TownRef{County: key.County, Town: t}] = key
		}
	}
	return idx
}

// Towns returns the known canonical towns of a county, sorted.
func (m DistrictMap) Towns(county string) []string {
	var towns []string
	for key, d := range m.Districts {
		if key.County == county {
			towns = append(towns, d.Towns...)
		}
	}
	slices.Sort(towns)
	return towns
}

// TotalSeats returns the sum of seats over all districts.
func (m DistrictMap) TotalSeats() int {
	total := 0
	for _, d := range m.Districts {
		total += d.Seats
	}
	return total
}

// DistrictRow is one raw row of a district map table. Map names the map
// the row belongs to; Year is zero for the current map.
type DistrictRow struct {
	Map   string
	Year  int
	Key   DistrictKey
	Seats int
	// Towns holds raw town names as they appear in the source table.
	Towns []string
}

// WinnerRecord is one row of the authoritative winners table.
type WinnerRecord struct {
	Year      int
	Key       DistrictKey
	Candidate string
	Party     Party
}
