package domain

import (
	"fmt"
	"strings"
)

// Tier is a discrete severity classification derived from magnitude.
// Tiers are ordered: a larger value is more severe.
type Tier int

const (
	TierMinor Tier = iota
	TierModerate
	TierMajor
	TierSevere
)

var tierNames = [...]string{
	TierMinor:    "minor",
	TierModerate: "moderate",
	TierMajor:    "major",
	TierSevere:   "severe",
}

func (t Tier) String() string {
	if t < TierMinor || t > TierSevere {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText encodes the tier by name so stored records and reports stay readable.
func (t Tier) MarshalText() ([]byte, error) {
	if t < TierMinor || t > TierSevere {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(tierNames[t]), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	for i, name := range tierNames {
		if name == string(b) {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", b)
}

// Preference is a subscriber's stated severity preference: notify me for
// this tier and every more severe tier.
type Preference string

const (
	PreferenceAll         Preference = "all"
	PreferenceSignificant Preference = "significant"
	PreferenceMajor       Preference = "major"
	PreferenceSevere      Preference = "severe"
)

// severityTable is the only place magnitude thresholds and preference floors
// are defined. Rows are ordered from most to least severe; the last row has
// no lower bound so classification is total.
var severityTable = []struct {
	tier       Tier
	minMag     float64
	preference Preference
}{
	{TierSevere, 7.0, PreferenceSevere},
	{TierMajor, 6.0, PreferenceMajor},
	{TierModerate, 5.0, PreferenceSignificant},
	{TierMinor, 0, PreferenceAll},
}

// Classify maps a magnitude to its severity tier. It is defined for every
// float64, including negative magnitudes and NaN, which classify as minor.
func Classify(magnitude float64) Tier {
	last := len(severityTable) - 1
	for _, row := range severityTable[:last] {
		if magnitude >= row.minMag {
			return row.tier
		}
	}
	return severityTable[last].tier
}

// Preferences returns every defined preference, broadest first.
func Preferences() []Preference {
	out := make([]Preference, 0, len(severityTable))
	for i := len(severityTable) - 1; i >= 0; i-- {
		out = append(out, severityTable[i].preference)
	}
	return out
}

// ParsePreference normalizes and validates a preference value.
func ParsePreference(s string) (Preference, error) {
	p := Preference(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown preference %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the defined preferences.
func (p Preference) Valid() bool {
	_, ok := p.minTier()
	return ok
}

func (p Preference) minTier() (Tier, bool) {
	for _, row := range severityTable {
		if row.preference == p {
			return row.tier, true
		}
	}
	return 0, false
}

// Accepts reports whether a subscriber holding preference p should be
// notified of an event in tier t. Unknown preferences accept nothing.
func (p Preference) Accepts(t Tier) bool {
	floor, ok := p.minTier()
	return ok && t >= floor
}

// EligiblePreferences returns the preferences that accept tier t. It is the
// inverse of Accepts over the same table.
func EligiblePreferences(t Tier) []Preference {
	var out []Preference
	for _, p := range Preferences() {
		if p.Accepts(t) {
			out = append(out, p)
		}
	}
	return out
}

// AlertLevel is the colour code shown alongside an event, following the
// usual PAGER-style green/yellow/orange/red banding.
func AlertLevel(t Tier) string {
	switch t {
	case TierSevere:
		return "red"
	case TierMajor:
		return "orange"
	case TierModerate:
		return "yellow"
	default:
		return "green"
	}
}
