package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Geo is a WGS-84 point plus hypocentre depth in kilometres.
type Geo struct {
	Lon   float64 `json:"lon"`
	Lat   float64 `json:"lat"`
	Depth float64 `json:"depth_km"`
}

// Event is one seismic occurrence as stored by the service. The catalog ID is
// the dedup key and never changes once stored.
type Event struct {
	ID          string     `json:"id"`
	Magnitude   float64    `json:"magnitude"`
	Place       string     `json:"place"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Geo         Geo        `json:"geo"`
	Time        time.Time  `json:"time"`
	Processed   bool       `json:"processed"`
	IngestedAt  time.Time  `json:"ingested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Tier is derived from Magnitude on every call so it can never drift from it.
func (e Event) Tier() Tier {
	return Classify(e.Magnitude)
}

// CandidateEvent is a catalog record before validation. Pointer fields are nil
// when the catalog omitted them.
type CandidateEvent struct {
	ID        string
	Magnitude *float64
	Place     string
	Title     string
	URL       string
	Time      *time.Time
	Lon       *float64
	Lat       *float64
	Depth     *float64
}

// ErrMalformedCandidate marks a catalog record that cannot become an Event.
var ErrMalformedCandidate = errors.New("malformed catalog record")

// NewEvent validates a candidate and builds an unprocessed Event from it.
// Records missing an ID, magnitude, time or any coordinate are rejected.
func NewEvent(c CandidateEvent, ingestedAt time.Time) (Event, error) {
	var missing []string
	if strings.TrimSpace(c.ID) == "" {
		missing = append(missing, "id")
	}
	if !finite(c.Magnitude) {
		missing = append(missing, "magnitude")
	}
	if c.Time == nil || c.Time.IsZero() {
		missing = append(missing, "time")
	}
	if !finite(c.Lon) {
		missing = append(missing, "longitude")
	}
	if !finite(c.Lat) {
		missing = append(missing, "latitude")
	}
	if !finite(c.Depth) {
		missing = append(missing, "depth")
	}
	if len(missing) > 0 {
		return Event{}, fmt.Errorf("%w %q: missing %s", ErrMalformedCandidate, c.ID, strings.Join(missing, ", "))
	}

	ev := Event{
		ID:         c.ID,
		Magnitude:  *c.Magnitude,
		Place:      strings.TrimSpace(c.Place),
		Title:      strings.TrimSpace(c.Title),
		URL:        c.URL,
		Geo:        Geo{Lon: *c.Lon, Lat: *c.Lat, Depth: *c.Depth},
		Time:       c.Time.UTC(),
		IngestedAt: ingestedAt.UTC(),
	}
	if ev.Title == "" {
		ev.Title = fmt.Sprintf("M %.1f - %s", ev.Magnitude, ev.Place)
	}
	return ev, nil
}

func finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
