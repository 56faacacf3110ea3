package domain

import (
	"fmt"
	"strings"
	"time"
)

// AlertFormatter renders the text message sent for an event.
type AlertFormatter struct {
	Location *time.Location
	InfoURL  string
}

// Format renders the alert: magnitude to one decimal place, the place label,
// and the occurrence time in the formatter's local zone.
func (f AlertFormatter) Format(ev Event) string {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	place := ev.Place
	if place == "" {
		place = fmt.Sprintf("near %.2f, %.2f", ev.Geo.Lat, ev.Geo.Lon)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "EARTHQUAKE ALERT: Magnitude %.1f earthquake detected %s at %s.",
		ev.Magnitude, place, ev.Time.In(loc).Format("Jan 2, 3:04 PM"))
	b.WriteString(" Take protective measures if you are in the affected area. Stay indoors and away from windows.")
	if f.InfoURL != "" {
		b.WriteString(" More info at ")
		b.WriteString(f.InfoURL)
	}
	return b.String()
}
