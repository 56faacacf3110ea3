package domain

import "time"

// DeliveryAttempt is the outcome of sending one event's alert to one subscriber.
type DeliveryAttempt struct {
	Address     string    `json:"address"`
	Success     bool      `json:"success"`
	Reference   string    `json:"reference,omitempty"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Reasons a dispatch returns without attempting delivery.
const (
	SkipAlreadyProcessed = "already_processed"
	SkipBelowAlertFloor  = "below_alert_floor"
	SkipStale            = "stale"
)

// FanoutReport aggregates the delivery attempts made for a single event.
// A report with no attempts and a SkipReason is the empty report.
type FanoutReport struct {
	EventID    string            `json:"event_id"`
	Magnitude  float64           `json:"magnitude"`
	Tier       Tier              `json:"tier"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Redelivery bool              `json:"redelivery,omitempty"`
	Attempts   []DeliveryAttempt `json:"attempts"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
}

// Failures returns the addresses whose attempt failed.
func (r FanoutReport) Failures() []string {
	var out []string
	for _, a := range r.Attempts {
		if !a.Success {
			out = append(out, a.Address)
		}
	}
	return out
}

// EventError records a dispatch that could not complete for one event.
type EventError struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

// CycleReport summarizes one scheduler cycle.
type CycleReport struct {
	ID          string         `json:"id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Ingested    int            `json:"ingested"`
	Duplicates  int            `json:"duplicates"`
	Rejected    int            `json:"rejected"`
	BelowFloor  int            `json:"below_floor"`
	Recovered   int            `json:"recovered"`
	Dispatched  int            `json:"dispatched"`
	Fanouts     []FanoutReport `json:"fanouts"`
	EventErrors []EventError   `json:"event_errors,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Outcome is "failed" when the cycle aborted, "partial" when some events
// could not be dispatched, and "ok" otherwise.
func (r CycleReport) Outcome() string {
	switch {
	case r.Error != "":
		return "failed"
	case len(r.EventErrors) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Broadcast is an operator message sent outside the event flow.
type Broadcast struct {
	Message string
	// City limits recipients to one city, compared case-insensitively.
	City string
	// MinMagnitude limits recipients to preferences that accept an event of
	// this magnitude. Nil selects every preference.
	MinMagnitude *float64
}

// BroadcastReport aggregates the attempts made for one broadcast.
type BroadcastReport struct {
	Recipients int               `json:"recipients"`
	Attempts   []DeliveryAttempt `json:"attempts"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
}
