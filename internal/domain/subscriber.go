package domain

import "time"

// Subscriber is one notification target. Address is the business key and is
// stored in E.164 form.
type Subscriber struct {
	Address      string     `json:"address" validate:"required,e164"`
	Name         string     `json:"name" validate:"required,max=100"`
	Email        string     `json:"email,omitempty" validate:"omitempty,email"`
	City         string     `json:"city" validate:"required,max=100"`
	Preference   Preference `json:"preference" validate:"required,oneof=all significant major severe"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastNotified *time.Time `json:"last_notified,omitempty"`
}

// MaskAddress hides all but the last four digits of an address for logging.
func MaskAddress(addr string) string {
	if len(addr) <= 4 {
		return "****"
	}
	return "****" + addr[len(addr)-4:]
}

// CityCount is the number of active subscribers in one city.
type CityCount struct {
	City  string `json:"city"`
	Count int    `json:"count"`
}

// SubscriberStats summarizes the active subscriber base.
type SubscriberStats struct {
	Active           int                `json:"active"`
	ByPreference     map[Preference]int `json:"by_preference"`
	ByCity           []CityCount        `json:"by_city"`
	RecentlyNotified int                `json:"recently_notified"`
}
