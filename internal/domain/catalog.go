package domain

import (
	"context"
	"fmt"
	"time"
)

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Validate checks ordering and range of the box.
func (b Bounds) Validate() error {
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("bounds out of range: %+v", b)
	}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("bounds min must be below max: %+v", b)
	}
	return nil
}

// CatalogQuery selects events from the external catalog.
type CatalogQuery struct {
	Start        time.Time
	End          time.Time // zero means open-ended
	Bounds       Bounds
	MinMagnitude float64
}

// Catalog is the external seismic event source.
type Catalog interface {
	FetchEvents(ctx context.Context, q CatalogQuery) ([]CandidateEvent, error)
}

// Receipt is the gateway's acknowledgement of an accepted message.
type Receipt struct {
	Reference string
	Status    string
}

// Gateway delivers one message to one destination. A non-nil error is a
// failed delivery; the reason is the error text.
type Gateway interface {
	Send(ctx context.Context, to, body string) (Receipt, error)
}
