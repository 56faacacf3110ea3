package usgs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerCatalog wraps a Catalog with a circuit breaker so a catalog outage
// fails cycles fast instead of holding each one for the full request timeout.
type BreakerCatalog struct {
	inner   domain.Catalog
	cb      *gobreaker.CircuitBreaker[[]domain.CandidateEvent]
	logger  *slog.Logger
	metrics *observability.Metrics
}

// BreakerSettings configures the catalog circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
}

// NewBreakerCatalog decorates inner with a circuit breaker.
func NewBreakerCatalog(inner domain.Catalog, s BreakerSettings, logger *slog.Logger, metrics *observability.Metrics) *BreakerCatalog {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 5 * time.Minute
	}

	b := &BreakerCatalog{inner: inner, logger: logger, metrics: metrics}
	metrics.CatalogBreakerState.Set(stateValue(gobreaker.StateClosed))

	b.cb = gobreaker.NewCircuitBreaker[[]domain.CandidateEvent](gobreaker.Settings{
		Name:        "usgs-catalog",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// Cancellation comes from shutdown, not from the catalog.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CatalogBreakerState.Set(stateValue(to))
		},
	})
	return b
}

// FetchEvents runs the inner fetch through the breaker.
func (b *BreakerCatalog) FetchEvents(ctx context.Context, q domain.CatalogQuery) ([]domain.CandidateEvent, error) {
	return b.cb.Execute(func() ([]domain.CandidateEvent, error) {
		return b.inner.FetchEvents(ctx, q)
	})
}

// State returns the breaker state name.
func (b *BreakerCatalog) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
