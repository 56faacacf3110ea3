package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	"github.com/jonboulle/clockwork"
)

// EventWriter is the part of the event store the fetcher needs.
type EventWriter interface {
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, ev domain.Event) error
}

// FetchResult describes what one fetch did with the catalog's records.
type FetchResult struct {
	Ingested   []domain.Event
	Duplicates int
	Rejected   int
	BelowFloor int
}

// Fetcher pulls events from the catalog and stores the ones not seen before.
type Fetcher struct {
	catalog domain.Catalog
	events  EventWriter
	seen    *seenCache
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewFetcher creates a Fetcher. seenCacheSize bounds the in-memory set of
// IDs known to be stored.
func NewFetcher(catalog domain.Catalog, events EventWriter, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, seenCacheSize int) *Fetcher {
	return &Fetcher{
		catalog: catalog,
		events:  events,
		seen:    newSeenCache(seenCacheSize),
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Fetch queries the catalog once and stores every new, well-formed record at
// or above q.MinMagnitude. A catalog failure returns an error before anything
// is written. A store failure stops the fetch; events already stored by it
// stay unprocessed and are picked up as pending work later.
func (f *Fetcher) Fetch(ctx context.Context, q domain.CatalogQuery) (FetchResult, error) {
	var res FetchResult

	candidates, err := f.catalog.FetchEvents(ctx, q)
	if err != nil {
		return res, fmt.Errorf("fetch catalog: %w", err)
	}

	now := f.clock.Now()
	for _, c := range candidates {
		if c.Magnitude != nil && *c.Magnitude < q.MinMagnitude {
			res.BelowFloor++
			f.metrics.CandidatesSkipped.WithLabelValues("below_floor").Inc()
			continue
		}
		if c.ID != "" && f.seen.contains(c.ID) {
			f.metrics.SeenCache.WithLabelValues("hit").Inc()
			res.Duplicates++
			f.metrics.CandidatesSkipped.WithLabelValues("duplicate").Inc()
			continue
		}

		ev, err := domain.NewEvent(c, now)
		if err != nil {
			f.logger.Warn("skipping malformed catalog record", "error", err, "event_id", c.ID)
			res.Rejected++
			f.metrics.CandidatesSkipped.WithLabelValues("malformed").Inc()
			continue
		}
		f.metrics.SeenCache.WithLabelValues("miss").Inc()

		inserted, err := f.insertNew(ctx, ev)
		if err != nil {
			return res, err
		}
		f.seen.add(ev.ID)
		if !inserted {
			res.Duplicates++
			f.metrics.CandidatesSkipped.WithLabelValues("duplicate").Inc()
			continue
		}

		f.metrics.EventsIngested.Inc()
		f.logger.Info("event ingested",
			"event_id", ev.ID,
			"magnitude", ev.Magnitude,
			"tier", ev.Tier().String(),
			"place", ev.Place,
		)
		res.Ingested = append(res.Ingested, ev)
	}
	return res, nil
}

// insertNew stores ev unless its ID is already present.
func (f *Fetcher) insertNew(ctx context.Context, ev domain.Event) (bool, error) {
	exists, err := f.events.Exists(ctx, ev.ID)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if exists {
		return false, nil
	}
	if err := f.events.Insert(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrEventExists) {
			return false, nil
		}
		return false, fmt.Errorf("store event %s: %w", ev.ID, err)
	}
	return true, nil
}
