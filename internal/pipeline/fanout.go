package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	"github.com/jonboulle/clockwork"
)

// EventLedger is the part of the event store the fanout engine needs.
type EventLedger interface {
	Get(ctx context.Context, id string) (domain.Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error)
}

// SubscriberDirectory is the part of the subscriber store the fanout engine needs.
type SubscriberDirectory interface {
	Get(ctx context.Context, addr string) (domain.Subscriber, error)
	ListActiveByPreferences(ctx context.Context, prefs []domain.Preference) ([]domain.Subscriber, error)
	TouchLastNotified(ctx context.Context, addr string, at time.Time) error
}

// FanoutConfig holds alerting policy and delivery limits.
type FanoutConfig struct {
	// AlertFloor is the minimum magnitude that is sent to subscribers.
	AlertFloor float64
	// MaxAge skips events that occurred longer ago than this. Zero disables it.
	MaxAge          time.Duration
	Concurrency     int
	DeliveryTimeout time.Duration
	Formatter       domain.AlertFormatter
}

// Fanout sends one event's alert to every matching subscriber and then marks
// the event processed.
type Fanout struct {
	events      EventLedger
	subscribers SubscriberDirectory
	gateway     domain.Gateway
	cfg         FanoutConfig
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewFanout creates a fanout engine.
func NewFanout(events EventLedger, subscribers SubscriberDirectory, gateway domain.Gateway, cfg FanoutConfig, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Fanout {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}
	return &Fanout{
		events:      events,
		subscribers: subscribers,
		gateway:     gateway,
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Dispatch alerts the subscribers whose preference accepts the event's tier.
//
// The processed flag is checked first, so calling Dispatch twice for the same
// event yields an empty report the second time. Events below the alert floor
// or older than MaxAge are marked processed without any attempt. Otherwise
// every matching subscriber gets exactly one attempt, and the event is marked
// processed once all attempts have finished, regardless of how many failed.
//
// An error is returned only when the stores cannot be read or written; in
// that case the event is left unprocessed.
func (f *Fanout) Dispatch(ctx context.Context, ev domain.Event) (domain.FanoutReport, error) {
	report := newReport(ev)
	if ev.Processed {
		return f.skipped(report, domain.SkipAlreadyProcessed), nil
	}

	current, err := f.events.Get(ctx, ev.ID)
	if err != nil {
		return report, fmt.Errorf("load event %s: %w", ev.ID, err)
	}
	if current.Processed {
		return f.skipped(report, domain.SkipAlreadyProcessed), nil
	}
	ev = current
	report = newReport(ev)

	if reason := f.skipReason(ev); reason != "" {
		return f.closeWithoutAlert(ctx, ev, report, reason)
	}

	subs, err := f.subscribers.ListActiveByPreferences(ctx, domain.EligiblePreferences(ev.Tier()))
	if err != nil {
		return report, fmt.Errorf("resolve recipients for %s: %w", ev.ID, err)
	}

	report.Attempts = f.deliver(ctx, f.logger.With("event_id", ev.ID), f.cfg.Formatter.Format(ev), subs)
	report.Succeeded, report.Failed = tally(report.Attempts)

	if _, err := f.events.MarkProcessed(ctx, ev.ID, f.clock.Now()); err != nil {
		return report, fmt.Errorf("mark %s processed: %w", ev.ID, err)
	}
	f.metrics.EventsDispatched.WithLabelValues("alerted").Inc()
	f.logger.Info("event dispatched",
		"event_id", ev.ID,
		"tier", ev.Tier().String(),
		"recipients", len(subs),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}

// Redeliver re-sends a dispatched event's alert to the given subscribers,
// typically the failures from an earlier report. It never changes the
// processed flag. The event must already be processed, and the alert floor,
// max age and preference table apply as they do for Dispatch: an event
// Dispatch would skip yields the same empty report, and unknown, inactive or
// ineligible addresses are dropped.
func (f *Fanout) Redeliver(ctx context.Context, eventID string, addresses []string) (domain.FanoutReport, error) {
	ev, err := f.events.Get(ctx, eventID)
	if err != nil {
		return domain.FanoutReport{}, err
	}
	if !ev.Processed {
		return domain.FanoutReport{}, fmt.Errorf("%w: %s", domain.ErrEventNotProcessed, eventID)
	}
	report := newReport(ev)
	report.Redelivery = true
	if reason := f.skipReason(ev); reason != "" {
		report.SkipReason = reason
		return report, nil
	}

	tier := ev.Tier()
	var subs []domain.Subscriber
	seen := make(map[string]bool, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true

		sub, err := f.subscribers.Get(ctx, addr)
		if errors.Is(err, domain.ErrSubscriberNotFound) || (err == nil && !sub.Active) {
			f.logger.Warn("redelivery skipped unknown or inactive subscriber",
				"event_id", eventID, "address", domain.MaskAddress(addr))
			continue
		}
		if err != nil {
			return report, fmt.Errorf("load subscriber: %w", err)
		}
		if !sub.Preference.Accepts(tier) {
			f.logger.Warn("redelivery skipped subscriber whose preference excludes the event",
				"event_id", eventID, "address", domain.MaskAddress(addr), "preference", sub.Preference)
			continue
		}
		subs = append(subs, sub)
	}

	report.Attempts = f.deliver(ctx, f.logger.With("event_id", ev.ID), f.cfg.Formatter.Format(ev), subs)
	report.Succeeded, report.Failed = tally(report.Attempts)
	f.logger.Info("event redelivered",
		"event_id", ev.ID,
		"requested", len(addresses),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}

// Broadcast sends an operator message to active subscribers, optionally
// narrowed by city and by the preferences that accept b.MinMagnitude. It
// returns domain.ErrNoRecipients when the filters match nobody.
func (f *Fanout) Broadcast(ctx context.Context, b domain.Broadcast) (domain.BroadcastReport, error) {
	report := domain.BroadcastReport{Attempts: []domain.DeliveryAttempt{}}
	msg := strings.TrimSpace(b.Message)
	if msg == "" {
		return report, domain.ErrEmptyMessage
	}

	prefs := domain.Preferences()
	if b.MinMagnitude != nil {
		prefs = domain.EligiblePreferences(domain.Classify(*b.MinMagnitude))
	}
	candidates, err := f.subscribers.ListActiveByPreferences(ctx, prefs)
	if err != nil {
		return report, fmt.Errorf("resolve broadcast recipients: %w", err)
	}

	city := strings.TrimSpace(b.City)
	subs := candidates[:0]
	for _, sub := range candidates {
		if city == "" || strings.EqualFold(sub.City, city) {
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return report, domain.ErrNoRecipients
	}

	report.Recipients = len(subs)
	report.Attempts = f.deliver(ctx, f.logger.With("broadcast", true), msg, subs)
	report.Succeeded, report.Failed = tally(report.Attempts)
	f.logger.Info("broadcast sent",
		"city", city,
		"recipients", report.Recipients,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}

// skipReason returns why ev must not be alerted, or "" when it may be.
func (f *Fanout) skipReason(ev domain.Event) string {
	switch {
	case ev.Magnitude < f.cfg.AlertFloor:
		return domain.SkipBelowAlertFloor
	case f.cfg.MaxAge > 0 && f.clock.Since(ev.Time) > f.cfg.MaxAge:
		return domain.SkipStale
	}
	return ""
}

func (f *Fanout) skipped(report domain.FanoutReport, reason string) domain.FanoutReport {
	report.SkipReason = reason
	f.metrics.EventsDispatched.WithLabelValues(reason).Inc()
	return report
}

func (f *Fanout) closeWithoutAlert(ctx context.Context, ev domain.Event, report domain.FanoutReport, reason string) (domain.FanoutReport, error) {
	if _, err := f.events.MarkProcessed(ctx, ev.ID, f.clock.Now()); err != nil {
		return report, fmt.Errorf("mark %s processed: %w", ev.ID, err)
	}
	f.logger.Debug("event closed without alert", "event_id", ev.ID, "magnitude", ev.Magnitude, "reason", reason)
	return f.skipped(report, reason), nil
}

// deliver sends body to every subscriber on a bounded worker pool and joins
// the results. Attempts ignore ctx cancellation and are bounded by
// DeliveryTimeout alone.
func (f *Fanout) deliver(ctx context.Context, logger *slog.Logger, body string, subs []domain.Subscriber) []domain.DeliveryAttempt {
	attempts := make([]domain.DeliveryAttempt, 0, len(subs))
	if len(subs) == 0 {
		return attempts
	}

	attemptCtx := context.WithoutCancel(ctx)

	jobs := make(chan domain.Subscriber)
	results := make(chan domain.DeliveryAttempt, len(subs))

	var wg sync.WaitGroup
	for range min(f.cfg.Concurrency, len(subs)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				results <- f.attempt(attemptCtx, logger, sub, body)
			}
		}()
	}

	for _, sub := range subs {
		jobs <- sub
	}
	close(jobs)
	wg.Wait()
	close(results)

	for a := range results {
		attempts = append(attempts, a)
	}
	slices.SortFunc(attempts, func(a, b domain.DeliveryAttempt) int {
		return strings.Compare(a.Address, b.Address)
	})
	return attempts
}

// attempt sends to one subscriber and records the contact time whatever the
// outcome. A failed contact-time write is logged and does not fail the attempt.
func (f *Fanout) attempt(ctx context.Context, logger *slog.Logger, sub domain.Subscriber, body string) domain.DeliveryAttempt {
	f.metrics.DeliveryInFlight.Inc()
	defer f.metrics.DeliveryInFlight.Dec()

	at := f.clock.Now().UTC()
	result := domain.DeliveryAttempt{Address: sub.Address, AttemptedAt: at}

	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.DeliveryTimeout)
	start := time.Now()
	receipt, err := f.gateway.Send(sendCtx, sub.Address, body)
	f.metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	cancel()

	if err != nil {
		result.Error = err.Error()
		f.metrics.Deliveries.WithLabelValues("failure").Inc()
		logger.Warn("delivery failed",
			"address", domain.MaskAddress(sub.Address),
			"error", err,
		)
	} else {
		result.Success = true
		result.Reference = receipt.Reference
		f.metrics.Deliveries.WithLabelValues("success").Inc()
	}

	if err := f.subscribers.TouchLastNotified(ctx, sub.Address, at); err != nil {
		logger.Error("update last notified failed",
			"address", domain.MaskAddress(sub.Address),
			"error", err,
		)
	}
	return result
}

func newReport(ev domain.Event) domain.FanoutReport {
	return domain.FanoutReport{
		EventID:   ev.ID,
		Magnitude: ev.Magnitude,
		Tier:      ev.Tier(),
		Attempts:  []domain.DeliveryAttempt{},
	}
}

func tally(attempts []domain.DeliveryAttempt) (succeeded, failed int) {
	for _, a := range attempts {
		if a.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}
