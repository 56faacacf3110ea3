package pipeline

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Ingester fetches and stores new catalog events.
type Ingester interface {
	Fetch(ctx context.Context, q domain.CatalogQuery) (FetchResult, error)
}

// Dispatcher fans one event out to its subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) (domain.FanoutReport, error)
}

// PendingLister returns stored events that have not been processed yet.
type PendingLister interface {
	ListPending(ctx context.Context, limit int) ([]domain.Event, error)
}

// ReportPublisher hands finished cycle reports to downstream consumers.
type ReportPublisher interface {
	PublishReport(ctx context.Context, report domain.CycleReport) error
}

// SchedulerConfig controls the cycle period and the catalog window.
type SchedulerConfig struct {
	Interval     time.Duration
	Lookback     time.Duration
	Bounds       domain.Bounds
	MinMagnitude float64
	PendingBatch int
}

// Scheduler runs fetch-then-dispatch cycles on a fixed period. At most one
// cycle runs at a time; a trigger that arrives while a cycle is running is
// dropped.
type Scheduler struct {
	ingester   Ingester
	dispatcher Dispatcher
	pending    PendingLister
	publisher  ReportPublisher
	cfg        SchedulerConfig
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	running  atomic.Bool
	ready    atomic.Bool
	inflight sync.WaitGroup

	mu       sync.RWMutex
	last     *domain.CycleReport
	serveCtx context.Context
}

// NewScheduler creates a Scheduler. publisher may be nil.
func NewScheduler(i Ingester, d Dispatcher, p PendingLister, pub ReportPublisher, cfg SchedulerConfig, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		ingester:   i,
		dispatcher: d,
		pending:    p,
		publisher:  pub,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// CheckReadiness returns nil once at least one cycle has completed,
// successfully or not.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("scheduler has not completed a cycle yet")
	}
	return nil
}

// LastReport returns the most recent cycle report.
func (s *Scheduler) LastReport() (domain.CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return domain.CycleReport{}, false
	}
	return *s.last, true
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Serve runs a cycle immediately and then once per interval until ctx is
// cancelled. It waits for an in-flight cycle before returning.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "lookback", s.cfg.Lookback)
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)
	defer s.inflight.Wait()

	s.mu.Lock()
	s.serveCtx = ctx
	s.mu.Unlock()
	// Runs before Wait, so no Kick can add to inflight once Wait has begun.
	defer func() {
		s.mu.Lock()
		s.serveCtx = nil
		s.mu.Unlock()
	}()

	s.Trigger(ctx)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.Trigger(ctx)
		}
	}
}

// Trigger starts a cycle in the background. It returns false, and does
// nothing, if a cycle is already running.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.acquire() {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.running.Store(false)
		s.runCycle(ctx)
	}()
	return true
}

// Kick triggers a cycle bound to the Serve context rather than the caller's,
// for callers such as HTTP handlers whose context ends with the request. It
// returns false when Serve is not running or a cycle is in progress.
func (s *Scheduler) Kick() bool {
	// mu is held until the cycle is registered with inflight.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serveCtx == nil || s.serveCtx.Err() != nil {
		return false
	}
	return s.Trigger(s.serveCtx)
}

// RunCycle runs one cycle synchronously. It returns false without running if
// another cycle is in progress.
func (s *Scheduler) RunCycle(ctx context.Context) (domain.CycleReport, bool) {
	if !s.acquire() {
		return domain.CycleReport{}, false
	}
	defer s.running.Store(false)
	return s.runCycle(ctx), true
}

func (s *Scheduler) acquire() bool {
	if s.running.CompareAndSwap(false, true) {
		return true
	}
	s.metrics.CyclesDropped.Inc()
	s.logger.Warn("cycle already running, trigger dropped")
	return false
}

func (s *Scheduler) runCycle(ctx context.Context) domain.CycleReport {
	start := s.clock.Now()
	report := domain.CycleReport{
		ID:        uuid.NewString(),
		StartedAt: start.UTC(),
		Fanouts:   []domain.FanoutReport{},
	}
	logger := s.logger.With("cycle_id", report.ID)

	s.fetchAndDispatch(ctx, logger, &report)

	report.CompletedAt = s.clock.Now().UTC()
	s.finish(ctx, logger, report)
	return report
}

func (s *Scheduler) fetchAndDispatch(ctx context.Context, logger *slog.Logger, report *domain.CycleReport) {
	q := domain.CatalogQuery{
		Start:        report.StartedAt.Add(-s.cfg.Lookback),
		End:          report.StartedAt,
		Bounds:       s.cfg.Bounds,
		MinMagnitude: s.cfg.MinMagnitude,
	}

	res, err := s.ingester.Fetch(ctx, q)
	report.Ingested = len(res.Ingested)
	report.Duplicates = res.Duplicates
	report.Rejected = res.Rejected
	report.BelowFloor = res.BelowFloor
	if err != nil {
		report.Error = err.Error()
		logger.Error("cycle aborted: fetch failed", "error", err)
		return
	}

	pending, err := s.pending.ListPending(ctx, s.cfg.PendingBatch)
	if err != nil {
		report.Error = err.Error()
		logger.Error("cycle aborted: list pending events failed", "error", err)
		return
	}

	queue, recovered := mergePending(res.Ingested, pending)
	report.Recovered = recovered
	sortForDispatch(queue)

	for i, ev := range queue {
		if err := ctx.Err(); err != nil {
			report.Error = "cycle interrupted: " + err.Error()
			logger.Warn("cycle interrupted, remaining events stay pending", "remaining", len(queue)-i)
			return
		}
		fr, err := s.dispatcher.Dispatch(ctx, ev)
		if err != nil {
			report.EventErrors = append(report.EventErrors, domain.EventError{EventID: ev.ID, Error: err.Error()})
			logger.Error("dispatch failed", "event_id", ev.ID, "error", err)
			continue
		}
		report.Dispatched++
		report.Fanouts = append(report.Fanouts, fr)
	}
}

func (s *Scheduler) finish(ctx context.Context, logger *slog.Logger, report domain.CycleReport) {
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	s.ready.Store(true)

	outcome := report.Outcome()
	s.metrics.Cycles.WithLabelValues(outcome).Inc()
	s.metrics.CycleDuration.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())

	logger.Info("cycle complete",
		"outcome", outcome,
		"ingested", report.Ingested,
		"below_floor", report.BelowFloor,
		"recovered", report.Recovered,
		"dispatched", report.Dispatched,
		"event_errors", len(report.EventErrors),
	)

	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.publisher.PublishReport(pubCtx, report); err != nil {
		s.metrics.ReportPublishErrors.Inc()
		logger.Warn("publish cycle report failed", "error", err)
	}
}

// mergePending appends stored-but-unprocessed events that this cycle did not
// ingest itself, returning how many were added.
func mergePending(ingested, pending []domain.Event) ([]domain.Event, int) {
	queue := slices.Clone(ingested)
	have := make(map[string]bool, len(ingested))
	for _, ev := range ingested {
		have[ev.ID] = true
	}
	recovered := 0
	for _, ev := range pending {
		if have[ev.ID] {
			continue
		}
		have[ev.ID] = true
		queue = append(queue, ev)
		recovered++
	}
	return queue, recovered
}

// sortForDispatch orders events by ascending tier, then occurrence time, then ID.
func sortForDispatch(events []domain.Event) {
	slices.SortStableFunc(events, func(a, b domain.Event) int {
		if c := cmp.Compare(a.Tier(), b.Tier()); c != 0 {
			return c
		}
		if c := a.Time.Compare(b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
