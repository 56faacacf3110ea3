package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIngester struct {
	mu      sync.Mutex
	results []pipeline.FetchResult
	err     error
	calls   int
	queries []domain.CatalogQuery
}

func (s *stubIngester) Fetch(_ context.Context, q domain.CatalogQuery) (pipeline.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	i := s.calls
	s.calls++
	if s.err != nil {
		return pipeline.FetchResult{}, s.err
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return pipeline.FetchResult{}, nil
}

func (s *stubIngester) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingDispatcher struct {
	mu      sync.Mutex
	order   []string
	failFor map[string]error
	block   chan struct{}
	started chan struct{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev domain.Event) (domain.FanoutReport, error) {
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, ev.ID)
	if err := d.failFor[ev.ID]; err != nil {
		return domain.FanoutReport{}, err
	}
	return domain.FanoutReport{EventID: ev.ID, Tier: ev.Tier(), Attempts: []domain.DeliveryAttempt{}}, nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

type stubPending struct {
	events []domain.Event
	err    error
	limit  int
}

func (p *stubPending) ListPending(_ context.Context, limit int) ([]domain.Event, error) {
	p.limit = limit
	return p.events, p.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	reports []domain.CycleReport
	err     error
}

func (p *recordingPublisher) PublishReport(_ context.Context, r domain.CycleReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, r)
	return p.err
}

func testSchedulerConfig() pipeline.SchedulerConfig {
	return pipeline.SchedulerConfig{
		Interval:     time.Hour,
		Lookback:     7 * 24 * time.Hour,
		Bounds:       testBounds,
		MinMagnitude: 3.0,
		PendingBatch: 50,
	}
}

func newTestScheduler(i pipeline.Ingester, d pipeline.Dispatcher, p pipeline.PendingLister, pub pipeline.ReportPublisher) *pipeline.Scheduler {
	return pipeline.NewScheduler(i, d, p, pub, testSchedulerConfig(), fakeClock(), discardLogger(), newTestMetrics())
}

func TestScheduler_RunCycle_OrdersBySeverityThenTime(t *testing.T) {
	ingested := []domain.Event{
		event("severe-early", 7.2, 50),
		event("minor-late", 4.2, 5),
		event("major", 6.4, 30),
		event("minor-early", 4.0, 40),
	}
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: ingested, Duplicates: 2, Rejected: 1, BelowFloor: 3}}}
	disp := &recordingDispatcher{}
	s := newTestScheduler(ing, disp, &stubPending{}, nil)

	report, ran := s.RunCycle(context.Background())
	require.True(t, ran)

	want := []string{"minor-early", "minor-late", "major", "severe-early"}
	if diff := cmp.Diff(want, disp.dispatched()); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 4, report.Ingested)
	assert.Equal(t, 2, report.Duplicates)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 3, report.BelowFloor)
	assert.Equal(t, 4, report.Dispatched)
	assert.Len(t, report.Fanouts, 4)
	assert.Equal(t, "ok", report.Outcome())
	assert.NotEmpty(t, report.ID)
}

func TestScheduler_RunCycle_QueryWindow(t *testing.T) {
	ing := &stubIngester{}
	s := newTestScheduler(ing, &recordingDispatcher{}, &stubPending{}, nil)

	_, ran := s.RunCycle(context.Background())
	require.True(t, ran)

	require.Len(t, ing.queries, 1)
	q := ing.queries[0]
	assert.True(t, q.End.Equal(testNow))
	assert.True(t, q.Start.Equal(testNow.Add(-7*24*time.Hour)))
	assert.Equal(t, testBounds, q.Bounds)
	assert.Equal(t, 3.0, q.MinMagnitude)
}

func TestScheduler_RunCycle_FetchFailureAborts(t *testing.T) {
	ing := &stubIngester{err: errors.New("catalog API error: status 503")}
	disp := &recordingDispatcher{}
	pending := &stubPending{events: []domain.Event{event("leftover", 5.0, 10)}}
	s := newTestScheduler(ing, disp, pending, nil)

	report, ran := s.RunCycle(context.Background())
	require.True(t, ran)

	assert.Equal(t, "failed", report.Outcome())
	assert.Contains(t, report.Error, "503")
	assert.Empty(t, disp.dispatched(), "no dispatch after a failed fetch")
	require.NoError(t, s.CheckReadiness(context.Background()), "a failed cycle still counts as a completed cycle")
}

func TestScheduler_RunCycle_PendingFailureAborts(t *testing.T) {
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: []domain.Event{event("new", 5.0, 5)}}}}
	disp := &recordingDispatcher{}
	s := newTestScheduler(ing, disp, &stubPending{err: errStoreDown}, nil)

	report, _ := s.RunCycle(context.Background())
	assert.Equal(t, "failed", report.Outcome())
	assert.Empty(t, disp.dispatched())
}

func TestScheduler_RunCycle_IsolatesDispatchErrors(t *testing.T) {
	ingested := []domain.Event{event("a", 4.5, 30), event("b", 4.6, 20), event("c", 4.7, 10)}
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: ingested}}}
	disp := &recordingDispatcher{failFor: map[string]error{"b": errStoreDown}}
	s := newTestScheduler(ing, disp, &stubPending{}, nil)

	report, _ := s.RunCycle(context.Background())

	assert.Equal(t, []string{"a", "b", "c"}, disp.dispatched())
	assert.Equal(t, 2, report.Dispatched)
	require.Len(t, report.EventErrors, 1)
	assert.Equal(t, "b", report.EventErrors[0].EventID)
	assert.Equal(t, "partial", report.Outcome())
}

func TestScheduler_RunCycle_RecoversPendingEvents(t *testing.T) {
	fresh := event("fresh", 5.0, 5)
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: []domain.Event{fresh}}}}
	pending := &stubPending{events: []domain.Event{fresh, event("orphan", 5.0, 60)}}
	disp := &recordingDispatcher{}
	s := newTestScheduler(ing, disp, pending, nil)

	report, _ := s.RunCycle(context.Background())

	assert.Equal(t, []string{"orphan", "fresh"}, disp.dispatched())
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 50, pending.limit)
}

func TestScheduler_RunCycle_StopsDispatchOnCancel(t *testing.T) {
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: []domain.Event{event("a", 5.0, 5)}}}}
	disp := &recordingDispatcher{}
	s := newTestScheduler(ing, disp, &stubPending{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, _ := s.RunCycle(ctx)

	assert.Empty(t, disp.dispatched())
	assert.Contains(t, report.Error, "interrupted")
}

func TestScheduler_SingleFlight(t *testing.T) {
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: []domain.Event{event("slow", 5.0, 5)}}}}
	disp := &recordingDispatcher{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestScheduler(ing, disp, &stubPending{}, nil)

	require.True(t, s.Trigger(context.Background()))
	<-disp.started
	assert.True(t, s.Running())

	assert.False(t, s.Trigger(context.Background()), "overlapping trigger is dropped")
	_, ran := s.RunCycle(context.Background())
	assert.False(t, ran)

	close(disp.block)
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ing.callCount(), "dropped triggers are not queued")

	require.True(t, s.Trigger(context.Background()))
	require.Eventually(t, func() bool { return ing.callCount() == 2 && !s.Running() }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Serve_RunsOnEveryTick(t *testing.T) {
	ing := &stubIngester{}
	clock := fakeClock()
	s := pipeline.NewScheduler(ing, &recordingDispatcher{}, &stubPending{}, nil, testSchedulerConfig(), clock, discardLogger(), newTestMetrics())

	require.Error(t, s.CheckReadiness(context.Background()))
	assert.False(t, s.Kick(), "kick before serve has nothing to bind to")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return s.CheckReadiness(ctx) == nil && !s.Running() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ing.callCount(), "first cycle runs immediately")

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return ing.callCount() == 2 && !s.Running() }, time.Second, 5*time.Millisecond)

	require.True(t, s.Kick())
	require.Eventually(t, func() bool { return ing.callCount() == 3 && !s.Running() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Kick())
}

func TestScheduler_KickDuringShutdown(t *testing.T) {
	ing := &stubIngester{}
	s := newTestScheduler(ing, &recordingDispatcher{}, &stubPending{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	require.Eventually(t, func() bool { return s.CheckReadiness(ctx) == nil && !s.Running() }, time.Second, 5*time.Millisecond)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.Kick()
				}
			}
		}()
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Kick(), "no cycle can start once Serve has returned")
	close(stop)
	wg.Wait()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
}

func TestScheduler_LastReportAndPublish(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unreachable")}
	ing := &stubIngester{results: []pipeline.FetchResult{{Ingested: []domain.Event{event("a", 5.0, 5)}}}}
	s := newTestScheduler(ing, &recordingDispatcher{}, &stubPending{}, pub)

	_, ok := s.LastReport()
	assert.False(t, ok)

	report, _ := s.RunCycle(context.Background())

	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.ID, last.ID)
	require.Len(t, pub.reports, 1, "publish errors are logged, not fatal")
	assert.Equal(t, report.ID, pub.reports[0].ID)
}
