package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	"github.com/couchcryptid/quake-alert/internal/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var (
	errStoreDown   = errors.New("store unavailable")
	errGatewayDown = errors.New("gateway unavailable")
	testNow        = time.Date(2025, 3, 28, 7, 0, 0, 0, time.UTC)
	testBounds     = domain.Bounds{MinLon: 91, MinLat: 9, MaxLon: 102, MaxLat: 29}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := store.Open("", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

// candidate builds a complete catalog record that occurred minutesAgo before testNow.
func candidate(id string, mag float64, minutesAgo int) domain.CandidateEvent {
	at := testNow.Add(-time.Duration(minutesAgo) * time.Minute)
	return domain.CandidateEvent{
		ID:        id,
		Magnitude: ptr(mag),
		Place:     "12 km E of Mandalay, Myanmar",
		Time:      &at,
		Lon:       ptr(96.2),
		Lat:       ptr(21.97),
		Depth:     ptr(10.0),
	}
}

func event(id string, mag float64, minutesAgo int) domain.Event {
	ev, err := domain.NewEvent(candidate(id, mag, minutesAgo), testNow)
	if err != nil {
		panic(err)
	}
	return ev
}

func subscriber(addr string, pref domain.Preference) domain.Subscriber {
	return domain.Subscriber{
		Address:    addr,
		Name:       "Subscriber " + addr[len(addr)-2:],
		City:       "Mandalay",
		Preference: pref,
		Active:     true,
	}
}

// --- catalog ---

type stubCatalog struct {
	mu      sync.Mutex
	records []domain.CandidateEvent
	err     error
	queries []domain.CatalogQuery
}

func (c *stubCatalog) FetchEvents(_ context.Context, q domain.CatalogQuery) ([]domain.CandidateEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}
	return append([]domain.CandidateEvent(nil), c.records...), nil
}

// --- gateway ---

type fakeGateway struct {
	mu       sync.Mutex
	sent     map[string][]string
	failFor  map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	seq      atomic.Int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sent: map[string][]string{}, failFor: map[string]error{}}
}

func (g *fakeGateway) Send(ctx context.Context, to, body string) (domain.Receipt, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		cur := g.maxSeen.Load()
		if n <= cur || g.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return domain.Receipt{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[to] = append(g.sent[to], body)
	if err := g.failFor[to]; err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{Reference: "SM" + to, Status: "queued"}, nil
}

func (g *fakeGateway) sentTo(addr string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent[addr])
}

func (g *fakeGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, msgs := range g.sent {
		n += len(msgs)
	}
	return n
}

// --- store failure injection ---

// failingLedger wraps a real event store so individual calls can fail.
type failingLedger struct {
	*store.EventStore
	getErr  error
	markErr error
}

func (f *failingLedger) Get(ctx context.Context, id string) (domain.Event, error) {
	if f.getErr != nil {
		return domain.Event{}, f.getErr
	}
	return f.EventStore.Get(ctx, id)
}

func (f *failingLedger) MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	return f.EventStore.MarkProcessed(ctx, id, at)
}

type failingDirectory struct {
	*store.SubscriberStore
	listErr  error
	touchErr error
}

func (f *failingDirectory) ListActiveByPreferences(ctx context.Context, prefs []domain.Preference) ([]domain.Subscriber, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.SubscriberStore.ListActiveByPreferences(ctx, prefs)
}

func (f *failingDirectory) TouchLastNotified(ctx context.Context, addr string, at time.Time) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	return f.SubscriberStore.TouchLastNotified(ctx, addr, at)
}

type failingWriter struct {
	*store.EventStore
	existsErr   error
	insertErr   error
	insertCalls int
}

func (f *failingWriter) Exists(ctx context.Context, id string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.EventStore.Exists(ctx, id)
}

func (f *failingWriter) Insert(ctx context.Context, ev domain.Event) error {
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.EventStore.Insert(ctx, ev)
}

func fakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(testNow)
}
