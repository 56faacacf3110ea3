package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBrokerDown = errors.New("broker unavailable")

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafkago.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errBrokerDown
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func newTestWriter(fw *fakeWriter) *ReportWriter {
	return &ReportWriter{
		writer:  fw,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		backoff: time.Millisecond,
	}
}

func testReport() domain.CycleReport {
	started := time.Date(2025, 3, 28, 7, 0, 0, 0, time.UTC)
	return domain.CycleReport{
		ID:          "cycle-1",
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Ingested:    2,
		Dispatched:  1,
		Fanouts: []domain.FanoutReport{{
			EventID:   "us7000pn9s",
			Magnitude: 7.7,
			Tier:      domain.TierSevere,
			Succeeded: 1,
		}},
		EventErrors: []domain.EventError{{EventID: "us7000abcd", Error: "store unavailable"}},
	}
}

func TestSerializeReport(t *testing.T) {
	report := testReport()

	msg, err := serializeReport(report)
	require.NoError(t, err)

	assert.Equal(t, []byte("cycle-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"id":"cycle-1"`)
	assert.Contains(t, string(msg.Value), `"tier":"severe"`)
	assert.Contains(t, string(msg.Value), `"event_errors":[{"event_id":"us7000abcd"`)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "cycle_id", msg.Headers[0].Key)
	assert.Equal(t, []byte("cycle-1"), msg.Headers[0].Value)
	assert.Equal(t, "outcome", msg.Headers[1].Key)
	assert.Equal(t, []byte("partial"), msg.Headers[1].Value)
	assert.Equal(t, "completed_at", msg.Headers[2].Key)
	assert.Equal(t, []byte("2025-03-28T07:00:03Z"), msg.Headers[2].Value)
}

func TestPublishReport_WritesOneMessage(t *testing.T) {
	fw := &fakeWriter{}
	w := newTestWriter(fw)

	require.NoError(t, w.PublishReport(context.Background(), testReport()))
	require.Len(t, fw.written, 1)
	assert.Equal(t, "cycle-1", string(fw.written[0].Key))
}

func TestPublishReport_RetriesTransientErrors(t *testing.T) {
	fw := &fakeWriter{failures: 2}
	w := newTestWriter(fw)

	require.NoError(t, w.PublishReport(context.Background(), testReport()))
	assert.Equal(t, 3, fw.calls)
	assert.Len(t, fw.written, 1)
}

func TestPublishReport_GivesUpAfterMaxAttempts(t *testing.T) {
	fw := &fakeWriter{failures: 10}
	w := newTestWriter(fw)

	err := w.PublishReport(context.Background(), testReport())
	require.ErrorIs(t, err, errBrokerDown)
	assert.Contains(t, err.Error(), "cycle-1")
	assert.Equal(t, publishAttempts, fw.calls)
}

func TestPublishReport_StopsOnCancelledContext(t *testing.T) {
	fw := &fakeWriter{failures: 10}
	w := newTestWriter(fw)
	w.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.PublishReport(ctx, testReport())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fw.calls)
}

func TestReportWriter_Close(t *testing.T) {
	fw := &fakeWriter{}
	require.NoError(t, newTestWriter(fw).Close())
	assert.True(t, fw.closed)
}
