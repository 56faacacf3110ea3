package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	publishAttempts   = 3
	initialBackoff    = 200 * time.Millisecond
	maxPublishBackoff = 2 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ReportWriter publishes cycle reports to a Kafka topic.
// It implements pipeline.ReportPublisher.
type ReportWriter struct {
	writer  messageWriter
	logger  *slog.Logger
	backoff time.Duration
}

// NewReportWriter creates a Kafka producer for the cycle report topic.
func NewReportWriter(brokers []string, topic string, logger *slog.Logger) *ReportWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		// One message per cycle; don't hold it waiting for a batch.
		BatchTimeout: 10 * time.Millisecond,
	}
	return &ReportWriter{writer: w, logger: logger, backoff: initialBackoff}
}

// PublishReport writes one report, retrying transient broker errors with
// exponential backoff until ctx is done.
func (w *ReportWriter) PublishReport(ctx context.Context, report domain.CycleReport) error {
	msg, err := serializeReport(report)
	if err != nil {
		return err
	}

	backoff := w.backoff
	for attempt := 1; ; attempt++ {
		err = w.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt == publishAttempts {
			break
		}
		w.logger.Warn("publish cycle report failed, retrying",
			"cycle_id", report.ID, "attempt", attempt, "backoff", backoff, "error", err)
		if !retry.SleepWithContext(ctx, backoff) {
			return fmt.Errorf("publish cycle report %s: %w", report.ID, ctx.Err())
		}
		backoff = retry.NextBackoff(backoff, maxPublishBackoff)
	}
	return fmt.Errorf("publish cycle report %s: %w", report.ID, err)
}

func (w *ReportWriter) Close() error {
	return w.writer.Close()
}

// serializeReport marshals a CycleReport into a Kafka message keyed by cycle ID.
func serializeReport(report domain.CycleReport) (kafkago.Message, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize cycle report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(report.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "cycle_id", Value: []byte(report.ID)},
			{Key: "outcome", Value: []byte(report.Outcome())},
			{Key: "completed_at", Value: []byte(report.CompletedAt.Format(time.RFC3339))},
		},
	}, nil
}
