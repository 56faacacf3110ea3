package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/quake-alert/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/quake-alert/internal/adapter/kafka"
	"github.com/couchcryptid/quake-alert/internal/adapter/sms"
	"github.com/couchcryptid/quake-alert/internal/adapter/usgs"
	"github.com/couchcryptid/quake-alert/internal/config"
	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/couchcryptid/quake-alert/internal/observability"
	"github.com/couchcryptid/quake-alert/internal/pipeline"
	"github.com/couchcryptid/quake-alert/internal/store"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

const seenCacheSize = 5000

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", "quake-alert")
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	events := store.NewEventStore(db)
	subscribers := store.NewSubscriberStore(db)

	catalog := usgs.NewBreakerCatalog(
		usgs.NewClient(cfg.CatalogURL, cfg.CatalogTimeout, logger, metrics),
		usgs.BreakerSettings{},
		logger, metrics,
	)

	// Real SMS gateway when Twilio credentials are configured, otherwise log-only.
	var gateway domain.Gateway
	if cfg.SMSEnabled {
		gateway = sms.NewGateway(sms.Config{
			BaseURL:       cfg.SMSBaseURL,
			AccountSID:    cfg.TwilioAccountSID,
			AuthToken:     cfg.TwilioAuthToken,
			From:          cfg.TwilioFromNumber,
			RatePerSecond: cfg.DeliveryRate,
			Burst:         cfg.DeliveryConcurrency,
		}, logger)
		logger.Info("sms delivery enabled", "rate", cfg.DeliveryRate, "concurrency", cfg.DeliveryConcurrency)
	} else {
		gateway = sms.NewDryRunGateway(logger)
		logger.Warn("sms delivery disabled, alerts are logged only")
	}

	fetcher := pipeline.NewFetcher(catalog, events, clock, logger, metrics, seenCacheSize)
	fanout := pipeline.NewFanout(events, subscribers, gateway, pipeline.FanoutConfig{
		AlertFloor:      cfg.AlertMinMagnitude,
		MaxAge:          cfg.AlertMaxAge,
		Concurrency:     cfg.DeliveryConcurrency,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Formatter:       domain.AlertFormatter{Location: cfg.AlertLocation, InfoURL: cfg.AlertInfoURL},
	}, clock, logger, metrics)

	var (
		publisher pipeline.ReportPublisher
		writer    *kafkaadapter.ReportWriter
	)
	if cfg.ReportsEnabled() {
		writer = kafkaadapter.NewReportWriter(cfg.KafkaBrokers, cfg.KafkaReportTopic, logger)
		publisher = writer
		logger.Info("cycle report publishing enabled", "topic", cfg.KafkaReportTopic)
	}

	scheduler := pipeline.NewScheduler(fetcher, fanout, events, publisher, pipeline.SchedulerConfig{
		Interval:     cfg.PollInterval,
		Lookback:     cfg.CatalogLookback,
		Bounds:       cfg.Region,
		MinMagnitude: cfg.IngestMinMagnitude,
		PendingBatch: cfg.PendingBatchSize,
	}, clock, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, scheduler, httpadapter.Operations{
		Cycles:      scheduler,
		Redeliverer: fanout,
		Broadcaster: fanout,
		Events:      events,
		Subscribers: subscribers,
		Catalog:     catalog,
		Clock:       clock,
	}, logger)
	srv.ShutdownTimeout = cfg.ShutdownTimeout

	root := suture.New("quake-alert", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.ShutdownTimeout,
	})
	root.Add(scheduler)
	root.Add(srv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("quake alert service starting",
		"region", cfg.Region,
		"poll_interval", cfg.PollInterval,
		"ingest_min_magnitude", cfg.IngestMinMagnitude,
		"alert_min_magnitude", cfg.AlertMinMagnitude,
	)

	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "error", err)
	}
	logger.Info("shutting down")

	if unstopped, err := root.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		logger.Warn("services did not stop in time", "count", len(unstopped))
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}

	logger.Info("shutdown complete")
}
