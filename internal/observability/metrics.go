package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quake_alert"

// Metrics holds the Prometheus counters, histograms, and gauges for the alert pipeline.
type Metrics struct {
	// Scheduler metrics.
	Cycles           *prometheus.CounterVec // labels: outcome={ok,partial,failed}
	CyclesDropped    prometheus.Counter
	CycleDuration    prometheus.Histogram
	SchedulerRunning prometheus.Gauge

	// Ingestion metrics.
	EventsIngested    prometheus.Counter
	CandidatesSkipped *prometheus.CounterVec // labels: reason={duplicate,malformed,below_floor}
	SeenCache         *prometheus.CounterVec // labels: result={hit,miss}

	// Fanout metrics.
	EventsDispatched *prometheus.CounterVec // labels: result={alerted,already_processed,below_alert_floor,stale}
	Deliveries       *prometheus.CounterVec // labels: outcome={success,failure}
	DeliveryDuration prometheus.Histogram
	DeliveryInFlight prometheus.Gauge

	// Catalog metrics.
	CatalogRequests     *prometheus.CounterVec // labels: outcome={success,error}
	CatalogDuration     prometheus.Histogram
	CatalogBreakerState prometheus.Gauge // 0 closed, 1 half-open, 2 open

	ReportPublishErrors prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scheduler cycles by outcome.",
		}, []string{"outcome"}),
		CyclesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_dropped_total",
			Help:      "Cycle triggers dropped because a cycle was already running.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete fetch and dispatch cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 when the scheduler is active, 0 when shut down.",
		}),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events stored for the first time.",
		}),
		CandidatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_skipped_total",
			Help:      "Catalog records not stored, by reason.",
		}, []string{"reason"}),
		SeenCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seen_cache_total",
			Help:      "Known-event cache lookups by result.",
		}, []string{"result"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Dispatch calls by result.",
		}, []string{"result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Gateway send duration, including rate limiter wait.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		DeliveryInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Delivery attempts currently running.",
		}),
		CatalogRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "Catalog API requests by outcome.",
		}, []string{"outcome"}),
		CatalogDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_request_duration_seconds",
			Help:      "Catalog API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CatalogBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_breaker_state",
			Help:      "Catalog circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		ReportPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_publish_errors_total",
			Help:      "Cycle reports that could not be published.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Cycles,
		m.CyclesDropped,
		m.CycleDuration,
		m.SchedulerRunning,
		m.EventsIngested,
		m.CandidatesSkipped,
		m.SeenCache,
		m.EventsDispatched,
		m.Deliveries,
		m.DeliveryDuration,
		m.DeliveryInFlight,
		m.CatalogRequests,
		m.CatalogDuration,
		m.CatalogBreakerState,
		m.ReportPublishErrors,
	}
}
