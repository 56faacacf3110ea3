package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/couchcryptid/quake-alert/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxRequestBody = 64 << 10
	// Twilio rejects message bodies longer than this.
	maxBroadcastLen = 1600
	topCities       = 10
	recentWindow    = 24 * time.Hour
)

// CycleController starts cycles on demand and exposes the last result.
type CycleController interface {
	Kick() bool
	Running() bool
	LastReport() (domain.CycleReport, bool)
}

// Redeliverer re-sends one event's alert to named subscribers.
type Redeliverer interface {
	Redeliver(ctx context.Context, eventID string, addresses []string) (domain.FanoutReport, error)
}

// Broadcaster sends an operator message to filtered subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, b domain.Broadcast) (domain.BroadcastReport, error)
}

// EventCounter reports stored event totals.
type EventCounter interface {
	Counts(ctx context.Context) (total, pending int, err error)
}

// SubscriberStatter summarizes the active subscriber base.
type SubscriberStatter interface {
	Stats(ctx context.Context, notifiedSince time.Time, topCities int) (domain.SubscriberStats, error)
}

// BreakerState reports the catalog circuit breaker state.
type BreakerState interface {
	State() string
}

// Operations are the operator actions served next to the health endpoints.
// Catalog and Clock are optional.
type Operations struct {
	Cycles      CycleController
	Redeliverer Redeliverer
	Broadcaster Broadcaster
	Events      EventCounter
	Subscribers SubscriberStatter
	Catalog     BreakerState
	Clock       clockwork.Clock
}

// Server exposes health, readiness, metrics, and operator HTTP endpoints.
type Server struct {
	httpServer *http.Server
	ops        Operations
	logger     *slog.Logger

	// ShutdownTimeout bounds connection draining when Serve's context ends.
	ShutdownTimeout time.Duration
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// operator routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, ops Operations, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	if ops.Clock == nil {
		ops.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ops:             ops,
		logger:          logger,
		ShutdownTimeout: 10 * time.Second,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /cycles", s.handleStartCycle)
	mux.HandleFunc("GET /cycles/last", s.handleLastCycle)
	mux.HandleFunc("POST /events/{id}/redeliver", s.handleRedeliver)
	mux.HandleFunc("POST /broadcast", s.handleBroadcast)
	mux.HandleFunc("GET /stats", s.handleStats)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Serve runs the server until ctx is cancelled, then shuts it down. It
// satisfies suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleStartCycle(w http.ResponseWriter, _ *http.Request) {
	if s.ops.Cycles.Kick() {
		s.logger.Info("cycle triggered by operator")
		sharedobs.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}
	if s.ops.Cycles.Running() {
		sharedobs.WriteJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}
	writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
}

func (s *Server) handleLastCycle(w http.ResponseWriter, _ *http.Request) {
	report, ok := s.ops.Cycles.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no cycle has completed")
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, report)
}

type redeliverRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	var req redeliverRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Addresses) == 0 {
		writeError(w, http.StatusBadRequest, "addresses is required")
		return
	}

	id := r.PathValue("id")
	report, err := s.ops.Redeliverer.Redeliver(r.Context(), id, req.Addresses)
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, domain.ErrEventNotProcessed):
		writeError(w, http.StatusConflict, "event has not been dispatched yet")
	case err != nil:
		s.logger.Error("redeliver failed", "event_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "redeliver failed")
	default:
		sharedobs.WriteJSON(w, http.StatusOK, report)
	}
}

type broadcastRequest struct {
	Message      string   `json:"message"`
	City         string   `json:"city"`
	MinMagnitude *float64 `json:"min_magnitude"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Message) > maxBroadcastLen {
		writeError(w, http.StatusBadRequest, "message is too long")
		return
	}

	report, err := s.ops.Broadcaster.Broadcast(r.Context(), domain.Broadcast{
		Message:      req.Message,
		City:         req.City,
		MinMagnitude: req.MinMagnitude,
	})
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is required")
	case errors.Is(err, domain.ErrNoRecipients):
		writeError(w, http.StatusNotFound, "no subscribers match the criteria")
	case err != nil:
		s.logger.Error("broadcast failed", "error", err)
		writeError(w, http.StatusInternalServerError, "broadcast failed")
	default:
		s.logger.Info("broadcast sent by operator", "recipients", report.Recipients, "failed", report.Failed)
		sharedobs.WriteJSON(w, http.StatusOK, report)
	}
}

type statsResponse struct {
	Events struct {
		Total   int `json:"total"`
		Pending int `json:"pending"`
	} `json:"events"`
	Subscribers    domain.SubscriberStats `json:"subscribers"`
	CatalogBreaker string                 `json:"catalog_breaker,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	var err error
	resp.Events.Total, resp.Events.Pending, err = s.ops.Events.Counts(r.Context())
	if err != nil {
		s.logger.Error("count events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	since := s.ops.Clock.Now().Add(-recentWindow)
	if resp.Subscribers, err = s.ops.Subscribers.Stats(r.Context(), since, topCities); err != nil {
		s.logger.Error("subscriber stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	if s.ops.Catalog != nil {
		resp.CatalogBreaker = s.ops.Catalog.State()
	}
	sharedobs.WriteJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	sharedobs.WriteJSON(w, status, map[string]string{"error": msg})
}
