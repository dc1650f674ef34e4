// Package metrics exposes settlement counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Prometheus metric names.
const (
	MetricSettlementsCreated   = "settlement_created_total"
	MetricSettlementOutcomes   = "settlement_outcomes_total"
	MetricItemPayouts          = "settlement_item_payouts_total"
	MetricPassDurationSeconds  = "settlement_pass_duration_seconds"
	MetricCreationSkippedTotal = "settlement_creation_skips_total"
)

// Recorder implements app.Metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	created      prometheus.Counter
	skipped      prometheus.Counter
	outcomes     *prometheus.CounterVec
	itemPayouts  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	// Create a new registry to avoid conflicts with default metrics
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSettlementsCreated,
			Help: "Settlements created from completed studies.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricCreationSkippedTotal,
			Help: "Studies skipped by the creation stage because of an error.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSettlementOutcomes,
			Help: "Settlement state transitions made by the execution stage.",
		}, []string{"outcome"}),
		itemPayouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricItemPayouts,
			Help: "Settlement item payout attempts by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPassDurationSeconds,
			Help:    "Duration of settlement stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	registry.MustRegister(
		r.created,
		r.skipped,
		r.outcomes,
		r.itemPayouts,
		r.passDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) SettlementCreated()               { r.created.Inc() }
func (r *Recorder) CreationSkipped()                 { r.skipped.Inc() }
func (r *Recorder) ItemPayout(outcome string)        { r.itemPayouts.WithLabelValues(outcome).Inc() }
func (r *Recorder) SettlementOutcome(outcome string) { r.outcomes.WithLabelValues(outcome).Inc() }

func (r *Recorder) PassDuration(stage string, d time.Duration) {
	r.passDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Server serves /metrics until Shutdown is called.
type Server struct {
	server *http.Server
	logger *logrus.Entry
}

func NewServer(addr string, recorder *Recorder, logger *logrus.Entry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens in the background. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("Metrics server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Metrics server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
