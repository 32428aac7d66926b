// Package metrics holds the service's Prometheus instruments and the
// /metrics listener.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "schoolsync"

// Config controls the metrics listener
type Config struct {
	Enabled          bool   `toml:"enabled"`
	Address          string `toml:"address"`
	Path             string `toml:"path"`
	CollectGoMetrics bool   `toml:"collect_go_metrics"`
	CollectProcess   bool   `toml:"collect_process"`
}

// DefaultConfig returns the default metrics settings
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Address:          ":9090",
		Path:             "/metrics",
		CollectGoMetrics: true,
		CollectProcess:   true,
	}
}

// Metrics groups every instrument. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted      prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	RunsActive       prometheus.Gauge
	SchoolsFinished  *prometheus.CounterVec
	EndpointDuration *prometheus.HistogramVec
	Triggers         *prometheus.CounterVec
	SchedulerFires   *prometheus.CounterVec
	SchedulerTick    prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New creates and registers all instruments on a fresh registry
func New(cfg Config) *Metrics {
	reg := prometheus.NewRegistry()
	if cfg.CollectGoMetrics {
		reg.MustRegister(collectors.NewGoCollector())
	}
	if cfg.CollectProcess {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total",
			Help: "Runs picked up by the executor, including resumed runs.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_active",
			Help: "Runs currently executing in this process.",
		}),
		SchoolsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "schools_finished_total",
			Help: "Per-school outcomes.",
		}, []string{"source", "status"}),
		EndpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "endpoint_call_duration_seconds",
			Help:    "Connector endpoint call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"source", "endpoint", "outcome"}),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_total",
			Help: "Trigger requests by origin and result.",
		}, []string{"origin", "result"}),
		SchedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_fires_total",
			Help: "Schedule evaluations that matched, by result.",
		}, []string{"result"}),
		SchedulerTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scheduler_tick_duration_seconds",
			Help:    "Time spent evaluating schedules per tick.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Status API requests.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "Status API latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.RunsStarted, m.RunsFinished, m.RunsActive, m.SchoolsFinished, m.EndpointDuration,
		m.Triggers, m.SchedulerFires, m.SchedulerTick, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry exposes the underlying registry, for tests and custom collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted records a run entering execution
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
	m.RunsActive.Inc()
}

// RunFinished records a run leaving execution. status is empty when the run
// was left unfinished for recovery.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	if status != "" {
		m.RunsFinished.WithLabelValues(status).Inc()
	}
}

// SchoolFinished records a school outcome
func (m *Metrics) SchoolFinished(source, status string) {
	if m == nil {
		return
	}
	m.SchoolsFinished.WithLabelValues(source, status).Inc()
}

// EndpointCalled records one connector call
func (m *Metrics) EndpointCalled(source, endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EndpointDuration.WithLabelValues(source, endpoint, outcome).Observe(d.Seconds())
}

// Triggered records a dispatcher result
func (m *Metrics) Triggered(origin, result string) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(origin, result).Inc()
}

// ScheduleFired records a matched schedule and what happened to it
func (m *Metrics) ScheduleFired(result string) {
	if m == nil {
		return
	}
	m.SchedulerFires.WithLabelValues(result).Inc()
}

// TickObserved records the duration of one scheduler tick
func (m *Metrics) TickObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.SchedulerTick.Observe(d.Seconds())
}

// HTTPObserved records one API request
func (m *Metrics) HTTPObserved(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Server serves the metrics endpoint on its own port
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the metrics listener
func NewServer(cfg Config, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	return &Server{
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics"),
	}
}

// Start serves in the background until Stop is called
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return errors.Wrap(s.server.Shutdown(shutdownCtx), "metrics server shutdown")
}
