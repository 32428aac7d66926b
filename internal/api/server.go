// Package api serves the status API consumed by the admin UI: schedule CRUD,
// run listing and detail, triggers and cancellation.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/dispatch"
	"github.com/livinlefevreloca/schoolsync/internal/executor"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
	"github.com/livinlefevreloca/schoolsync/internal/nodes"
)

// UserHeader carries the acting identity recorded as triggered_by
const UserHeader = "X-User-Email"

// DefaultUser is recorded when UserHeader is absent
const DefaultUser = "admin"

// Config controls the API listener
type Config struct {
	Address         string        `toml:"address"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
}

// DefaultConfig returns the default API settings
func DefaultConfig() Config {
	return Config{
		Address:         ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// Validate checks the API settings
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("http.address is required")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("http.read_timeout and http.write_timeout must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	return nil
}

// Store is the part of the schedule and run stores the API reads and writes
type Store interface {
	CreateSchedule(ctx context.Context, s *db.SyncSchedule) error
	GetSchedule(ctx context.Context, id string) (*db.SyncSchedule, error)
	ListSchedules(ctx context.Context, filter db.ScheduleFilter) ([]db.SyncSchedule, error)
	UpdateSchedule(ctx context.Context, s *db.SyncSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetRunWithSchools(ctx context.Context, id int64) (*db.SyncRun, error)
	ListRuns(ctx context.Context, filter db.RunFilter) ([]db.SyncRun, error)
	PingContext(ctx context.Context) error
}

// Trigger creates runs
type Trigger interface {
	Trigger(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	TriggerSchedule(ctx context.Context, s *db.SyncSchedule, triggeredBy string, scheduledFor *time.Time) (dispatch.Result, error)
}

// Canceller requests cooperative cancellation of runs
type Canceller interface {
	Cancel(ctx context.Context, runID int64, requestedBy string) (executor.CancelResult, error)
}

// Deps are the collaborators behind the API
type Deps struct {
	Store     Store
	Trigger   Trigger
	Canceller Canceller
	Resolver  nodes.Resolver
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Routes holds the handlers
type Routes struct {
	store     Store
	trigger   Trigger
	canceller Canceller
	resolver  nodes.Resolver
	logger    *zap.Logger
	maxBody   int64
}

// NewRouter builds the API handler
func NewRouter(cfg Config, deps Deps) http.Handler {
	logger := deps.Logger.Named("api")
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	routes := &Routes{
		store:     deps.Store,
		trigger:   deps.Trigger,
		canceller: deps.Canceller,
		resolver:  deps.Resolver,
		logger:    logger,
		maxBody:   cfg.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware(deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", routes.health)

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", routes.listSchedules)
		r.Post("/", routes.createSchedule)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", routes.getSchedule)
			r.Put("/", routes.updateSchedule)
			r.Delete("/", routes.deleteSchedule)
			r.Post("/trigger", routes.triggerSchedule)
		})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", routes.listRuns)
		r.Get("/{id}", routes.getRun)
		r.Post("/{id}/cancel", routes.cancelRun)
	})

	r.Post("/trigger", routes.triggerRun)

	return r
}

// LoggingMiddleware logs each request once it completes
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("server error response", fields...)
				return
			}
			logger.Debug("request", fields...)
		})
	}
}

// MetricsMiddleware records request counts and latency by route pattern
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPObserved(r.Method, route, status, time.Since(start))
		})
	}
}

// Server is the API listener
type Server struct {
	server *http.Server
	cfg    Config
	logger *zap.Logger
}

// NewServer wraps handler in a listener configured by cfg
func NewServer(cfg Config, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		cfg:    cfg,
		logger: logger.Named("api"),
	}
}

// Start serves in the background. Listener errors are sent on the returned
// channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, "api server")
		}
		close(errc)
	}()
	return errc
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Wrap(s.server.Shutdown(shutdownCtx), "api server shutdown")
}

func (rr *Routes) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := rr.store.PingContext(ctx); err != nil {
		rr.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actor(r *http.Request) string {
	if user := r.Header.Get(UserHeader); user != "" {
		return user
	}
	return DefaultUser
}
