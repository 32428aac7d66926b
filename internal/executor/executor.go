// Package executor runs sync runs to completion.
//
// Each run processes its pending schools with a bounded worker pool. Workers
// claim a school, call the connector for each selected endpoint in the
// requested order and stop at the first failure. Outcomes are funnelled through an inbox
// to a single aggregator goroutine, which is the only writer of school results
// and run counters. Cancellation and the optional run timeout are checked before
// each school starts; in-flight endpoint calls are never interrupted.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/inbox"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
)

// Config holds executor tuning parameters
type Config struct {
	// Concurrency is the number of schools processed at once within a run
	Concurrency int `toml:"concurrency"`
	// EndpointTimeout bounds a single connector call
	EndpointTimeout time.Duration `toml:"endpoint_timeout"`
	// RunTimeout is a cooperative wall-clock budget per run; 0 disables it
	RunTimeout time.Duration `toml:"run_timeout"`
}

// DefaultConfig returns the default executor settings
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		EndpointTimeout: 90 * time.Second,
	}
}

// Validate checks the executor settings
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("executor.concurrency must be at least 1")
	}
	if c.EndpointTimeout <= 0 {
		return errors.New("executor.endpoint_timeout must be positive")
	}
	if c.RunTimeout < 0 {
		return errors.New("executor.run_timeout must not be negative")
	}
	return nil
}

// Store is the part of the run store the executor needs
type Store interface {
	CancelStore
	GetRun(ctx context.Context, id int64) (*db.SyncRun, error)
	StartRun(ctx context.Context, id int64) error
	FinishRun(ctx context.Context, id int64, status db.RunStatus, summary *string) error
	ListRunSchools(ctx context.Context, runID int64, statuses ...db.SchoolStatus) ([]db.SyncRunSchool, error)
	StartSchool(ctx context.Context, schoolRowID int64) (bool, error)
	FinishSchool(ctx context.Context, o db.SchoolOutcome) error
	SkipPendingSchools(ctx context.Context, runID int64) (int64, error)
	CancelRequest(ctx context.Context, runID int64) (bool, string, error)
	ListUnfinishedRuns(ctx context.Context) ([]db.SyncRun, error)
	FailInterruptedSchools(ctx context.Context, runID int64, message string) (int64, error)
	FailSchools(ctx context.Context, runID int64, message string, statuses ...db.SchoolStatus) (int64, error)
}

// Executor owns the lifecycle of runs handed to it
type Executor struct {
	store   Store
	gateway connector.Gateway
	coord   *Coordinator
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an executor. Start must be called before Submit.
func New(store Store, gateway connector.Gateway, coord *Coordinator, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.EndpointTimeout <= 0 {
		cfg.EndpointTimeout = DefaultConfig().EndpointTimeout
	}
	return &Executor{
		store:   store,
		gateway: gateway,
		coord:   coord,
		cfg:     cfg,
		logger:  logger.Named("executor"),
		metrics: m,
		now:     time.Now,
	}
}

// Start sets the lifetime of background runs. Cancelling ctx, or calling
// Shutdown, stops dispatching new schools; unfinished runs stay running in
// the store and are resumed by Recover on the next start.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseCtx, e.stop = context.WithCancel(ctx)
}

// Submit executes a run in the background
func (e *Executor) Submit(runID int64) {
	e.mu.Lock()
	ctx := e.baseCtx
	e.mu.Unlock()
	if ctx == nil {
		e.logger.Error("executor not started; run left pending", zap.Int64("run_id", runID))
		return
	}

	// register before returning so a cancel issued right after the trigger is seen
	e.coord.register(runID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Execute(ctx, runID); err != nil {
			e.logger.Error("run execution failed", zap.Int64("run_id", runID), zap.Error(err))
		}
	}()
}

// Shutdown stops dispatching and waits for in-flight schools to finish
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stop != nil {
		e.stop()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for runs to drain")
	}
}

// Execute runs runID to a terminal status, or until ctx ends. It is
// synchronous; Submit wraps it for background use.
func (e *Executor) Execute(ctx context.Context, runID int64) error {
	sig := e.coord.register(runID)
	defer e.coord.release(runID)

	log := e.logger.With(zap.Int64("run_id", runID))

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		log.Debug("run already finished", zap.String("status", string(run.Status)))
		return nil
	}

	if run.Status == db.RunPending {
		if err := e.store.StartRun(ctx, runID); err != nil {
			return err
		}
		now := e.now()
		run.StartedAt = &now
		log.Info("run started", zap.Int("total_schools", run.TotalSchools))
	} else {
		log.Info("resuming run")
	}

	e.metrics.RunStarted()
	final := ""
	defer func() { e.metrics.RunFinished(final) }()

	// Store writes below must land even if ctx is being torn down
	storeCtx := context.WithoutCancel(ctx)

	sel, err := connector.NewSelection(run.EndpointsMB, run.EndpointsNex)
	if err != nil {
		summary := "invalid endpoint selection: " + err.Error()
		if ferr := e.store.FinishRun(storeCtx, runID, db.RunFailed, &summary); ferr != nil {
			return errors.CombineErrors(err, ferr)
		}
		final = string(db.RunFailed)
		log.Error("run failed before school processing", zap.Error(err))
		return nil
	}

	schools, err := e.store.ListRunSchools(ctx, runID, db.SchoolPending)
	if err != nil {
		return errors.Wrap(err, "load pending schools")
	}

	var deadline time.Time
	if e.cfg.RunTimeout > 0 && run.StartedAt != nil {
		deadline = run.StartedAt.Add(e.cfg.RunTimeout)
	}

	outcomes := inbox.New[outcome](e.cfg.Concurrency, 0, log)
	aggregated := make(chan struct{})
	var aggErr error
	go func() {
		defer close(aggregated)
		aggErr = e.aggregate(storeCtx, outcomes, log)
	}()

	stopReason, dispatchErr := e.dispatch(ctx, run, sel, schools, sig, deadline, outcomes, log)

	outcomes.Close()
	<-aggregated

	// schools whose claim or outcome could not be written
	storeErr := errors.CombineErrors(dispatchErr, aggErr)

	if stopReason == "" {
		// a cancel accepted while the last schools were in flight still counts
		if requested, reason := e.cancelRequested(storeCtx, sig, runID, log); requested {
			stopReason = reason
		}
	}

	switch {
	case stopReason != "":
		if stopReason == ReasonTimeout {
			// record why the run stopped for the status API
			if _, err := e.store.RequestCancel(storeCtx, runID, ReasonTimeout); err != nil {
				log.Warn("failed to record timeout reason", zap.Error(err))
			}
		}
		if storeErr != nil {
			if err := e.failUnrecorded(storeCtx, runID, storeErr, log, db.SchoolRunning); err != nil {
				return e.abandon(storeCtx, runID, &final, err, log)
			}
		}
		skipped, err := e.store.SkipPendingSchools(storeCtx, runID)
		if err != nil {
			return e.abandon(storeCtx, runID, &final, errors.Wrap(err, "skip pending schools"), log)
		}
		if err := e.store.FinishRun(storeCtx, runID, db.RunCancelled, nil); err != nil {
			return e.abandon(storeCtx, runID, &final, err, log)
		}
		final = string(db.RunCancelled)
		log.Info("run cancelled", zap.String("reason", stopReason), zap.Int64("skipped", skipped))

	case ctx.Err() != nil:
		log.Info("executor stopping; run left for recovery")
		return nil

	default:
		if storeErr != nil {
			if err := e.failUnrecorded(storeCtx, runID, storeErr, log, db.SchoolPending, db.SchoolRunning); err != nil {
				return e.abandon(storeCtx, runID, &final, err, log)
			}
		}
		if err := e.store.FinishRun(storeCtx, runID, db.RunCompleted, nil); err != nil {
			return e.abandon(storeCtx, runID, &final, errors.Wrap(err, "complete run"), log)
		}
		final = string(db.RunCompleted)
		done, _ := e.store.GetRun(storeCtx, runID)
		if done != nil {
			log.Info("run completed",
				zap.Int("succeeded", done.SchoolsSucceeded),
				zap.Int("failed", done.SchoolsFailed))
		}
	}

	return nil
}

// failUnrecorded fails the schools a store error left pending or running, so
// the run counters still add up to the total
func (e *Executor) failUnrecorded(ctx context.Context, runID int64, cause error, log *zap.Logger, statuses ...db.SchoolStatus) error {
	n, err := e.store.FailSchools(ctx, runID, cause.Error(), statuses...)
	if err != nil {
		return errors.Wrap(err, "fail unrecorded schools")
	}
	log.Warn("failed schools with unrecorded outcomes", zap.Int64("schools", n), zap.Error(cause))
	return nil
}

// abandon fails a run that could not be finished normally. A run left
// running would block its scope until the next restart.
func (e *Executor) abandon(ctx context.Context, runID int64, final *string, cause error, log *zap.Logger) error {
	summary := "run could not be finished: " + cause.Error()
	if err := e.store.FinishRun(ctx, runID, db.RunFailed, &summary); err != nil {
		return errors.CombineErrors(cause, err)
	}
	*final = string(db.RunFailed)
	log.Error("run failed", zap.Error(cause))
	return nil
}

// dispatch feeds pending schools to the worker pool until they are exhausted
// or a stop is observed. It returns the stop reason, if any, and the first
// store error that kept a school from being claimed.
func (e *Executor) dispatch(
	ctx context.Context,
	run *db.SyncRun,
	sel connector.Selection,
	schools []db.SyncRunSchool,
	sig *Signal,
	deadline time.Time,
	outcomes *inbox.Inbox[outcome],
	log *zap.Logger,
) (string, error) {
	var (
		g        errgroup.Group
		stopOnce sync.Once
		reason   string
	)
	g.SetLimit(e.cfg.Concurrency)

	stopped := func() bool {
		r, stop := e.shouldStop(ctx, sig, run.ID, deadline, log)
		if stop {
			stopOnce.Do(func() { reason = r })
		}
		return stop
	}

	for _, school := range schools {
		school := school
		if ctx.Err() != nil || stopped() {
			break
		}

		// blocks while every worker is busy
		g.Go(func() error {
			// a cancel may have arrived while this school waited for a worker
			if ctx.Err() != nil || stopped() {
				return nil
			}
			return e.processSchool(ctx, run.ID, sel, school, outcomes, log)
		})
	}

	err := g.Wait()
	return reason, err
}

// shouldStop checks every stop condition observed at a school boundary
func (e *Executor) shouldStop(ctx context.Context, sig *Signal, runID int64, deadline time.Time, log *zap.Logger) (string, bool) {
	if requested, reason := e.cancelRequested(ctx, sig, runID, log); requested {
		return reason, true
	}
	if !deadline.IsZero() && !e.now().Before(deadline) {
		sig.Cancel(ReasonTimeout)
		return ReasonTimeout, true
	}
	return "", false
}

// cancelRequested consults the in-process signal, then the persisted flag so
// cancels issued through another process are honoured
func (e *Executor) cancelRequested(ctx context.Context, sig *Signal, runID int64, log *zap.Logger) (bool, string) {
	if requested, reason := sig.Requested(); requested {
		return true, reason
	}

	requested, reason, err := e.store.CancelRequest(ctx, runID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to read cancel flag", zap.Error(err))
		}
		return false, ""
	}
	if requested {
		sig.Cancel(reason)
		return sig.Requested()
	}
	return false, ""
}
