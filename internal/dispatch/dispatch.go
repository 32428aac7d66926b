// Package dispatch turns trigger requests into runs.
//
// A trigger is validated, checked against runs already in flight for the
// same scope, expanded to a concrete school list through the node resolver
// and persisted as a pending run before being handed to the executor. The
// caller gets the run id back immediately and polls for progress.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
	"github.com/livinlefevreloca/schoolsync/internal/nodes"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// AllScope is the node id recorded for "sync all" runs
const AllScope = "__all__"

// TriggeredByScheduler is the identity recorded on cron-fired runs
const TriggeredByScheduler = "scheduler"

// Trigger origins, used as a metrics label
const (
	OriginAPI       = "api"
	OriginSchedule  = "schedule"
	OriginScheduler = "scheduler"
)

// Request asks for one run. Exactly one of NodeID and All must be set.
type Request struct {
	NodeID             string
	All                bool
	AcademicYear       string
	IncludeDescendants bool
	EndpointsMB        []string
	EndpointsNex       []string
	TriggeredBy        string

	// Set when the run is fired from a schedule
	ScheduleID   *string
	ScheduledFor *time.Time
	Origin       string
}

// Result is returned as soon as the run is persisted
type Result struct {
	RunID  int64
	Status db.RunStatus
}

// Validate checks the request shape and returns the parsed endpoint selection
func (r Request) Validate() (connector.Selection, error) {
	if strings.TrimSpace(r.AcademicYear) == "" {
		return nil, syncerr.Invalid("academic_year", "is required")
	}
	switch {
	case r.All && r.NodeID != "":
		return nil, syncerr.Invalid("node_id", "must not be set together with all")
	case !r.All && strings.TrimSpace(r.NodeID) == "":
		return nil, syncerr.Invalid("node_id", "node_id or all is required")
	case r.NodeID == AllScope:
		return nil, syncerr.Invalid("node_id", "%q is reserved", AllScope)
	}
	return connector.NewSelection(r.EndpointsMB, r.EndpointsNex)
}

// Store is the part of the run store the dispatcher needs
type Store interface {
	FindActiveRun(ctx context.Context, nodeID, academicYear string) (*db.SyncRun, error)
	CreateRun(ctx context.Context, p db.CreateRunParams) (*db.SyncRun, error)
}

// Submitter starts a persisted run in the background
type Submitter interface {
	Submit(runID int64)
}

// Dispatcher validates triggers and creates runs
type Dispatcher struct {
	store    Store
	resolver nodes.Resolver
	exec     Submitter
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher
func New(store Store, resolver nodes.Resolver, exec Submitter, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		exec:     exec,
		logger:   logger.Named("dispatch"),
		metrics:  m,
	}
}

// Trigger creates a run for req and submits it. A scope that resolves to no
// schools still produces a run, recorded as failed, and returns no error.
func (d *Dispatcher) Trigger(ctx context.Context, req Request) (Result, error) {
	origin := req.Origin
	if origin == "" {
		origin = OriginAPI
	}

	res, err := d.trigger(ctx, req)
	d.metrics.Triggered(origin, outcomeLabel(res, err))
	return res, err
}

func (d *Dispatcher) trigger(ctx context.Context, req Request) (Result, error) {
	sel, err := req.Validate()
	if err != nil {
		return Result{}, err
	}

	nodeID := strings.TrimSpace(req.NodeID)
	if req.All {
		nodeID = AllScope
	}
	year := strings.TrimSpace(req.AcademicYear)

	log := d.logger.With(
		zap.String("node_id", nodeID),
		zap.String("academic_year", year),
		zap.String("triggered_by", req.TriggeredBy))
	if req.ScheduleID != nil {
		log = log.With(zap.String("schedule_id", *req.ScheduleID))
	}

	// Cheap pre-check so an overlapping trigger does not hit the resolver.
	// CreateRun repeats it inside its transaction.
	active, err := d.store.FindActiveRun(ctx, nodeID, year)
	switch {
	case err == nil:
		log.Info("trigger rejected, run already in progress", zap.Int64("existing_run_id", active.ID))
		return Result{}, &syncerr.ConflictError{RunID: active.ID, NodeID: nodeID, AcademicYear: year}
	case !db.IsNotFound(err):
		return Result{}, errors.Wrap(err, "check active runs")
	}

	schools, err := d.resolve(ctx, req, nodeID)
	if err != nil {
		return Result{}, err
	}

	params := db.CreateRunParams{
		ScheduleID:   req.ScheduleID,
		NodeID:       nodeID,
		AcademicYear: year,
		TriggeredBy:  req.TriggeredBy,
		EndpointsMB:  sel.Names(connector.SourceMB),
		EndpointsNex: sel.Names(connector.SourceNex),
		ScheduledFor: req.ScheduledFor,
		Schools:      make([]db.SchoolRef, 0, len(schools)),
	}
	for _, s := range schools {
		params.Schools = append(params.Schools, db.SchoolRef{ID: s.ID, Source: string(s.Source), Name: s.Name})
	}
	if len(schools) == 0 {
		params.FailureSummary = syncerr.ErrNoSchoolsResolved.Error()
	}

	run, err := d.store.CreateRun(ctx, params)
	if err != nil {
		return Result{}, err
	}

	if run.Status == db.RunFailed {
		log.Warn("run failed at creation", zap.Int64("run_id", run.ID), zap.String("error_summary", *run.ErrorSummary))
		return Result{RunID: run.ID, Status: run.Status}, nil
	}

	log.Info("run created", zap.Int64("run_id", run.ID), zap.Int("total_schools", run.TotalSchools))
	d.exec.Submit(run.ID)
	return Result{RunID: run.ID, Status: run.Status}, nil
}

// resolve expands the trigger scope to a deduplicated school list
func (d *Dispatcher) resolve(ctx context.Context, req Request, nodeID string) ([]connector.School, error) {
	if req.All {
		schools, err := d.resolver.AllSchools(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "resolve all schools")
		}
		return nodes.DedupeSchools(schools), nil
	}

	resolved, err := d.resolver.Resolve(ctx, nodeID, req.IncludeDescendants)
	if syncerr.IsNotFound(err) {
		return nil, syncerr.Invalid("node_id", "unknown node %q", nodeID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve node %s", nodeID)
	}
	return nodes.Dedupe(resolved), nil
}

// TriggerSchedule fires the scope of s. scheduledFor is the matched cron
// minute for scheduler fires and nil for manual ones.
func (d *Dispatcher) TriggerSchedule(ctx context.Context, s *db.SyncSchedule, triggeredBy string, scheduledFor *time.Time) (Result, error) {
	id := s.ID
	origin := OriginSchedule
	if scheduledFor != nil {
		origin = OriginScheduler
	}
	req := Request{
		NodeID:             s.NodeID,
		AcademicYear:       s.AcademicYear,
		IncludeDescendants: s.IncludeDescendants,
		EndpointsMB:        s.EndpointsMB,
		EndpointsNex:       s.EndpointsNex,
		TriggeredBy:        triggeredBy,
		ScheduleID:         &id,
		ScheduledFor:       scheduledFor,
		Origin:             origin,
	}
	if s.NodeID == AllScope {
		req.NodeID, req.All = "", true
	}
	return d.Trigger(ctx, req)
}

func outcomeLabel(res Result, err error) string {
	switch {
	case err == nil && res.Status == db.RunFailed:
		return "failed"
	case err == nil:
		return "created"
	case syncerr.IsValidation(err):
		return "invalid"
	case errors.Is(err, db.ErrDuplicate):
		return "duplicate"
	default:
		if _, ok := syncerr.AsConflict(err); ok {
			return "conflict"
		}
		return "error"
	}
}
