package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

const runColumns = `id, schedule_id, node_id, academic_year, scope_key, status, endpoints_mb, endpoints_nex,
	total_schools, schools_succeeded, schools_failed, triggered_by, error_summary, scheduled_for,
	cancel_requested_at, cancel_reason, created_at, started_at, completed_at`

const schoolColumns = `id, run_id, school_id, school_source, school_name, status,
	started_at, completed_at, error_message, records_synced`

// CreateRunParams describes a run to be created together with its schools
type CreateRunParams struct {
	ScheduleID   *string
	NodeID       string
	AcademicYear string
	TriggeredBy  string
	EndpointsMB  []string
	EndpointsNex []string
	ScheduledFor *time.Time
	Schools      []SchoolRef

	// FailureSummary creates the run directly in failed state
	FailureSummary string
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status       RunStatus
	NodeID       string
	AcademicYear string
	Limit        int
	Offset       int
}

// SchoolOutcome is the terminal result of one school
type SchoolOutcome struct {
	RunID         int64
	SchoolRowID   int64
	Status        SchoolStatus
	ErrorMessage  *string
	RecordsSynced int
}

// CreateRun inserts a run and one pending school row per selected school in a
// single transaction. A pending or running run for the same scope yields a
// *syncerr.ConflictError. A second run for the same schedule minute yields
// ErrDuplicate.
func (db *DB) CreateRun(ctx context.Context, p CreateRunParams) (*SyncRun, error) {
	mb, nex, err := encodeEndpoints(p.EndpointsMB, p.EndpointsNex)
	if err != nil {
		return nil, err
	}

	now := db.now()
	run := &SyncRun{
		ScheduleID:   p.ScheduleID,
		NodeID:       p.NodeID,
		AcademicYear: p.AcademicYear,
		ScopeKey:     ScopeKey(p.NodeID, p.AcademicYear),
		Status:       RunPending,
		EndpointsMB:  orEmpty(p.EndpointsMB),
		EndpointsNex: orEmpty(p.EndpointsNex),
		TotalSchools: len(p.Schools),
		TriggeredBy:  p.TriggeredBy,
		CreatedAt:    now,
	}
	if p.ScheduledFor != nil {
		t := p.ScheduledFor.UTC().Truncate(time.Minute)
		run.ScheduledFor = &t
	}
	if p.FailureSummary != "" {
		summary := p.FailureSummary
		run.Status = RunFailed
		run.ErrorSummary = &summary
		run.CompletedAt = &now
	}

	err = db.WithTransaction(ctx, func(tx *Tx) error {
		if !run.Status.Terminal() {
			active, err := db.findActiveRun(ctx, tx.Tx, run.ScopeKey)
			if err == nil {
				return conflict(active)
			}
			if !IsNotFound(err) {
				return err
			}
		}

		query := `
			INSERT INTO sync_runs (schedule_id, node_id, academic_year, scope_key, status, endpoints_mb,
				endpoints_nex, total_schools, triggered_by, error_summary, scheduled_for, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		id, err := db.insertID(ctx, tx.Tx, query,
			run.ScheduleID,
			run.NodeID,
			run.AcademicYear,
			run.ScopeKey,
			run.Status,
			mb,
			nex,
			run.TotalSchools,
			run.TriggeredBy,
			run.ErrorSummary,
			run.ScheduledFor,
			run.CreatedAt,
			run.CompletedAt,
		)
		if err != nil {
			return err
		}
		run.ID = id

		insertSchool := `
			INSERT INTO sync_run_schools (run_id, school_id, school_source, school_name, status)
			VALUES (?, ?, ?, ?, ?)`
		for _, s := range p.Schools {
			if _, err := db.exec(ctx, tx.Tx, insertSchool, id, s.ID, s.Source, s.Name, SchoolPending); err != nil {
				return errors.Wrapf(err, "insert school %s/%s", s.Source, s.ID)
			}
		}
		return nil
	})
	if err == nil {
		return run, nil
	}

	if _, ok := syncerr.AsConflict(err); ok {
		return nil, err
	}
	if IsDuplicate(err) {
		// Either another process won the race for this scope or this schedule
		// minute was already recorded. The failed transaction is gone, so look again.
		if active, ferr := db.findActiveRun(ctx, db.DB, run.ScopeKey); ferr == nil {
			return nil, conflict(active)
		}
		return nil, errors.Wrap(ErrDuplicate, "run already recorded for this schedule minute")
	}
	return nil, errors.Wrap(err, "create run")
}

func conflict(active *SyncRun) error {
	return &syncerr.ConflictError{
		RunID:        active.ID,
		NodeID:       active.NodeID,
		AcademicYear: active.AcademicYear,
	}
}

// FindActiveRun returns the pending or running run for a scope, if any
func (db *DB) FindActiveRun(ctx context.Context, nodeID, academicYear string) (*SyncRun, error) {
	return db.findActiveRun(ctx, db.DB, ScopeKey(nodeID, academicYear))
}

func (db *DB) findActiveRun(ctx context.Context, q querier, scopeKey string) (*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs
		WHERE scope_key = ? AND status IN ('pending', 'running')
		ORDER BY id LIMIT 1`

	run, err := scanRun(db.queryRow(ctx, q, query, scopeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find active run")
	}
	return run, nil
}

// GetRun retrieves a run without its schools
func (db *DB) GetRun(ctx context.Context, id int64) (*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE id = ?`

	run, err := scanRun(db.queryRow(ctx, db.DB, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "run %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return run, nil
}

// GetRunWithSchools retrieves a run and every school row it owns
func (db *DB) GetRunWithSchools(ctx context.Context, id int64) (*SyncRun, error) {
	run, err := db.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Schools, err = db.ListRunSchools(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]SyncRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.AcademicYear != "" {
		where = append(where, "academic_year = ?")
		args = append(args, filter.AcademicYear)
	}

	query := `SELECT ` + runColumns + ` FROM sync_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	return db.listRuns(ctx, query, args...)
}

// ListUnfinishedRuns returns pending and running runs, oldest first
func (db *DB) ListUnfinishedRuns(ctx context.Context) ([]SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs
		WHERE status IN ('pending', 'running')
		ORDER BY id`
	return db.listRuns(ctx, query)
}

func (db *DB) listRuns(ctx context.Context, query string, args ...any) ([]SyncRun, error) {
	rows, err := db.query(ctx, db.DB, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := []SyncRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// ListRunSchools returns a run's schools in creation order, optionally
// restricted to the given statuses
func (db *DB) ListRunSchools(ctx context.Context, runID int64, statuses ...SchoolStatus) ([]SyncRunSchool, error) {
	query := `SELECT ` + schoolColumns + ` FROM sync_run_schools WHERE run_id = ?`
	args := []any{runID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id`

	rows, err := db.query(ctx, db.DB, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list run schools")
	}
	defer rows.Close()

	schools := []SyncRunSchool{}
	for rows.Next() {
		var s SyncRunSchool
		err := rows.Scan(
			&s.ID,
			&s.RunID,
			&s.SchoolID,
			&s.SchoolSource,
			&s.SchoolName,
			&s.Status,
			&s.StartedAt,
			&s.CompletedAt,
			&s.ErrorMessage,
			&s.RecordsSynced,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan run school")
		}
		schools = append(schools, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return schools, nil
}

// StartRun moves a pending run to running
func (db *DB) StartRun(ctx context.Context, id int64) error {
	query := `
		UPDATE sync_runs
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := db.exec(ctx, db.DB, query, RunRunning, db.now(), id, RunPending)
	return expectOne(res, errors.Wrap(err, "start run"),
		errors.Wrapf(ErrInvalidTransition, "run %d is not pending", id))
}

// FinishRun moves a pending or running run to a terminal status. summary, when
// non-nil, replaces the run's error summary. A run may only complete once every
// school has been counted as succeeded or failed.
func (db *DB) FinishRun(ctx context.Context, id int64, status RunStatus, summary *string) error {
	if !status.Terminal() {
		return errors.Newf("finish run: %q is not a terminal status", status)
	}

	query := `
		UPDATE sync_runs
		SET status = ?, completed_at = ?, error_summary = COALESCE(?, error_summary)
		WHERE id = ? AND status IN ('pending', 'running')`
	args := []any{status, db.now(), summary, id}
	if status == RunCompleted {
		query += ` AND schools_succeeded + schools_failed = total_schools`
	}

	res, err := db.exec(ctx, db.DB, query, args...)
	return expectOne(res, errors.Wrap(err, "finish run"),
		errors.Wrapf(ErrInvalidTransition, "run %d cannot move to %s", id, status))
}

// StartSchool claims a pending school for execution. It reports false when
// the school is no longer pending, e.g. because it was skipped by a cancel.
func (db *DB) StartSchool(ctx context.Context, schoolRowID int64) (bool, error) {
	query := `
		UPDATE sync_run_schools
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := db.exec(ctx, db.DB, query, SchoolRunning, db.now(), schoolRowID, SchoolPending)
	if err != nil {
		return false, errors.Wrap(err, "start school")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishSchool records a running school's terminal outcome and bumps the
// matching run counter in the same transaction
func (db *DB) FinishSchool(ctx context.Context, o SchoolOutcome) error {
	var counter string
	switch o.Status {
	case SchoolCompleted:
		counter = "schools_succeeded"
	case SchoolFailed:
		counter = "schools_failed"
	default:
		return errors.Newf("finish school: %q is not a finishing status", o.Status)
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		query := `
			UPDATE sync_run_schools
			SET status = ?, completed_at = ?, error_message = ?, records_synced = ?
			WHERE id = ? AND run_id = ? AND status = ?
		`
		res, err := db.exec(ctx, tx.Tx, query,
			o.Status, db.now(), o.ErrorMessage, o.RecordsSynced, o.SchoolRowID, o.RunID, SchoolRunning)
		err = expectOne(res, errors.Wrap(err, "finish school"),
			errors.Wrapf(ErrInvalidTransition, "school row %d is not running", o.SchoolRowID))
		if err != nil {
			return err
		}

		_, err = db.exec(ctx, tx.Tx,
			`UPDATE sync_runs SET `+counter+` = `+counter+` + 1 WHERE id = ?`, o.RunID)
		return errors.Wrap(err, "update run counters")
	})
}

// SkipPendingSchools marks every still-pending school of a run skipped
func (db *DB) SkipPendingSchools(ctx context.Context, runID int64) (int64, error) {
	query := `
		UPDATE sync_run_schools
		SET status = ?, completed_at = ?
		WHERE run_id = ? AND status = ?
	`
	res, err := db.exec(ctx, db.DB, query, SchoolSkipped, db.now(), runID, SchoolPending)
	if err != nil {
		return 0, errors.Wrap(err, "skip pending schools")
	}
	return res.RowsAffected()
}

// FailInterruptedSchools fails schools left running by a previous process and
// counts them against the run
func (db *DB) FailInterruptedSchools(ctx context.Context, runID int64, message string) (int64, error) {
	return db.FailSchools(ctx, runID, message, SchoolRunning)
}

// FailSchools fails every school of a run in one of the given statuses and
// counts them against the run. Only pending and running schools can be failed.
func (db *DB) FailSchools(ctx context.Context, runID int64, message string, statuses ...SchoolStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{SchoolFailed, db.now(), message, runID}
	for _, st := range statuses {
		if st != SchoolPending && st != SchoolRunning {
			return 0, errors.Newf("fail schools: %q is not an unfinished status", st)
		}
		args = append(args, st)
	}

	var n int64
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		query := `
			UPDATE sync_run_schools
			SET status = ?, completed_at = ?, error_message = ?
			WHERE run_id = ? AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)
		`
		res, err := db.exec(ctx, tx.Tx, query, args...)
		if err != nil {
			return errors.Wrap(err, "fail schools")
		}
		if n, err = res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		_, err = db.exec(ctx, tx.Tx,
			`UPDATE sync_runs SET schools_failed = schools_failed + ? WHERE id = ?`, n, runID)
		return errors.Wrap(err, "update run counters")
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RequestCancel persists a cancellation request for an unfinished run and
// returns the run's current state. Terminal runs are returned unchanged.
func (db *DB) RequestCancel(ctx context.Context, runID int64, reason string) (*SyncRun, error) {
	query := `
		UPDATE sync_runs
		SET cancel_requested_at = ?, cancel_reason = ?
		WHERE id = ? AND status IN ('pending', 'running') AND cancel_requested_at IS NULL
	`
	if _, err := db.exec(ctx, db.DB, query, db.now(), reason, runID); err != nil {
		return nil, errors.Wrap(err, "request cancel")
	}
	return db.GetRun(ctx, runID)
}

// CancelRequest reports whether a cancel has been persisted for a run
func (db *DB) CancelRequest(ctx context.Context, runID int64) (bool, string, error) {
	var (
		requestedAt *time.Time
		reason      *string
	)
	err := db.queryRow(ctx, db.DB,
		`SELECT cancel_requested_at, cancel_reason FROM sync_runs WHERE id = ?`, runID).
		Scan(&requestedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", errors.Wrapf(ErrNotFound, "run %d", runID)
	}
	if err != nil {
		return false, "", errors.Wrap(err, "read cancel request")
	}
	if requestedAt == nil {
		return false, "", nil
	}
	if reason == nil {
		return true, "", nil
	}
	return true, *reason, nil
}

func scanRun(row rowScanner) (*SyncRun, error) {
	var (
		run     SyncRun
		mb, nex string
	)
	err := row.Scan(
		&run.ID,
		&run.ScheduleID,
		&run.NodeID,
		&run.AcademicYear,
		&run.ScopeKey,
		&run.Status,
		&mb,
		&nex,
		&run.TotalSchools,
		&run.SchoolsSucceeded,
		&run.SchoolsFailed,
		&run.TriggeredBy,
		&run.ErrorSummary,
		&run.ScheduledFor,
		&run.CancelRequestedAt,
		&run.CancelReason,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if run.EndpointsMB, err = decodeEndpoints(mb); err != nil {
		return nil, err
	}
	if run.EndpointsNex, err = decodeEndpoints(nex); err != nil {
		return nil, err
	}
	return &run, nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
