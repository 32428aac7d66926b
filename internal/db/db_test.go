package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// Test Fixtures and Helpers

// newTestDB creates a migrated in-memory SQLite database
func newTestDB(t *testing.T) *DB {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func makeSchools(ids ...string) []SchoolRef {
	refs := make([]SchoolRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, SchoolRef{ID: id, Source: "mb", Name: "School " + id})
	}
	return refs
}

func createRun(t *testing.T, db *DB, nodeID string, schools ...string) *SyncRun {
	t.Helper()
	run, err := db.CreateRun(context.Background(), CreateRunParams{
		NodeID:       nodeID,
		AcademicYear: "2024",
		TriggeredBy:  "admin@example.com",
		Schools:      makeSchools(schools...),
	})
	require.NoError(t, err)
	return run
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, q, rebind(DriverMySQL, q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", rebind(DriverPostgres, q))
}

func TestIsDuplicate(t *testing.T) {
	assert.False(t, IsDuplicate(nil))
	assert.True(t, IsDuplicate(errors.Wrap(ErrDuplicate, "x")))
	assert.True(t, IsDuplicate(errors.New("UNIQUE constraint failed: sync_runs.scope_key")))
	assert.True(t, IsDuplicate(errors.New(`ERROR: duplicate key value violates unique constraint "uq_sync_runs_active_scope"`)))
	assert.True(t, IsDuplicate(errors.New("Error 1062: Duplicate entry 'x' for key 'uq'")))
	assert.False(t, IsDuplicate(errors.New("connection refused")))
}

// Schedule store

func TestScheduleCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := &SyncSchedule{
		NodeID:             "IN-N",
		AcademicYear:       "2024",
		CronExpression:     "0 2 * * *",
		EndpointsMB:        []string{"students", "classes"},
		IncludeDescendants: true,
		IsActive:           true,
	}
	require.NoError(t, db.CreateSchedule(ctx, s))
	require.NotEmpty(t, s.ID)

	got, err := db.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "IN-N", got.NodeID)
	assert.Equal(t, []string{"students", "classes"}, got.EndpointsMB)
	assert.Equal(t, []string{}, got.EndpointsNex)
	assert.True(t, got.IncludeDescendants)
	assert.True(t, got.IsActive)

	got.IsActive = false
	got.CronExpression = "30 3 * * 1-5"
	require.NoError(t, db.UpdateSchedule(ctx, got))

	active, err := db.ListActiveSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := db.ListSchedules(ctx, ScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "30 3 * * 1-5", all[0].CronExpression)

	require.NoError(t, db.DeleteSchedule(ctx, s.ID))
	_, err = db.GetSchedule(ctx, s.ID)
	assert.True(t, IsNotFound(err))
	assert.True(t, syncerr.IsNotFound(err))
}

func TestScheduleNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.UpdateSchedule(ctx, &SyncSchedule{ID: "missing", EndpointsMB: nil})
	assert.True(t, IsNotFound(err))

	err = db.DeleteSchedule(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestDeleteScheduleKeepsRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := &SyncSchedule{NodeID: "IN-N", AcademicYear: "2024", CronExpression: "0 2 * * *", IsActive: true}
	require.NoError(t, db.CreateSchedule(ctx, s))

	run, err := db.CreateRun(ctx, CreateRunParams{
		ScheduleID:   &s.ID,
		NodeID:       "IN-N",
		AcademicYear: "2024",
		TriggeredBy:  "scheduler",
		Schools:      makeSchools("a"),
	})
	require.NoError(t, err)

	require.NoError(t, db.DeleteSchedule(ctx, s.ID))

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduleID)
	assert.Equal(t, s.ID, *got.ScheduleID)
}

// Run store

func TestCreateRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a", "b", "c")
	assert.Positive(t, run.ID)
	assert.Equal(t, RunPending, run.Status)
	assert.Equal(t, 3, run.TotalSchools)

	got, err := db.GetRunWithSchools(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPending, got.Status)
	assert.Equal(t, "admin@example.com", got.TriggeredBy)
	assert.Nil(t, got.StartedAt)
	require.Len(t, got.Schools, 3)
	for _, s := range got.Schools {
		assert.Equal(t, SchoolPending, s.Status)
		assert.Equal(t, run.ID, s.RunID)
	}
}

func TestCreateRun_ConflictOnActiveScope(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := createRun(t, db, "IN-N", "a")

	_, err := db.CreateRun(ctx, CreateRunParams{
		NodeID: "IN-N", AcademicYear: "2024", TriggeredBy: "scheduler", Schools: makeSchools("a"),
	})
	c, ok := syncerr.AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, first.ID, c.RunID)

	// a different academic year is a different scope
	_, err = db.CreateRun(ctx, CreateRunParams{
		NodeID: "IN-N", AcademicYear: "2025", TriggeredBy: "scheduler", Schools: makeSchools("a"),
	})
	require.NoError(t, err)

	// once the first run finishes the scope is free again
	require.NoError(t, db.SetRunStatusForTest(ctx, first.ID, RunCancelled))
	createRun(t, db, "IN-N", "a")
}

func TestCreateRun_PartialIndexBacksUpCheck(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	createRun(t, db, "IN-N", "a")

	// bypass the transactional check to prove the index rejects a second active run
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_runs (node_id, academic_year, scope_key, status, endpoints_mb, endpoints_nex,
			triggered_by, created_at)
		VALUES ('IN-N', '2024', ?, 'running', '[]', '[]', 'x', ?)`, ScopeKey("IN-N", "2024"), time.Now())
	require.Error(t, err)
	assert.True(t, IsDuplicate(err))
}

func TestCreateRun_FailedWithSummary(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	createRun(t, db, "IN-N", "a") // an active run does not block an audit-only failed run

	run, err := db.CreateRun(ctx, CreateRunParams{
		NodeID:         "IN-N",
		AcademicYear:   "2024",
		TriggeredBy:    "admin",
		FailureSummary: "no schools resolved",
	})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)

	got, err := db.GetRunWithSchools(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
	assert.Equal(t, 0, got.TotalSchools)
	require.NotNil(t, got.ErrorSummary)
	assert.Equal(t, "no schools resolved", *got.ErrorSummary)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Schools)
}

func TestCreateRun_ScheduleMinuteDedupe(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	scheduleID := "sched-1"
	minute := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)
	params := CreateRunParams{
		ScheduleID:   &scheduleID,
		NodeID:       "IN-N",
		AcademicYear: "2024",
		TriggeredBy:  "scheduler",
		ScheduledFor: &minute,
		Schools:      makeSchools("a"),
	}

	first, err := db.CreateRun(ctx, params)
	require.NoError(t, err)
	require.NoError(t, db.SetRunStatusForTest(ctx, first.ID, RunCompleted))

	_, err = db.CreateRun(ctx, params)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	next := minute.Add(24 * time.Hour)
	params.ScheduledFor = &next
	_, err = db.CreateRun(ctx, params)
	require.NoError(t, err)
}

func TestRunLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a", "b", "c")
	require.NoError(t, db.StartRun(ctx, run.ID))
	assert.ErrorIs(t, db.StartRun(ctx, run.ID), ErrInvalidTransition)

	schools, err := db.ListRunSchools(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, schools, 3)

	errText := "mb/students: upstream returned 502: bad gateway"
	outcomes := []SchoolOutcome{
		{RunID: run.ID, SchoolRowID: schools[0].ID, Status: SchoolCompleted, RecordsSynced: 40},
		{RunID: run.ID, SchoolRowID: schools[1].ID, Status: SchoolFailed, ErrorMessage: &errText},
	}
	for _, o := range outcomes {
		ok, err := db.StartSchool(ctx, o.SchoolRowID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, db.FinishSchool(ctx, o))
	}

	// completing early would break succeeded + failed == total
	assert.ErrorIs(t, db.FinishRun(ctx, run.ID, RunCompleted, nil), ErrInvalidTransition)

	ok, err := db.StartSchool(ctx, schools[2].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.FinishSchool(ctx, SchoolOutcome{RunID: run.ID, SchoolRowID: schools[2].ID, Status: SchoolCompleted}))

	require.NoError(t, db.FinishRun(ctx, run.ID, RunCompleted, nil))

	got, err := db.GetRunWithSchools(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, 2, got.SchoolsSucceeded)
	assert.Equal(t, 1, got.SchoolsFailed)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, SchoolFailed, got.Schools[1].Status)
	require.NotNil(t, got.Schools[1].ErrorMessage)
	assert.Equal(t, errText, *got.Schools[1].ErrorMessage)
	assert.Equal(t, 40, got.Schools[0].RecordsSynced)

	// terminal states are not re-enterable
	assert.ErrorIs(t, db.FinishRun(ctx, run.ID, RunCancelled, nil), ErrInvalidTransition)
}

func TestFinishSchool_RequiresRunning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a")
	schools, err := db.ListRunSchools(ctx, run.ID)
	require.NoError(t, err)

	err = db.FinishSchool(ctx, SchoolOutcome{RunID: run.ID, SchoolRowID: schools[0].ID, Status: SchoolCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.SchoolsSucceeded, "counter must not move when the school update is rejected")

	err = db.FinishSchool(ctx, SchoolOutcome{RunID: run.ID, SchoolRowID: schools[0].ID, Status: SchoolSkipped})
	assert.Error(t, err)
}

func TestSkipPendingSchools(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a", "b", "c")
	require.NoError(t, db.StartRun(ctx, run.ID))
	schools, err := db.ListRunSchools(ctx, run.ID)
	require.NoError(t, err)

	ok, err := db.StartSchool(ctx, schools[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.FinishSchool(ctx, SchoolOutcome{RunID: run.ID, SchoolRowID: schools[0].ID, Status: SchoolCompleted}))

	n, err := db.SkipPendingSchools(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a skipped school can no longer be claimed
	ok, err = db.StartSchool(ctx, schools[1].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	skipped, err := db.ListRunSchools(ctx, run.ID, SchoolSkipped)
	require.NoError(t, err)
	assert.Len(t, skipped, 2)

	done, err := db.ListRunSchools(ctx, run.ID, SchoolCompleted, SchoolFailed)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, schools[0].ID, done[0].ID)
}

func TestRequestCancel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a")

	requested, _, err := db.CancelRequest(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	got, err := db.RequestCancel(ctx, run.ID, "requested by admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, RunPending, got.Status)
	assert.NotNil(t, got.CancelRequestedAt)

	requested, reason, err := db.CancelRequest(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
	assert.Equal(t, "requested by admin@example.com", reason)

	_, err = db.RequestCancel(ctx, 999, "requested by admin@example.com")
	assert.True(t, IsNotFound(err))
}

func TestRequestCancel_TerminalRunUnchanged(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N")
	require.NoError(t, db.FinishRun(ctx, run.ID, RunCompleted, nil))

	got, err := db.RequestCancel(ctx, run.ID, "late")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Nil(t, got.CancelRequestedAt)
}

func TestFailInterruptedSchools(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a", "b")
	require.NoError(t, db.StartRun(ctx, run.ID))
	schools, err := db.ListRunSchools(ctx, run.ID)
	require.NoError(t, err)
	_, err = db.StartSchool(ctx, schools[0].ID)
	require.NoError(t, err)

	n, err := db.FailInterruptedSchools(ctx, run.ID, "interrupted before completion")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetRunWithSchools(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SchoolsFailed)
	assert.Equal(t, SchoolFailed, got.Schools[0].Status)
	assert.Equal(t, SchoolPending, got.Schools[1].Status)

	n, err = db.FailInterruptedSchools(ctx, run.ID, "again")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailSchools_PendingAndRunning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := createRun(t, db, "IN-N", "a", "b", "c")
	require.NoError(t, db.StartRun(ctx, run.ID))
	schools, err := db.ListRunSchools(ctx, run.ID)
	require.NoError(t, err)
	_, err = db.StartSchool(ctx, schools[0].ID)
	require.NoError(t, err)
	_, err = db.StartSchool(ctx, schools[1].ID)
	require.NoError(t, err)
	require.NoError(t, db.FinishSchool(ctx, SchoolOutcome{
		RunID: run.ID, SchoolRowID: schools[1].ID, Status: SchoolCompleted,
	}))

	n, err := db.FailSchools(ctx, run.ID, "start school: database is locked", SchoolPending, SchoolRunning)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := db.GetRunWithSchools(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SchoolsSucceeded)
	assert.Equal(t, 2, got.SchoolsFailed)
	assert.Equal(t, SchoolFailed, got.Schools[0].Status)
	assert.Equal(t, SchoolCompleted, got.Schools[1].Status)
	assert.Equal(t, SchoolFailed, got.Schools[2].Status)
	require.NotNil(t, got.Schools[2].ErrorMessage)
	assert.Equal(t, "start school: database is locked", *got.Schools[2].ErrorMessage)

	require.NoError(t, db.FinishRun(ctx, run.ID, RunCompleted, nil))
}

func TestFailSchools_RejectsFinishedStatus(t *testing.T) {
	db := newTestDB(t)
	run := createRun(t, db, "IN-N", "a")

	_, err := db.FailSchools(context.Background(), run.ID, "x", SchoolCompleted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an unfinished status")
}

func TestListRuns(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	r1 := createRun(t, db, "IN-N", "a")
	r2 := createRun(t, db, "IN-S", "b")
	r3 := createRun(t, db, "UK", "c")
	require.NoError(t, db.FinishRun(ctx, r1.ID, RunCancelled, nil))

	all, err := db.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{r3.ID, r2.ID, r1.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	byNode, err := db.ListRuns(ctx, RunFilter{NodeID: "IN-S"})
	require.NoError(t, err)
	require.Len(t, byNode, 1)
	assert.Equal(t, r2.ID, byNode[0].ID)

	byStatus, err := db.ListRuns(ctx, RunFilter{Status: RunCancelled, AcademicYear: "2024"})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, r1.ID, byStatus[0].ID)

	page, err := db.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, r2.ID, page[0].ID)

	unfinished, err := db.ListUnfinishedRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinished, 2)
}

// sqlmock covers driver paths sqlite cannot exercise

func TestCreateRun_PostgresReturningID(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, DriverPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sync_runs\s+WHERE scope_key = \$1 AND status IN`).
		WithArgs(ScopeKey("IN-N", "2024")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO sync_runs .* RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(17))
	mock.ExpectExec(`INSERT INTO sync_run_schools .* VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs(int64(17), "a", "mb", "School a", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := db.CreateRun(ctx, CreateRunParams{
		NodeID: "IN-N", AcademicYear: "2024", TriggeredBy: "admin", Schools: makeSchools("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(17), run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun_RollsBackOnSchoolInsertError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, DriverMySQL)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM sync_runs`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO sync_runs`).WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec(`INSERT INTO sync_run_schools`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = db.CreateRun(context.Background(), CreateRunParams{
		NodeID: "IN-N", AcademicYear: "2024", TriggeredBy: "admin", Schools: makeSchools("a"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishSchool_RollsBackWhenCounterUpdateFails(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := New(sqlDB, DriverSQLite)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sync_run_schools`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sync_runs SET schools_failed = schools_failed \+ 1`).
		WithArgs(int64(3)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	msg := "boom"
	err = db.FinishSchool(context.Background(), SchoolOutcome{
		RunID: 3, SchoolRowID: 9, Status: SchoolFailed, ErrorMessage: &msg,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update run counters")
	assert.NoError(t, mock.ExpectationsWereMet())
}
