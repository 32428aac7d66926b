package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
	"github.com/livinlefevreloca/schoolsync/internal/nodes"
	"github.com/livinlefevreloca/schoolsync/internal/nodes/mocks"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
	"github.com/livinlefevreloca/schoolsync/internal/testutil"
)

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingSubmitter) Submit(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, runID)
}

func (r *recordingSubmitter) submitted() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

type fixture struct {
	store    *db.DB
	resolver *mocks.MockResolver
	sub      *recordingSubmitter
	metrics  *metrics.Metrics
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		store:    testutil.NewTestDB(t),
		resolver: mocks.NewMockResolver(ctrl),
		sub:      &recordingSubmitter{},
		metrics:  metrics.New(metrics.DefaultConfig()),
	}
	f.d = New(f.store, f.resolver, f.sub, zap.NewNop(), f.metrics)
	return f
}

func school(id string, src connector.Source) connector.School {
	return connector.School{ID: id, Source: src, Name: "School " + id}
}

func TestTrigger_NodeWithDescendants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.EXPECT().Resolve(gomock.Any(), "IN-N", true).Return([]nodes.Node{
		{ID: "IN-N", Schools: []connector.School{school("A", connector.SourceMB)}},
		{ID: "IN-N-1", ParentID: "IN-N", Schools: []connector.School{
			school("B", connector.SourceMB),
			school("A", connector.SourceMB),
		}},
		{ID: "IN-N-2", ParentID: "IN-N", Schools: []connector.School{school("C", connector.SourceNex)}},
	}, nil)

	res, err := f.d.Trigger(ctx, Request{
		NodeID:             "IN-N",
		AcademicYear:       "2024",
		IncludeDescendants: true,
		TriggeredBy:        "admin@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunPending, res.Status)
	assert.Equal(t, []int64{res.RunID}, f.sub.submitted())

	run, err := f.store.GetRunWithSchools(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalSchools)
	assert.Len(t, run.Schools, 3)
	assert.Equal(t, "admin@example.com", run.TriggeredBy)
	assert.Nil(t, run.ScheduleID)
	assert.Equal(t, "C", run.Schools[2].SchoolID)
	assert.Equal(t, "nex", run.Schools[2].SchoolSource)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.Triggers.WithLabelValues(OriginAPI, "created")))
}

func TestTrigger_AllDeduplicatesAcrossNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.EXPECT().AllSchools(gomock.Any()).Return([]connector.School{
		school("A", connector.SourceMB),
		school("B", connector.SourceMB),
		school("A", connector.SourceMB),
		// same id, different source: a distinct unit of work
		school("A", connector.SourceNex),
	}, nil)

	res, err := f.d.Trigger(ctx, Request{All: true, AcademicYear: "2024", TriggeredBy: "admin"})
	require.NoError(t, err)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalSchools)
	assert.Equal(t, AllScope, run.NodeID)
}

func TestTrigger_NoSchoolsResolvedCreatesFailedRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.EXPECT().Resolve(gomock.Any(), "EMPTY", false).Return([]nodes.Node{{ID: "EMPTY"}}, nil)

	res, err := f.d.Trigger(ctx, Request{NodeID: "EMPTY", AcademicYear: "2024", TriggeredBy: "admin"})
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, res.Status)
	assert.Empty(t, f.sub.submitted())

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunFailed, run.Status)
	assert.Zero(t, run.TotalSchools)
	require.NotNil(t, run.ErrorSummary)
	assert.Equal(t, syncerr.ErrNoSchoolsResolved.Error(), *run.ErrorSummary)
	assert.NotNil(t, run.CompletedAt)

	// a failed run does not block the next trigger for the scope
	active, err := f.store.FindActiveRun(ctx, "EMPTY", "2024")
	assert.Nil(t, active)
	assert.True(t, db.IsNotFound(err))
}

func TestTrigger_ConflictNamesExistingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.EXPECT().Resolve(gomock.Any(), "IN-N", false).
		Return([]nodes.Node{{ID: "IN-N", Schools: []connector.School{school("A", connector.SourceMB)}}}, nil).
		Times(1)

	req := Request{NodeID: "IN-N", AcademicYear: "2024", TriggeredBy: "admin"}
	first, err := f.d.Trigger(ctx, req)
	require.NoError(t, err)

	_, err = f.d.Trigger(ctx, req)
	require.Error(t, err)
	c, ok := syncerr.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, first.RunID, c.RunID)

	// other academic years are separate scopes
	f.resolver.EXPECT().Resolve(gomock.Any(), "IN-N", false).
		Return([]nodes.Node{{ID: "IN-N", Schools: []connector.School{school("A", connector.SourceMB)}}}, nil)
	_, err = f.d.Trigger(ctx, Request{NodeID: "IN-N", AcademicYear: "2025", TriggeredBy: "admin"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.Triggers.WithLabelValues(OriginAPI, "conflict")))
}

func TestTrigger_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing year", Request{NodeID: "IN-N"}, "academic_year"},
		{"missing scope", Request{AcademicYear: "2024"}, "node_id"},
		{"node and all", Request{NodeID: "IN-N", All: true, AcademicYear: "2024"}, "node_id"},
		{"reserved node id", Request{NodeID: AllScope, AcademicYear: "2024"}, "node_id"},
		{"unknown mb endpoint", Request{NodeID: "IN-N", AcademicYear: "2024", EndpointsMB: []string{"gradebook"}}, "endpoints_mb"},
		{"nex-only endpoint for mb", Request{NodeID: "IN-N", AcademicYear: "2024", EndpointsMB: []string{"staff"}}, "endpoints_mb"},
		{"unknown nex endpoint", Request{NodeID: "IN-N", AcademicYear: "2024", EndpointsNex: []string{"term_grades"}}, "endpoints_nex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// no resolver expectations: validation must fail first
			f := newFixture(t)
			_, err := f.d.Trigger(context.Background(), tt.req)
			require.Error(t, err)

			var v *syncerr.ValidationError
			require.True(t, errors.As(err, &v))
			assert.Equal(t, tt.field, v.Field)
			assert.Empty(t, f.sub.submitted())
		})
	}
}

func TestTrigger_UnknownNodeIsValidationError(t *testing.T) {
	f := newFixture(t)

	f.resolver.EXPECT().Resolve(gomock.Any(), "NOPE", true).
		Return(nil, errors.Wrapf(syncerr.ErrNotFound, "node %s", "NOPE"))

	_, err := f.d.Trigger(context.Background(), Request{NodeID: "NOPE", AcademicYear: "2024", IncludeDescendants: true})
	assert.True(t, syncerr.IsValidation(err))
}

func TestTrigger_ResolverFailureCreatesNoRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.EXPECT().Resolve(gomock.Any(), "IN-N", false).Return(nil, errors.New("directory unavailable"))

	_, err := f.d.Trigger(ctx, Request{NodeID: "IN-N", AcademicYear: "2024"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unavailable")
	assert.False(t, syncerr.IsValidation(err))

	runs, err := f.store.ListRuns(ctx, db.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTrigger_EndpointsStoredInRequestedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.resolver.EXPECT().Resolve(gomock.Any(), "IN-N", false).
		Return([]nodes.Node{{ID: "IN-N", Schools: []connector.School{school("A", connector.SourceMB)}}}, nil)

	res, err := f.d.Trigger(ctx, Request{
		NodeID:       "IN-N",
		AcademicYear: "2024",
		EndpointsMB:  []string{"Students", "school", "students"},
	})
	require.NoError(t, err)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"students", "school"}, run.EndpointsMB)
	assert.Empty(t, run.EndpointsNex)
}

func TestTriggerSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched := &db.SyncSchedule{
		NodeID:             "IN-N",
		AcademicYear:       "2024",
		CronExpression:     "0 2 * * *",
		EndpointsNex:       []string{"students"},
		IncludeDescendants: true,
	}
	require.NoError(t, f.store.CreateSchedule(ctx, sched))

	f.resolver.EXPECT().Resolve(gomock.Any(), "IN-N", true).
		Return([]nodes.Node{{ID: "IN-N", Schools: []connector.School{school("A", connector.SourceNex)}}}, nil)

	fired := time.Date(2024, 9, 1, 2, 0, 0, 0, time.UTC)
	res, err := f.d.TriggerSchedule(ctx, sched, TriggeredByScheduler, &fired)
	require.NoError(t, err)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.ScheduleID)
	assert.Equal(t, sched.ID, *run.ScheduleID)
	require.NotNil(t, run.ScheduledFor)
	assert.True(t, fired.Equal(*run.ScheduledFor))
	assert.Equal(t, TriggeredByScheduler, run.TriggeredBy)
	assert.Equal(t, []string{"students"}, run.EndpointsNex)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.Triggers.WithLabelValues(OriginScheduler, "created")))
}

func TestTriggerSchedule_AllScope(t *testing.T) {
	f := newFixture(t)

	f.resolver.EXPECT().AllSchools(gomock.Any()).Return([]connector.School{school("A", connector.SourceMB)}, nil)

	sched := &db.SyncSchedule{ID: "sched-all", NodeID: AllScope, AcademicYear: "2024"}
	res, err := f.d.TriggerSchedule(context.Background(), sched, "admin", nil)
	require.NoError(t, err)
	assert.Equal(t, db.RunPending, res.Status)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.Triggers.WithLabelValues(OriginSchedule, "created")))
}
