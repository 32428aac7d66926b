// Package scheduler fires active sync schedules when their cron expression
// matches.
//
// The scheduler holds no authoritative state: every tick re-reads the active
// schedules from the store, and a restarted process picks up where the store
// says things are. A fire records the matched minute on the run, and the store
// refuses a second run for the same schedule and minute, so overlapping ticks
// or several scheduler processes never double-fire.
package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/cron"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/dispatch"
	"github.com/livinlefevreloca/schoolsync/internal/metrics"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// Fire results, used as a metrics label
const (
	FireCreated   = "created"
	FireFailed    = "failed"
	FireConflict  = "skipped_conflict"
	FireDuplicate = "duplicate"
	FireInvalid   = "invalid"
	FireError     = "error"
)

// Store is the part of the schedule store the scheduler reads each tick
type Store interface {
	ListActiveSchedules(ctx context.Context) ([]db.SyncSchedule, error)
}

// Trigger fires one schedule
type Trigger interface {
	TriggerSchedule(ctx context.Context, s *db.SyncSchedule, triggeredBy string, scheduledFor *time.Time) (dispatch.Result, error)
}

// Scheduler is the cron tick loop
type Scheduler struct {
	config  Config
	loc     *time.Location
	store   Store
	trigger Trigger
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// accessed only by the loop
	lastMinute time.Time
	parsed     map[string]*cron.Schedule
}

// New creates a scheduler with validated configuration
func New(config Config, store Store, trigger Trigger, logger *zap.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	loc, err := config.Location()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		config:  config,
		loc:     loc,
		store:   store,
		trigger: trigger,
		logger:  logger.Named("scheduler"),
		metrics: m,
		now:     time.Now,
		parsed:  make(map[string]*cron.Schedule),
	}, nil
}

// SetClock overrides the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting scheduler",
		zap.Duration("tick_interval", s.config.TickInterval),
		zap.String("timezone", s.loc.String()))

	s.tick(ctx)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return

		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every minute not yet seen, up to and including the current one
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() { s.metrics.TickObserved(time.Since(start)) }()

	minutes := s.pendingMinutes(s.now())
	if len(minutes) == 0 {
		return
	}

	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		// lastMinute is left alone so the next tick retries these minutes
		s.logger.Error("failed to load active schedules", zap.Error(err))
		return
	}

	for i := range schedules {
		sched := &schedules[i]
		expr, err := s.schedule(sched.CronExpression)
		if err != nil {
			s.logger.Error("active schedule has an invalid cron expression",
				zap.String("schedule_id", sched.ID),
				zap.String("cron_expression", sched.CronExpression),
				zap.Error(err))
			s.metrics.ScheduleFired(FireInvalid)
			continue
		}

		for _, minute := range minutes {
			if expr.MatchesIn(minute, s.loc) {
				s.fire(ctx, sched, minute)
			}
		}
	}

	s.lastMinute = minutes[len(minutes)-1]
}

// pendingMinutes returns the minutes in (lastMinute, now] bounded by the
// catch-up window, in the configured zone. The first tick only looks at the
// current minute.
func (s *Scheduler) pendingMinutes(now time.Time) []time.Time {
	current := now.In(s.loc).Truncate(time.Minute)

	if s.lastMinute.IsZero() {
		return []time.Time{current}
	}
	if !current.After(s.lastMinute) {
		return nil
	}

	from := s.lastMinute.Add(time.Minute)
	if earliest := current.Add(-s.config.CatchUpWindow + time.Minute); from.Before(earliest) {
		s.logger.Warn("scheduler fell behind; minutes outside the catch-up window are not evaluated",
			zap.Time("skipped_from", from),
			zap.Time("skipped_to", earliest.Add(-time.Minute)))
		from = earliest
	}

	var minutes []time.Time
	for m := from; !m.After(current); m = m.Add(time.Minute) {
		minutes = append(minutes, m)
	}
	return minutes
}

func (s *Scheduler) schedule(expr string) (*cron.Schedule, error) {
	if parsed, ok := s.parsed[expr]; ok {
		return parsed, nil
	}
	parsed, err := cron.Parse(expr)
	if err != nil {
		return nil, err
	}
	s.parsed[expr] = parsed
	return parsed, nil
}

// fire triggers one schedule for one matched minute. Overlap with a run that
// is still in flight is skipped, never queued.
func (s *Scheduler) fire(ctx context.Context, sched *db.SyncSchedule, minute time.Time) {
	scheduledFor := minute.UTC()
	log := s.logger.With(
		zap.String("schedule_id", sched.ID),
		zap.String("node_id", sched.NodeID),
		zap.String("academic_year", sched.AcademicYear),
		zap.Time("scheduled_for", scheduledFor))

	res, err := s.trigger.TriggerSchedule(ctx, sched, dispatch.TriggeredByScheduler, &scheduledFor)
	if err == nil {
		if res.Status == db.RunFailed {
			s.metrics.ScheduleFired(FireFailed)
			log.Warn("schedule fired but run failed at creation", zap.Int64("run_id", res.RunID))
			return
		}
		s.metrics.ScheduleFired(FireCreated)
		log.Info("schedule fired", zap.Int64("run_id", res.RunID))
		return
	}

	if c, ok := syncerr.AsConflict(err); ok {
		s.metrics.ScheduleFired(FireConflict)
		log.Info("skipping schedule, previous run still in progress", zap.Int64("existing_run_id", c.RunID))
		return
	}

	switch {
	case errors.Is(err, db.ErrDuplicate):
		s.metrics.ScheduleFired(FireDuplicate)
		log.Debug("schedule already fired for this minute")
	case syncerr.IsValidation(err):
		s.metrics.ScheduleFired(FireInvalid)
		log.Error("schedule cannot be triggered", zap.Error(err))
	default:
		s.metrics.ScheduleFired(FireError)
		log.Error("failed to trigger schedule", zap.Error(err))
	}
}
