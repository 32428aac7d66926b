package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/inbox"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// outcome is the terminal result of one school, sent to the aggregator
type outcome struct {
	runID    int64
	rowID    int64
	schoolID string
	source   string
	status   db.SchoolStatus
	errMsg   *string
	endpoint string // endpoint that failed, if any
	records  int
}

// processSchool claims one school, syncs it and reports its outcome. Any
// failure, including a panic, is contained to this school. The returned error
// is a store failure that left the school without a recorded outcome.
func (e *Executor) processSchool(
	ctx context.Context,
	runID int64,
	sel connector.Selection,
	row db.SyncRunSchool,
	outcomes *inbox.Inbox[outcome],
	log *zap.Logger,
) error {
	log = log.With(zap.String("school_id", row.SchoolID), zap.String("source", row.SchoolSource))
	storeCtx := context.WithoutCancel(ctx)

	claimed, err := e.store.StartSchool(storeCtx, row.ID)
	if err != nil {
		log.Error("failed to claim school", zap.Error(err))
		return err
	}
	if !claimed {
		log.Debug("school no longer pending")
		return nil
	}

	o := outcome{
		runID:    runID,
		rowID:    row.ID,
		schoolID: row.SchoolID,
		source:   row.SchoolSource,
		status:   db.SchoolCompleted,
	}

	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("panic: %v", p)
			o.status = db.SchoolFailed
			o.errMsg = &msg
			log.Error("school sync panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
		outcomes.Send(storeCtx, o)
	}()

	if err := e.syncSchool(ctx, row, sel, &o, log); err != nil {
		// upstream failures are stored as the gateway reported them
		msg := err.Error()
		var ce *syncerr.ConnectorError
		if errors.As(err, &ce) {
			msg = ce.Err.Error()
			o.endpoint = ce.Endpoint
		}
		o.status = db.SchoolFailed
		o.errMsg = &msg
	}
	return nil
}

// syncSchool calls each selected endpoint in order, stopping at the first
// failure. Calls are detached from ctx so shutdown never cuts one short.
func (e *Executor) syncSchool(ctx context.Context, row db.SyncRunSchool, sel connector.Selection, o *outcome, log *zap.Logger) error {
	src, err := connector.ParseSource(row.SchoolSource)
	if err != nil {
		return err
	}
	school := connector.School{ID: row.SchoolID, Source: src, Name: row.SchoolName}

	for _, ep := range sel.For(src) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.EndpointTimeout)
		start := time.Now()
		res, err := e.gateway.Sync(callCtx, school, ep)
		cancel()
		e.metrics.EndpointCalled(string(src), string(ep), time.Since(start), err)

		if err != nil {
			log.Warn("endpoint failed", zap.String("endpoint", string(ep)), zap.Error(err))
			return &syncerr.ConnectorError{
				Source:   string(src),
				Endpoint: string(ep),
				SchoolID: row.SchoolID,
				Err:      err,
			}
		}
		o.records += res.Records
	}
	return nil
}

// aggregate is the single writer of school outcomes and run counters for a
// run. It returns the first outcome it failed to record.
func (e *Executor) aggregate(ctx context.Context, outcomes *inbox.Inbox[outcome], log *zap.Logger) error {
	var firstErr error
	for {
		o, ok := outcomes.Receive()
		if !ok {
			return firstErr
		}

		err := e.store.FinishSchool(ctx, db.SchoolOutcome{
			RunID:         o.runID,
			SchoolRowID:   o.rowID,
			Status:        o.status,
			ErrorMessage:  o.errMsg,
			RecordsSynced: o.records,
		})

		fields := []zap.Field{
			zap.String("school_id", o.schoolID),
			zap.String("source", o.source),
			zap.String("status", string(o.status)),
		}
		if err != nil {
			log.Error("failed to record school outcome", append(fields, zap.Error(err))...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		e.metrics.SchoolFinished(o.source, string(o.status))
		if o.endpoint != "" {
			fields = append(fields, zap.String("endpoint", o.endpoint))
		}
		if o.errMsg != nil {
			fields = append(fields, zap.String("error", *o.errMsg))
		}
		log.Info("school finished", append(fields, zap.Int("records", o.records))...)
	}
}
