package executor

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// InterruptedMessage is recorded on schools that were mid-sync when the
// previous process stopped
const InterruptedMessage = "interrupted before completion"

// Recover resumes runs left pending or running by a previous process. Schools
// caught mid-sync are failed, since their endpoint calls may or may not have
// reached the upstream; their pending siblings are processed normally.
// Start must have been called.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListUnfinishedRuns(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list unfinished runs")
	}

	for _, run := range runs {
		n, err := e.store.FailInterruptedSchools(ctx, run.ID, InterruptedMessage)
		if err != nil {
			return 0, errors.Wrapf(err, "recover run %d", run.ID)
		}
		e.logger.Info("recovering run",
			zap.Int64("run_id", run.ID),
			zap.String("status", string(run.Status)),
			zap.Int64("interrupted_schools", n))
		e.Submit(run.ID)
	}

	return len(runs), nil
}
