package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/livinlefevreloca/schoolsync/internal/db"
)

// CancelMessage acknowledges a cancel of an unfinished run. In-flight endpoint
// calls are allowed to finish.
const CancelMessage = "cancel requested, run will stop within seconds"

// ReasonTimeout is recorded as the cancel reason when a run exceeds its
// wall-clock budget
const ReasonTimeout = "run timeout exceeded"

// Signal is the in-process cancellation flag for one run
type Signal struct {
	mu        sync.Mutex
	requested bool
	reason    string
}

// Cancel sets the flag. The first reason wins.
func (s *Signal) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requested {
		return
	}
	s.requested = true
	s.reason = reason
}

// Requested reports whether the flag is set and why
func (s *Signal) Requested() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested, s.reason
}

// CancelStore persists cancellation requests
type CancelStore interface {
	RequestCancel(ctx context.Context, runID int64, reason string) (*db.SyncRun, error)
}

// CancelResult is returned to whoever asked for the cancel
type CancelResult struct {
	RunID   int64
	Status  db.RunStatus
	Message string
}

// Coordinator routes cancel requests to runs. The request is persisted first
// so that an executor in another process observes it at its next school
// boundary; runs executing in this process are also signalled directly.
type Coordinator struct {
	store CancelStore

	mu      sync.Mutex
	signals map[int64]*Signal
}

// NewCoordinator creates a coordinator backed by store
func NewCoordinator(store CancelStore) *Coordinator {
	return &Coordinator{
		store:   store,
		signals: make(map[int64]*Signal),
	}
}

// Cancel requests cooperative cancellation of a run. Cancelling a run that is
// already terminal changes nothing and reports its status.
func (c *Coordinator) Cancel(ctx context.Context, runID int64, requestedBy string) (CancelResult, error) {
	reason := "cancelled"
	if requestedBy != "" {
		reason = "cancelled by " + requestedBy
	}

	run, err := c.store.RequestCancel(ctx, runID, reason)
	if err != nil {
		return CancelResult{}, err
	}

	if run.Status.Terminal() {
		return CancelResult{
			RunID:   runID,
			Status:  run.Status,
			Message: fmt.Sprintf("run already %s", run.Status),
		}, nil
	}

	c.signal(runID, reason)
	return CancelResult{RunID: runID, Status: run.Status, Message: CancelMessage}, nil
}

func (c *Coordinator) signal(runID int64, reason string) {
	c.mu.Lock()
	sig, ok := c.signals[runID]
	c.mu.Unlock()
	if ok {
		sig.Cancel(reason)
	}
}

// register returns the signal for runID, creating it if needed
func (c *Coordinator) register(runID int64) *Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	sig, ok := c.signals[runID]
	if !ok {
		sig = &Signal{}
		c.signals[runID] = sig
	}
	return sig
}

func (c *Coordinator) release(runID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signals, runID)
}

// Active returns the number of runs with a registered signal
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}
