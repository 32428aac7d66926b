package db

import "time"

// RunStatus is the lifecycle state of a SyncRun
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// SchoolStatus is the lifecycle state of a SyncRunSchool
type SchoolStatus string

const (
	SchoolPending   SchoolStatus = "pending"
	SchoolRunning   SchoolStatus = "running"
	SchoolCompleted SchoolStatus = "completed"
	SchoolFailed    SchoolStatus = "failed"
	SchoolSkipped   SchoolStatus = "skipped"
)

// Terminal reports whether the school has finished
func (s SchoolStatus) Terminal() bool {
	return s == SchoolCompleted || s == SchoolFailed || s == SchoolSkipped
}

// SyncSchedule is a recurring sync definition
type SyncSchedule struct {
	ID                 string
	NodeID             string
	AcademicYear       string
	CronExpression     string
	EndpointsMB        []string // empty = all endpoints
	EndpointsNex       []string // empty = all endpoints
	IncludeDescendants bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SyncRun is one execution of a sync, scheduled or ad hoc
type SyncRun struct {
	ID                int64
	ScheduleID        *string
	NodeID            string
	AcademicYear      string
	ScopeKey          string
	Status            RunStatus
	EndpointsMB       []string
	EndpointsNex      []string
	TotalSchools      int
	SchoolsSucceeded  int
	SchoolsFailed     int
	TriggeredBy       string
	ErrorSummary      *string
	ScheduledFor      *time.Time
	CancelRequestedAt *time.Time
	CancelReason      *string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time

	// Populated by GetRunWithSchools only
	Schools []SyncRunSchool
}

// SyncRunSchool is one unit of work: a single school within a run
type SyncRunSchool struct {
	ID            int64
	RunID         int64
	SchoolID      string
	SchoolSource  string
	SchoolName    string
	Status        SchoolStatus
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  *string
	RecordsSynced int
}

// SchoolRef identifies a school selected for a run
type SchoolRef struct {
	ID     string
	Source string
	Name   string
}

// ScopeKey identifies the (node, academic year) pair guarded against
// overlapping runs
func ScopeKey(nodeID, academicYear string) string {
	return nodeID + "|" + academicYear
}
