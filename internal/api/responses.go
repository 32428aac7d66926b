package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// ScheduleResponse is the wire form of a schedule
type ScheduleResponse struct {
	ID                 string    `json:"id"`
	NodeID             string    `json:"node_id"`
	AcademicYear       string    `json:"academic_year"`
	CronExpression     string    `json:"cron_expression"`
	EndpointsMB        []string  `json:"endpoints_mb"`
	EndpointsNex       []string  `json:"endpoints_nex"`
	IncludeDescendants bool      `json:"include_descendants"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RunResponse is the wire form of a run
type RunResponse struct {
	ID                int64      `json:"id"`
	ScheduleID        *string    `json:"schedule_id"`
	NodeID            string     `json:"node_id"`
	AcademicYear      string     `json:"academic_year"`
	Status            string     `json:"status"`
	EndpointsMB       []string   `json:"endpoints_mb"`
	EndpointsNex      []string   `json:"endpoints_nex"`
	TotalSchools      int        `json:"total_schools"`
	SchoolsSucceeded  int        `json:"schools_succeeded"`
	SchoolsFailed     int        `json:"schools_failed"`
	TriggeredBy       string     `json:"triggered_by"`
	ErrorSummary      *string    `json:"error_summary"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	CancelReason      *string    `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
}

// RunDetailResponse is a run with its schools
type RunDetailResponse struct {
	RunResponse
	Schools []SchoolResponse `json:"schools"`
}

// SchoolResponse is the wire form of one school within a run
type SchoolResponse struct {
	ID            int64      `json:"id"`
	SchoolID      string     `json:"school_id"`
	SchoolSource  string     `json:"school_source"`
	SchoolName    string     `json:"school_name"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	ErrorMessage  *string    `json:"error_message"`
	RecordsSynced int        `json:"records_synced"`
}

// TriggerResponse acknowledges a trigger. Field casing follows the trigger
// request body.
type TriggerResponse struct {
	RunID  int64  `json:"runId"`
	Status string `json:"status"`
}

// CancelResponse acknowledges a cancel request
type CancelResponse struct {
	RunID   int64  `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error         string `json:"error"`
	ExistingRunID *int64 `json:"existing_run_id,omitempty"`
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func toScheduleResponse(s *db.SyncSchedule) ScheduleResponse {
	return ScheduleResponse{
		ID:                 s.ID,
		NodeID:             s.NodeID,
		AcademicYear:       s.AcademicYear,
		CronExpression:     s.CronExpression,
		EndpointsMB:        nonNil(s.EndpointsMB),
		EndpointsNex:       nonNil(s.EndpointsNex),
		IncludeDescendants: s.IncludeDescendants,
		IsActive:           s.IsActive,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func toRunResponse(r *db.SyncRun) RunResponse {
	return RunResponse{
		ID:                r.ID,
		ScheduleID:        r.ScheduleID,
		NodeID:            r.NodeID,
		AcademicYear:      r.AcademicYear,
		Status:            string(r.Status),
		EndpointsMB:       nonNil(r.EndpointsMB),
		EndpointsNex:      nonNil(r.EndpointsNex),
		TotalSchools:      r.TotalSchools,
		SchoolsSucceeded:  r.SchoolsSucceeded,
		SchoolsFailed:     r.SchoolsFailed,
		TriggeredBy:       r.TriggeredBy,
		ErrorSummary:      r.ErrorSummary,
		ScheduledFor:      r.ScheduledFor,
		CancelRequestedAt: r.CancelRequestedAt,
		CancelReason:      r.CancelReason,
		CreatedAt:         r.CreatedAt,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
	}
}

func toRunDetailResponse(r *db.SyncRun) RunDetailResponse {
	out := RunDetailResponse{
		RunResponse: toRunResponse(r),
		Schools:     make([]SchoolResponse, 0, len(r.Schools)),
	}
	for _, s := range r.Schools {
		out.Schools = append(out.Schools, SchoolResponse{
			ID:            s.ID,
			SchoolID:      s.SchoolID,
			SchoolSource:  s.SchoolSource,
			SchoolName:    s.SchoolName,
			Status:        string(s.Status),
			StartedAt:     s.StartedAt,
			CompletedAt:   s.CompletedAt,
			ErrorMessage:  s.ErrorMessage,
			RecordsSynced: s.RecordsSynced,
		})
	}
	return out
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeError maps err onto the error taxonomy's status codes
func (rr *Routes) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if c, ok := syncerr.AsConflict(err); ok {
		id := c.RunID
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: c.Error(), ExistingRunID: &id})
		return
	}

	switch {
	case syncerr.IsValidation(err):
		var v *syncerr.ValidationError
		errors.As(err, &v)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: v.Error()})
	case syncerr.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, db.ErrDuplicate):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		rr.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

// decode reads a JSON body, rejecting unknown fields
func (rr *Routes) decode(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, rr.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return &syncerr.ValidationError{Reason: "invalid request body: " + err.Error()}
	}
	return nil
}
