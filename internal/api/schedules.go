package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/schoolsync/internal/connector"
	"github.com/livinlefevreloca/schoolsync/internal/cron"
	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/dispatch"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

// CreateScheduleRequest is the body of POST /schedules
type CreateScheduleRequest struct {
	NodeID             string   `json:"node_id"`
	AcademicYear       string   `json:"academic_year"`
	CronExpression     string   `json:"cron_expression"`
	EndpointsMB        []string `json:"endpoints_mb"`
	EndpointsNex       []string `json:"endpoints_nex"`
	IncludeDescendants bool     `json:"include_descendants"`
	IsActive           *bool    `json:"is_active"`
}

// UpdateScheduleRequest is the body of PUT /schedules/{id}. Absent fields
// are left unchanged.
type UpdateScheduleRequest struct {
	NodeID             *string   `json:"node_id"`
	AcademicYear       *string   `json:"academic_year"`
	CronExpression     *string   `json:"cron_expression"`
	EndpointsMB        *[]string `json:"endpoints_mb"`
	EndpointsNex       *[]string `json:"endpoints_nex"`
	IncludeDescendants *bool     `json:"include_descendants"`
	IsActive           *bool     `json:"is_active"`
}

func (rr *Routes) listSchedules(w http.ResponseWriter, r *http.Request) {
	var filter db.ScheduleFilter
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			rr.writeError(w, r, syncerr.Invalid("active", "must be true or false"))
			return
		}
		filter.Active = &active
	}

	schedules, err := rr.store.ListSchedules(r.Context(), filter)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}

	out := make([]ScheduleResponse, 0, len(schedules))
	for i := range schedules {
		out = append(out, toScheduleResponse(&schedules[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (rr *Routes) getSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := rr.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": toScheduleResponse(s)})
}

func (rr *Routes) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := rr.decode(w, r, &req); err != nil {
		rr.writeError(w, r, err)
		return
	}

	s := &db.SyncSchedule{
		NodeID:             strings.TrimSpace(req.NodeID),
		AcademicYear:       strings.TrimSpace(req.AcademicYear),
		CronExpression:     strings.TrimSpace(req.CronExpression),
		EndpointsMB:        req.EndpointsMB,
		EndpointsNex:       req.EndpointsNex,
		IncludeDescendants: req.IncludeDescendants,
		IsActive:           true,
	}
	if req.IsActive != nil {
		s.IsActive = *req.IsActive
	}

	if err := rr.validateSchedule(r.Context(), s); err != nil {
		rr.writeError(w, r, err)
		return
	}
	if err := rr.store.CreateSchedule(r.Context(), s); err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule": toScheduleResponse(s)})
}

func (rr *Routes) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleRequest
	if err := rr.decode(w, r, &req); err != nil {
		rr.writeError(w, r, err)
		return
	}

	s, err := rr.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}

	if req.NodeID != nil {
		s.NodeID = strings.TrimSpace(*req.NodeID)
	}
	if req.AcademicYear != nil {
		s.AcademicYear = strings.TrimSpace(*req.AcademicYear)
	}
	if req.CronExpression != nil {
		s.CronExpression = strings.TrimSpace(*req.CronExpression)
	}
	if req.EndpointsMB != nil {
		s.EndpointsMB = *req.EndpointsMB
	}
	if req.EndpointsNex != nil {
		s.EndpointsNex = *req.EndpointsNex
	}
	if req.IncludeDescendants != nil {
		s.IncludeDescendants = *req.IncludeDescendants
	}
	if req.IsActive != nil {
		s.IsActive = *req.IsActive
	}

	if err := rr.validateSchedule(r.Context(), s); err != nil {
		rr.writeError(w, r, err)
		return
	}
	if err := rr.store.UpdateSchedule(r.Context(), s); err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": toScheduleResponse(s)})
}

func (rr *Routes) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := rr.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		rr.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := rr.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}

	res, err := rr.trigger.TriggerSchedule(r.Context(), s, actor(r), nil)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: res.RunID, Status: string(res.Status)})
}

// validateSchedule checks the cron expression, endpoint names and node, and
// normalises the endpoint lists in place
func (rr *Routes) validateSchedule(ctx context.Context, s *db.SyncSchedule) error {
	if s.NodeID == "" {
		return syncerr.Invalid("node_id", "is required")
	}
	if s.AcademicYear == "" {
		return syncerr.Invalid("academic_year", "is required")
	}
	if err := cron.Validate(s.CronExpression); err != nil {
		return syncerr.Invalid("cron_expression", "%s", err.Error())
	}

	sel, err := connector.NewSelection(s.EndpointsMB, s.EndpointsNex)
	if err != nil {
		return err
	}
	s.EndpointsMB = sel.Names(connector.SourceMB)
	s.EndpointsNex = sel.Names(connector.SourceNex)

	if s.NodeID == dispatch.AllScope {
		return nil
	}
	if _, err := rr.resolver.Resolve(ctx, s.NodeID, false); err != nil {
		if syncerr.IsNotFound(err) {
			return syncerr.Invalid("node_id", "unknown node %q", s.NodeID)
		}
		return err
	}
	return nil
}
