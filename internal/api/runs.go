package api

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/schoolsync/internal/db"
	"github.com/livinlefevreloca/schoolsync/internal/dispatch"
	"github.com/livinlefevreloca/schoolsync/internal/syncerr"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// TriggerRequest is the body of POST /trigger
type TriggerRequest struct {
	NodeID             string   `json:"nodeId"`
	All                bool     `json:"all"`
	AcademicYear       string   `json:"academicYear"`
	IncludeDescendants bool     `json:"includeDescendants"`
	EndpointsMB        []string `json:"endpointsMb"`
	EndpointsNex       []string `json:"endpointsNex"`
}

func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.RunFilter{
		NodeID:       q.Get("node_id"),
		AcademicYear: q.Get("academic_year"),
		Limit:        defaultRunLimit,
	}

	if raw := q.Get("status"); raw != "" {
		status := db.RunStatus(raw)
		if !status.Valid() {
			rr.writeError(w, r, syncerr.Invalid("status", "unknown run status %q", raw))
			return
		}
		filter.Status = status
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), defaultRunLimit, 1, maxRunLimit); err != nil {
		rr.writeError(w, r, syncerr.Invalid("limit", "%s", err.Error()))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0, 0, -1); err != nil {
		rr.writeError(w, r, syncerr.Invalid("offset", "%s", err.Error()))
		return
	}

	runs, err := rr.store.ListRuns(r.Context(), filter)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}

	out := make([]RunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, toRunResponse(&runs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (rr *Routes) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}

	run, err := rr.store.GetRunWithSchools(r.Context(), id)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDetailResponse(run)})
}

func (rr *Routes) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		rr.writeError(w, r, err)
		return
	}

	res, err := rr.canceller.Cancel(r.Context(), id, actor(r))
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		RunID:   res.RunID,
		Status:  string(res.Status),
		Message: res.Message,
	})
}

func (rr *Routes) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := rr.decode(w, r, &req); err != nil {
		rr.writeError(w, r, err)
		return
	}

	res, err := rr.trigger.Trigger(r.Context(), dispatch.Request{
		NodeID:             req.NodeID,
		All:                req.All,
		AcademicYear:       req.AcademicYear,
		IncludeDescendants: req.IncludeDescendants,
		EndpointsMB:        req.EndpointsMB,
		EndpointsNex:       req.EndpointsNex,
		TriggeredBy:        actor(r),
		Origin:             dispatch.OriginAPI,
	})
	if err != nil {
		rr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: res.RunID, Status: string(res.Status)})
}

func runID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, syncerr.Invalid("id", "run id must be a positive integer, got %q", raw)
	}
	return id, nil
}

// intParam parses an optional integer query parameter. hi < 0 means unbounded.
func intParam(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Newf("must be an integer, got %q", raw)
	}
	if hi < 0 && v < lo {
		return 0, errors.Newf("must be at least %d", lo)
	}
	if hi >= 0 && (v < lo || v > hi) {
		return 0, errors.Newf("must be between %d and %d", lo, hi)
	}
	return v, nil
}
