package api

import (
	"net/http"

	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	filter := store.RunFilter{
		Status:       schema.RunStatus(q.Get("status")),
		WorkflowType: schema.WorkflowType(q.Get("workflow_type")),
		PropertyID:   q.Get("property_id"),
		Limit:        limit,
		Offset:       offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", filter.Status))
		return
	}
	if filter.WorkflowType != "" && !filter.WorkflowType.Valid() {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow_type %q", filter.WorkflowType))
		return
	}
	if sc := scopeFrom(r.Context()); !sc.All() {
		filter.Scoped = true
		filter.PropertyIDs = sc.PropertyIDs()
	}

	page, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// visibleRun loads a run the caller may see. Runs outside the caller's
// scope are reported as missing.
func (s *Server) visibleRun(r *http.Request, id string) (*store.RunDetail, error) {
	detail, err := s.deps.Store.GetRunDetail(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !scopeFrom(r.Context()).Allows(detail.PropertyID) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	return detail, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.visibleRun(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleReplay requeues a dead-lettered run.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": run})
}
