package api

import (
	"net/http"
	"slices"

	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// handleListActions lists the caller's actions. Operators may list any
// manager's actions with ?manager_id=.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFrom(r.Context())
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := store.ActionFilter{
		Status:    schema.ActionStatus(r.URL.Query().Get("status")),
		ManagerID: p.ID,
		RunID:     r.URL.Query().Get("run_id"),
		Limit:     min(max(limit, 1), maxPageSize),
	}
	if p.IsOperator() {
		filter.ManagerID = r.URL.Query().Get("manager_id")
	}
	actions, err := s.deps.Store.ListActions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []*store.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFrom(r.Context())
	action, err := s.deps.Engine.Approver().Approve(r.Context(), r.PathValue("id"), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p := identity.PrincipalFrom(r.Context())
	action, err := s.deps.Engine.Approver().Reject(r.Context(), r.PathValue("id"), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := store.ExceptionFilter{
		Status:   schema.ExceptionStatus(q.Get("status")),
		Severity: schema.Severity(q.Get("severity")),
		RunID:    q.Get("run_id"),
		Limit:    min(max(limit, 1), maxPageSize),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown severity %q", filter.Severity))
		return
	}
	if sc := scopeFrom(r.Context()); !sc.All() {
		filter.Scoped = true
		filter.PropertyIDs = sc.PropertyIDs()
	}
	list, err := s.deps.Store.ListExceptions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*store.Exception{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": list})
}

func (s *Server) handleAckException(w http.ResponseWriter, r *http.Request) {
	s.transitionException(w, r, []schema.ExceptionStatus{schema.ExceptionOpen}, schema.ExceptionAck)
}

func (s *Server) handleResolveException(w http.ResponseWriter, r *http.Request) {
	s.transitionException(w, r,
		[]schema.ExceptionStatus{schema.ExceptionOpen, schema.ExceptionAck}, schema.ExceptionResolved)
}

func (s *Server) transitionException(w http.ResponseWriter, r *http.Request, from []schema.ExceptionStatus, to schema.ExceptionStatus) {
	ctx := r.Context()
	id := r.PathValue("id")
	exc, err := s.deps.Store.GetException(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !scopeFrom(ctx).Allows(exc.PropertyID) {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "exception %q not found", id))
		return
	}
	if !slices.Contains(from, exc.Status) {
		writeError(w, schema.NewErrorf(schema.ErrCodeConflict, "exception %s is %s", id, exc.Status))
		return
	}
	ok, err := s.deps.Store.TransitionException(ctx, id, from, to, s.deps.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, schema.NewErrorf(schema.ErrCodeConflict, "exception %s changed concurrently", id))
		return
	}
	exc, err = s.deps.Store.GetException(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exc)
}
