package api

import (
	"net/http"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

func (s *Server) handleGovernorStatus(w http.ResponseWriter, r *http.Request) {
	gov := s.deps.Engine.Governor()
	st, err := gov.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	dec, err := gov.CanExecuteAutonomy(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     st,
		"decision":  dec,
		"trip_rule": gov.TripRule(),
	})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On     bool   `json:"on"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.deps.Engine.Governor().SetKillSwitch(r.Context(), body.On, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.Governor().Resume(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Engine.Governor().EvaluateAndAutoPause(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	var t engine.Thresholds
	if err := decodeJSON(w, r, &t); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.deps.Engine.Governor().UpdateThresholds(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAutomation enables or disables automation for one property.
func (s *Server) handleAutomation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "enabled is required"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Store.SetAutomationEnabled(r.Context(), id, *body.Enabled); err != nil {
		writeError(w, err)
		return
	}
	ps, err := s.deps.Store.GetPropertySettings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.GrantProperty(r.Context(), r.PathValue("id"), r.PathValue("property")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.RevokeProperty(r.Context(), r.PathValue("id"), r.PathValue("property")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
