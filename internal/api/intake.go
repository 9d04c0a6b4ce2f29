package api

import (
	"encoding/json"
	"net/http"

	"github.com/farizattamimi/PMS-sub002/internal/handlers"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

func intakeStatus(res *intake.Result) int {
	if res.Skipped {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// handleEvent routes a domain event to its workflow.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		writeError(w, schema.NewError(schema.ErrCodeHandlerMissing, "event intake is not configured"))
		return
	}
	var ev intake.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, err)
		return
	}
	if !scopeFrom(r.Context()).Allows(ev.PropertyID) {
		writeError(w, schema.NewError(schema.ErrCodePermission, "property is outside the caller's scope"))
		return
	}
	res, err := s.deps.Router.Route(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, intakeStatus(res), res)
}

// handleTrigger starts a workflow on behalf of a person.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manual == nil {
		writeError(w, schema.NewError(schema.ErrCodeHandlerMissing, "manual triggers are not configured"))
		return
	}
	var req intake.ManualTrigger
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Manual.Trigger(r.Context(), identity.PrincipalFrom(r.Context()), scopeFrom(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, intakeStatus(res), res)
}

// handleInbound accepts a tenant message from a messaging channel. The
// caller proves itself with the channel's HMAC secret or bearer secret.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := r.PathValue("channel")
	if s.deps.Inbound == nil || s.deps.Verifier == nil {
		writeError(w, schema.NewError(schema.ErrCodeHandlerMissing, "inbound intake is not configured"))
		return
	}
	if !s.deps.Inbound.Known(channel) {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "unknown channel %q", channel))
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if sig := r.Header.Get(handlers.HeaderSignature); sig != "" {
		err = s.deps.Verifier.VerifySignature(ctx, channel, r.Header.Get(handlers.HeaderTimestamp), sig, body)
	} else {
		err = s.deps.Verifier.VerifyBearer(ctx, channel, bearerToken(r))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "body must be a JSON object"))
		return
	}
	res, err := s.deps.Inbound.Receive(ctx, channel, doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, intakeStatus(res), res)
}
