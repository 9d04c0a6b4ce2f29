package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// handleRuns lists runs or returns one run's detail.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runID := req.GetString("run_id", ""); runID != "" {
		detail, err := s.store.GetRunDetail(ctx, runID)
		if err != nil {
			return toolError("run lookup failed", err), nil
		}
		return marshalResult(detail)
	}

	filter := store.RunFilter{
		Status:       schema.RunStatus(req.GetString("status", "")),
		WorkflowType: schema.WorkflowType(req.GetString("workflow_type", "")),
		PropertyID:   req.GetString("property_id", ""),
		Limit:        clampLimit(req.GetInt("limit", defaultLimit)),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", filter.Status)), nil
	}
	if filter.WorkflowType != "" && !filter.WorkflowType.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown workflow_type %q", filter.WorkflowType)), nil
	}
	page, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return toolError("list runs failed", err), nil
	}
	return marshalResult(page)
}

// handleReplay requeues a dead-lettered run.
func (s *Server) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.engine.Replay(ctx, runID)
	if err != nil {
		return toolError("replay failed", err), nil
	}
	s.logger.Info("run replayed over mcp", "run_id", runID, "operator", s.operator.ID)
	return marshalResult(run)
}

// handleTrigger starts a manual run as the configured operator.
func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.manual == nil {
		return mcp.NewToolResultError("manual triggers are not configured"), nil
	}
	wf, err := req.RequireString("workflow_type")
	if err != nil {
		return mcp.NewToolResultError("workflow_type is required"), nil
	}
	res, err := s.manual.Trigger(ctx, s.operator, identity.AllProperties(), intake.ManualTrigger{
		PropertyID:   req.GetString("property_id", ""),
		TriggerType:  schema.TriggerManual,
		WorkflowType: schema.WorkflowType(wf),
		Payload:      mcp.ParseStringMap(req, "payload", nil),
		MaxAttempts:  req.GetInt("max_attempts", 0),
	})
	if err != nil {
		return toolError("trigger failed", err), nil
	}
	return marshalResult(res)
}

// handleGovernor reports the governor state and the current decision.
func (s *Server) handleGovernor(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gov := s.engine.Governor()
	st, err := gov.State(ctx)
	if err != nil {
		return toolError("governor state failed", err), nil
	}
	dec, err := gov.CanExecuteAutonomy(ctx)
	if err != nil {
		return toolError("governor decision failed", err), nil
	}
	return marshalResult(map[string]any{
		"state":     st,
		"decision":  dec,
		"trip_rule": gov.TripRule(),
	})
}

func (s *Server) handleKillSwitch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	on, err := req.RequireBool("on")
	if err != nil {
		return mcp.NewToolResultError("on is required"), nil
	}
	st, err := s.engine.Governor().SetKillSwitch(ctx, on, req.GetString("reason", ""))
	if err != nil {
		return toolError("kill switch failed", err), nil
	}
	s.logger.Warn("kill switch changed over mcp", "on", on, "operator", s.operator.ID)
	return marshalResult(st)
}

func (s *Server) handleResume(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Governor().Resume(ctx)
	if err != nil {
		return toolError("resume failed", err), nil
	}
	return marshalResult(st)
}

func (s *Server) handleEvaluate(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, err := s.engine.Governor().EvaluateAndAutoPause(ctx)
	if err != nil {
		return toolError("evaluation failed", err), nil
	}
	return marshalResult(ev)
}

func (s *Server) handleExceptions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExceptionFilter{
		Status:   schema.ExceptionStatus(req.GetString("status", "")),
		Severity: schema.Severity(req.GetString("severity", "")),
		RunID:    req.GetString("run_id", ""),
		Limit:    clampLimit(req.GetInt("limit", defaultLimit)),
	}
	list, err := s.store.ListExceptions(ctx, filter)
	if err != nil {
		return toolError("list exceptions failed", err), nil
	}
	if list == nil {
		list = []*store.Exception{}
	}
	return marshalResult(map[string]any{"exceptions": list, "count": len(list)})
}

// handleException applies an ack or resolve transition.
func (s *Server) handleException(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("exception_id")
	if err != nil {
		return mcp.NewToolResultError("exception_id is required"), nil
	}
	var from []schema.ExceptionStatus
	var to schema.ExceptionStatus
	switch action := req.GetString("action", ""); action {
	case "ack":
		from, to = []schema.ExceptionStatus{schema.ExceptionOpen}, schema.ExceptionAck
	case "resolve":
		from, to = []schema.ExceptionStatus{schema.ExceptionOpen, schema.ExceptionAck}, schema.ExceptionResolved
	default:
		return mcp.NewToolResultError(fmt.Sprintf("action must be ack or resolve, got %q", action)), nil
	}

	exc, err := s.store.GetException(ctx, id)
	if err != nil {
		return toolError("exception lookup failed", err), nil
	}
	if !slices.Contains(from, exc.Status) {
		return mcp.NewToolResultError(fmt.Sprintf("exception %s is %s", id, exc.Status)), nil
	}
	ok, err := s.store.TransitionException(ctx, id, from, to, time.Now().UTC())
	if err != nil {
		return toolError("exception update failed", err), nil
	}
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("exception %s changed concurrently", id)), nil
	}
	exc, err = s.store.GetException(ctx, id)
	if err != nil {
		return toolError("exception lookup failed", err), nil
	}
	return marshalResult(exc)
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// toolError renders err as a tool-level failure, keeping its code.
func toolError(msg string, err error) *mcp.CallToolResult {
	var ae *schema.AutopilotError
	if errors.As(err, &ae) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", msg, ae.Code, ae.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
