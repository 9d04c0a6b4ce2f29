package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

type fixture struct {
	store  *store.SQLStore
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := streaming.NewMemoryHub()
	eng, err := engine.New(s, nil, engine.Options{Hub: hub, Logger: logger})
	require.NoError(t, err)
	manual := intake.NewManual(intake.NewEnqueuer(s, intake.EnqueuerOptions{Hub: hub, Logger: logger}), nil, logger)

	return &fixture{
		store: s,
		server: NewServer(ServerDeps{
			Engine: eng, Store: s, Manual: manual, Hub: hub, Logger: logger,
		}),
	}
}

func (f *fixture) seedRun(t *testing.T, id string, status schema.RunStatus, dlq bool) {
	t.Helper()
	meta := engine.NewMeta(map[string]any{"unit": "4B"}, 3, time.Now())
	meta.DLQ = dlq
	if dlq {
		meta.Attempts = 3
	}
	raw, err := meta.Encode()
	require.NoError(t, err)
	created, err := f.store.CreateRun(context.Background(), &store.Run{
		ID: id, WorkflowType: schema.WorkflowMaintenanceDispatch, TriggerType: schema.TriggerEvent,
		TriggerRef: "ref-" + id, PropertyID: "prop-1", Status: status, Meta: raw,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := h(context.Background(), mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestRunsTool(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "run-1", schema.RunStatusQueued, false)
	f.seedRun(t, "run-2", schema.RunStatusEscalated, true)

	res := call(t, f.server.handleRuns, map[string]any{"status": "ESCALATED"})
	require.False(t, res.IsError)
	var page store.RunPage
	unmarshalResult(t, res, &page)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, "run-2", page.Runs[0].ID)

	res = call(t, f.server.handleRuns, map[string]any{"run_id": "run-1"})
	require.False(t, res.IsError)
	var detail store.RunDetail
	unmarshalResult(t, res, &detail)
	assert.Equal(t, "run-1", detail.ID)

	res = call(t, f.server.handleRuns, map[string]any{"status": "DONE"})
	assert.True(t, res.IsError)

	res = call(t, f.server.handleRuns, map[string]any{"run_id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotFound)
}

func TestReplayTool(t *testing.T) {
	f := newFixture(t)
	f.seedRun(t, "dead", schema.RunStatusEscalated, true)
	f.seedRun(t, "alive", schema.RunStatusQueued, false)

	res := call(t, f.server.handleReplay, map[string]any{"run_id": "dead"})
	require.False(t, res.IsError, extractText(t, res))
	var run store.Run
	unmarshalResult(t, res, &run)
	assert.Equal(t, schema.RunStatusQueued, run.Status)

	res = call(t, f.server.handleReplay, map[string]any{"run_id": "alive"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), schema.ErrCodeNotDeadLettered)

	res = call(t, f.server.handleReplay, map[string]any{})
	assert.True(t, res.IsError)
}

func TestTriggerTool(t *testing.T) {
	f := newFixture(t)

	res := call(t, f.server.handleTrigger, map[string]any{
		"workflow_type": "MAINTENANCE_DISPATCH",
		"property_id":   "prop-9",
		"payload":       map[string]any{"unit": "2A"},
	})
	require.False(t, res.IsError, extractText(t, res))
	var out intake.Result
	unmarshalResult(t, res, &out)
	assert.True(t, out.OK)
	require.NotEmpty(t, out.RunID)

	run, err := f.store.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerManual, run.TriggerType)
	assert.Equal(t, "prop-9", run.PropertyID)

	res = call(t, f.server.handleTrigger, map[string]any{"workflow_type": "NOT_A_WORKFLOW"})
	assert.True(t, res.IsError)

	res = call(t, f.server.handleTrigger, map[string]any{
		"workflow_type": "PM_SCHEDULING",
		"property_id":   "prop-9",
		"max_attempts":  2,
	})
	require.False(t, res.IsError, extractText(t, res))
	unmarshalResult(t, res, &out)
	run, err = f.store.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	meta, err := engine.DecodeMeta(run.Meta)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.MaxAttempts)
}

func TestGovernorTools(t *testing.T) {
	f := newFixture(t)

	res := call(t, f.server.handleKillSwitch, map[string]any{"on": true})
	assert.True(t, res.IsError, "engaging requires a reason")
	res = call(t, f.server.handleKillSwitch, map[string]any{"on": true, "reason": "   "})
	assert.True(t, res.IsError, "a blank reason is not a reason")

	res = call(t, f.server.handleKillSwitch, map[string]any{"on": true, "reason": "vendor outage"})
	require.False(t, res.IsError, extractText(t, res))
	var st store.GovernorState
	unmarshalResult(t, res, &st)
	assert.True(t, st.KillSwitch)

	res = call(t, f.server.handleGovernor, nil)
	require.False(t, res.IsError)
	var status struct {
		State    store.GovernorState `json:"state"`
		Decision engine.Decision     `json:"decision"`
		TripRule string              `json:"trip_rule"`
	}
	unmarshalResult(t, res, &status)
	assert.True(t, status.State.KillSwitch)
	assert.False(t, status.Decision.Allowed)
	assert.NotEmpty(t, status.TripRule)

	res = call(t, f.server.handleResume, nil)
	require.False(t, res.IsError)
	unmarshalResult(t, res, &st)
	assert.False(t, st.KillSwitch)

	res = call(t, f.server.handleEvaluate, nil)
	require.False(t, res.IsError)
	var ev engine.Evaluation
	unmarshalResult(t, res, &ev)
	assert.False(t, ev.Tripped)
}

func TestExceptionTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateException(ctx, &store.Exception{
		ID: "exc-1", PropertyID: "prop-1", Severity: schema.SeverityCritical,
		Category: "ledger", Title: "Ledger mismatch", Status: schema.ExceptionOpen,
	}))

	res := call(t, f.server.handleExceptions, map[string]any{"status": "OPEN"})
	require.False(t, res.IsError)
	var list struct {
		Exceptions []store.Exception `json:"exceptions"`
		Count      int               `json:"count"`
	}
	unmarshalResult(t, res, &list)
	assert.Equal(t, 1, list.Count)

	res = call(t, f.server.handleException, map[string]any{"exception_id": "exc-1", "action": "ack"})
	require.False(t, res.IsError, extractText(t, res))
	var exc store.Exception
	unmarshalResult(t, res, &exc)
	assert.Equal(t, schema.ExceptionAck, exc.Status)

	res = call(t, f.server.handleException, map[string]any{"exception_id": "exc-1", "action": "ack"})
	assert.True(t, res.IsError)

	res = call(t, f.server.handleException, map[string]any{"exception_id": "exc-1", "action": "resolve"})
	require.False(t, res.IsError)
	unmarshalResult(t, res, &exc)
	assert.Equal(t, schema.ExceptionResolved, exc.Status)

	res = call(t, f.server.handleException, map[string]any{"exception_id": "exc-1", "action": "reopen"})
	assert.True(t, res.IsError)

	res = call(t, f.server.handleExceptions, map[string]any{"status": "OPEN"})
	unmarshalResult(t, res, &list)
	assert.Equal(t, 0, list.Count)
}

func TestNotification(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := notification(streaming.StreamEvent{
		RunID: "run-1", EventType: schema.EventRunDeadLettered,
		Payload: map[string]any{"attempts": 5}, Timestamp: at,
	})
	assert.Equal(t, "warning", n["level"])
	data := n["data"].(map[string]any)
	assert.Equal(t, "run-1", data["run_id"])
	assert.Equal(t, 5, data["attempts"])
	assert.NotContains(t, data, "property_id")

	n = notification(streaming.StreamEvent{EventType: schema.EventExceptionRaised})
	assert.Equal(t, "info", n["level"])
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultLimit, clampLimit(0))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, maxLimit, clampLimit(10_000))
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
