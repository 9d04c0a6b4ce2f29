package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// finished inserts a terminal run that completed at the given time.
func (env *testEnv) finished(t *testing.T, status schema.RunStatus, at time.Time) {
	t.Helper()
	meta, err := NewMeta(nil, 5, at).Encode()
	require.NoError(t, err)
	ok, err := env.store.CreateRun(context.Background(), &store.Run{
		ID:           uuid.New().String(),
		WorkflowType: schema.WorkflowTenantComms,
		TriggerType:  schema.TriggerEvent,
		TriggerRef:   "done:" + uuid.New().String(),
		Status:       status,
		Meta:         meta,
		CreatedAt:    at.Add(-time.Minute),
		StartedAt:    timePtr(at.Add(-time.Minute)),
		CompletedAt:  timePtr(at),
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func (env *testEnv) openCritical(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, env.store.CreateException(context.Background(), &store.Exception{
			ID:       uuid.New().String(),
			Severity: schema.SeverityCritical,
			Category: "fire",
			Title:    "Smoke detector offline",
			Status:   schema.ExceptionOpen,
		}))
	}
}

func TestGovernor_TripsOnFailureRate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	gov := env.engine.Governor()
	now := env.clock.Now()

	for i := 0; i < 3; i++ {
		env.finished(t, schema.RunStatusFailed, now.Add(-time.Hour))
	}
	env.finished(t, schema.RunStatusCompleted, now.Add(-time.Hour))
	// Outside the 24h window.
	env.finished(t, schema.RunStatusCompleted, now.Add(-48*time.Hour))

	events, cancel, err := env.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{schema.EventGovernorTripped}})
	require.NoError(t, err)
	defer cancel()

	ev, err := gov.EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Tripped)
	assert.Equal(t, 4, ev.Terminal)
	assert.Equal(t, 3, ev.Failed)
	assert.InDelta(t, 75.0, ev.FailurePct, 0.001)
	require.NotNil(t, ev.PauseUntil)
	assert.True(t, now.Add(time.Hour).Equal(*ev.PauseUntil))
	assert.Contains(t, ev.Reason, "75.0%")

	d, err := gov.CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "auto-paused")
	require.NotNil(t, d.Until)

	excs, err := env.store.ListExceptions(ctx, store.ExceptionFilter{Severity: schema.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, "safety_governor", excs[0].Category)
	assert.Equal(t, schema.ExceptionOpen, excs[0].Status)

	select {
	case e := <-events:
		assert.Equal(t, schema.EventGovernorTripped, e.EventType)
	default:
		t.Fatal("expected governor.tripped event")
	}

	env.clock.Advance(time.Hour)
	d, err = gov.CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "pause expires on its own")
}

func TestGovernor_TripsOnOpenCriticalExceptions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.openCritical(t, 3)

	ev, err := env.engine.Governor().EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Tripped)
	assert.Equal(t, 0, ev.Terminal)
	assert.Equal(t, 3, ev.CriticalOpen)

	d, err := env.engine.Governor().CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestGovernor_HealthyDoesNotTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := env.clock.Now()
	env.finished(t, schema.RunStatusFailed, now.Add(-time.Hour))
	for i := 0; i < 3; i++ {
		env.finished(t, schema.RunStatusCompleted, now.Add(-time.Hour))
	}
	env.openCritical(t, 2)

	ev, err := env.engine.Governor().EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.False(t, ev.Tripped)
	assert.InDelta(t, 25.0, ev.FailurePct, 0.001)
	assert.Nil(t, ev.PauseUntil)

	d, err := env.engine.Governor().CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGovernor_EmptyWindowDoesNotTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ev, err := env.engine.Governor().EvaluateAndAutoPause(context.Background())
	require.NoError(t, err)
	assert.False(t, ev.Tripped)
	assert.Zero(t, ev.FailurePct)
}

func TestGovernor_PolicyDriftRaisesHighException(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, name := range []string{"conservative", "aggressive"} {
		require.NoError(t, env.store.CreatePolicy(ctx, &store.Policy{
			ID: uuid.New().String(), Name: name, ScopeType: store.PolicyScopeGlobal, Active: true,
		}))
	}
	require.NoError(t, env.store.CreatePolicy(ctx, &store.Policy{
		ID: uuid.New().String(), Name: "prop", ScopeType: store.PolicyScopeProperty, PropertyID: "prop-1", Active: true,
	}))

	ev, err := env.engine.Governor().EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Drift)
	assert.Equal(t, 2, ev.ActiveGlobalPolicies)
	assert.False(t, ev.Tripped, "drift alone does not pause")

	excs, err := env.store.ListExceptions(ctx, store.ExceptionFilter{Severity: schema.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, "policy_drift", excs[0].Category)

	d, err := env.engine.Governor().CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGovernor_KillSwitchAndResume(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	gov := env.engine.Governor()

	_, err := gov.SetKillSwitch(ctx, true, " ")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "engaging needs a reason")

	st, err := gov.SetKillSwitch(ctx, true, "storm response")
	require.NoError(t, err)
	assert.True(t, st.KillSwitch)
	d, err := gov.CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "storm response", d.Reason)

	st, err = gov.SetKillSwitch(ctx, false, "ignored")
	require.NoError(t, err)
	assert.False(t, st.KillSwitch)
	assert.Empty(t, st.Reason)

	// Resume releases both the kill switch and an auto-pause.
	_, err = gov.SetKillSwitch(ctx, true, "vendor outage")
	require.NoError(t, err)
	env.openCritical(t, 3)
	ev, err := gov.EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	require.True(t, ev.Tripped)

	st, err = gov.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, st.KillSwitch)
	assert.Nil(t, st.AutoPauseUntil)
	assert.Empty(t, st.Reason)
	assert.Empty(t, st.PauseReason)
	d, err = gov.CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGovernor_KillSwitchKeepsPauseReason(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	gov := env.engine.Governor()

	_, err := gov.SetKillSwitch(ctx, true, "vendor outage")
	require.NoError(t, err)
	env.openCritical(t, 3)
	ev, err := gov.EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	require.True(t, ev.Tripped)

	st, err := gov.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vendor outage", st.Reason, "a trip does not overwrite the kill switch reason")
	assert.Equal(t, ev.Reason, st.PauseReason)

	d, err := gov.CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "vendor outage", d.Reason)

	st, err = gov.SetKillSwitch(ctx, false, "")
	require.NoError(t, err)
	assert.Empty(t, st.Reason)
	assert.Equal(t, ev.Reason, st.PauseReason)
	require.NotNil(t, st.AutoPauseUntil)

	d, err = gov.CanExecuteAutonomy(ctx)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ev.Reason, d.Reason)
	require.NotNil(t, d.Until)
}

func TestGovernor_UpdateThresholds(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	gov := env.engine.Governor()

	pct := 20.0
	window := 6
	st, err := gov.UpdateThresholds(ctx, Thresholds{FailureThresholdPct: &pct, WindowHours: &window})
	require.NoError(t, err)
	assert.Equal(t, 20.0, st.FailureThresholdPct)
	assert.Equal(t, 6, st.WindowHours)
	assert.Equal(t, 3, st.CriticalOpenThreshold)

	now := env.clock.Now()
	env.finished(t, schema.RunStatusFailed, now.Add(-time.Hour))
	for i := 0; i < 3; i++ {
		env.finished(t, schema.RunStatusCompleted, now.Add(-time.Hour))
	}
	ev, err := gov.EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Tripped, "25%% exceeds the lowered threshold")

	bad := []Thresholds{
		{FailureThresholdPct: ptr(0.0)},
		{FailureThresholdPct: ptr(100.5)},
		{CriticalOpenThreshold: ptr(0)},
		{WindowHours: ptr(0)},
		{WindowHours: ptr(721)},
	}
	for _, th := range bad {
		_, err := gov.UpdateThresholds(ctx, th)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	}
}

func TestGovernor_CustomTripRule(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Config.TripRule = "terminal >= 2 && failed >= 2" })
	ctx := context.Background()
	now := env.clock.Now()
	env.finished(t, schema.RunStatusFailed, now.Add(-time.Minute))
	env.finished(t, schema.RunStatusCompleted, now.Add(-time.Minute))

	ev, err := env.engine.Governor().EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.False(t, ev.Tripped)

	env.finished(t, schema.RunStatusFailed, now.Add(-time.Minute))
	ev, err = env.engine.Governor().EvaluateAndAutoPause(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Tripped)
}

func TestGovernor_InvalidTripRule(t *testing.T) {
	_, err := NewGovernor(newTestStore(t), GovernorOptions{TripRule: "failure_pct >="})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func ptr[T any](v T) *T { return &v }
