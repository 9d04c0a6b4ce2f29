package intake

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/internal/validation"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

type fixture struct {
	store     *store.SQLStore
	enq       *Enqueuer
	hub       *streaming.MemoryHub
	validator *validation.PayloadValidator
	now       time.Time
	mu        sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	v, err := validation.NewPayloadValidator(nil)
	require.NoError(t, err)
	f := &fixture{
		store:     s,
		hub:       streaming.NewMemoryHub(),
		validator: v,
		now:       time.Date(2026, 3, 14, 9, 10, 0, 0, time.UTC),
	}
	f.enq = NewEnqueuer(s, EnqueuerOptions{
		Hub:    f.hub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock,
	})
	return f
}

func (f *fixture) router(t *testing.T, routes []Route) *Router {
	t.Helper()
	r, err := NewRouter(f.enq, routes, f.validator, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r
}

func TestDedupeKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 59, 59, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "event:WORK_ORDER_SLA_BREACHED-wo-7:prop-1:2026-03-14T14",
		DedupeKey("WORK_ORDER_SLA_BREACHED", "wo-7", "prop-1", at))
	assert.Equal(t, "event:LEDGER_MISMATCH-global:null:2026-03-14T14",
		DedupeKey("LEDGER_MISMATCH", "", "", at))
}

func TestRouter_EnqueuesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, nil)

	res, err := r.Route(ctx, Event{
		EventType: "WORK_ORDER_CREATED", PropertyID: "prop-1", EntityID: "wo-1",
		Payload: map[string]any{"priority": "high"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Skipped)
	assert.Equal(t, "event:WORK_ORDER_CREATED-wo-1:prop-1:2026-03-14T09", res.DedupeKey)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, run.Status)
	assert.Equal(t, schema.WorkflowMaintenanceDispatch, run.WorkflowType)
	assert.Equal(t, schema.TriggerEvent, run.TriggerType)
	assert.Equal(t, res.DedupeKey, run.TriggerRef)

	meta, err := engine.DecodeMeta(run.Meta)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Attempts)
	assert.Equal(t, engine.DefaultMaxAttempts, meta.MaxAttempts)
	assert.False(t, meta.DLQ)
	assert.True(t, f.clock().Equal(meta.NextAttemptAt))
	assert.Equal(t, "high", meta.Payload["priority"])
}

// Scenario: the same breach reported twice in one hour yields one run.
func TestRouter_DuplicateInSameHourSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, nil)
	ev := Event{EventType: "WORK_ORDER_SLA_BREACHED", PropertyID: "prop-1", EntityID: "wo-7"}

	first, err := r.Route(ctx, ev)
	require.NoError(t, err)
	require.NotEmpty(t, first.RunID)

	f.advance(40 * time.Minute)
	second, err := r.Route(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.True(t, second.Skipped)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Empty(t, second.RunID)

	page, err := f.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	// The next hour opens a new bucket.
	f.advance(20 * time.Minute)
	third, err := r.Route(ctx, ev)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.NotEqual(t, first.RunID, third.RunID)
}

func TestRouter_ConcurrentDuplicatesCreateOneRun(t *testing.T) {
	f := newFixture(t)
	r := f.router(t, nil)
	ev := Event{EventType: "PAYMENT_RECEIVED", PropertyID: "prop-1", EntityID: "pay-1"}

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Route(context.Background(), ev)
			if err == nil && !res.Skipped {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
}

func TestRouter_RequiredFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, nil)

	_, err := r.Route(ctx, Event{EventType: "WORK_ORDER_SLA_BREACHED", PropertyID: "prop-1"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "entity_id")

	_, err = r.Route(ctx, Event{EventType: "LEASE_EXPIRING", EntityID: "lease-1"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = r.Route(ctx, Event{EventType: "lowercase"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "event document schema")

	page, err := f.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "rejected events create nothing")
}

func TestRouter_UnroutedEventSkipped(t *testing.T) {
	f := newFixture(t)
	res, err := f.router(t, nil).Route(context.Background(), Event{EventType: "UNIT_PAINTED", PropertyID: "prop-1"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonUnrouted, res.Reason)
}

func TestRouter_CustomRoutes(t *testing.T) {
	f := newFixture(t)
	routes := MergeRoutes(DefaultRoutes(), []Route{{
		EventType:    "NOISE_COMPLAINT",
		WorkflowType: schema.WorkflowTenantComms,
		Guard:        GuardProperty + ` && has(payload.unit)`,
		Requirement:  "property_id and payload.unit are required",
	}})
	r := f.router(t, routes)
	assert.Len(t, r.Routes(), len(DefaultRoutes())+1)

	_, err := r.Route(context.Background(), Event{EventType: "NOISE_COMPLAINT", PropertyID: "prop-1"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	res, err := r.Route(context.Background(), Event{
		EventType: "NOISE_COMPLAINT", PropertyID: "prop-1", Payload: map[string]any{"unit": "3C"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
}

func TestNewRouter_RejectsBadRoutes(t *testing.T) {
	f := newFixture(t)
	_, err := NewRouter(f.enq, []Route{{EventType: "X", WorkflowType: "NOPE"}}, nil, nil)
	assert.Error(t, err)
	_, err = NewRouter(f.enq, []Route{{EventType: "X", WorkflowType: schema.WorkflowTenantComms, Guard: "event.("}}, nil, nil)
	assert.Error(t, err)
}

func TestManual_Trigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewManual(f.enq, f.validator, nil)
	mgr := &identity.Principal{ID: "mgr-1", Role: identity.RoleManager}
	scope := identity.PropertiesScope([]string{"prop-1"})

	res, err := m.Trigger(ctx, mgr, scope, ManualTrigger{
		PropertyID: "prop-1", TriggerType: schema.TriggerManual, WorkflowType: schema.WorkflowPMScheduling,
		Payload: map[string]any{"asset": "boiler"},
	})
	require.NoError(t, err)
	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerManual, run.TriggerType)
	meta, err := engine.DecodeMeta(run.Meta)
	require.NoError(t, err)
	assert.Equal(t, "mgr-1", meta.Payload["requested_by"])

	again, err := m.Trigger(ctx, mgr, scope, ManualTrigger{
		PropertyID: "prop-1", TriggerType: schema.TriggerManual, WorkflowType: schema.WorkflowPMScheduling,
	})
	require.NoError(t, err)
	assert.NotEqual(t, res.RunID, again.RunID, "manual triggers are never deduplicated")
}

func TestManual_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.validator.SetWorkflowSchema(schema.WorkflowFinancialRecon,
		[]byte(`{"type":"object","required":["period"]}`)))
	m := NewManual(f.enq, f.validator, nil)
	mgr := &identity.Principal{ID: "mgr-1", Role: identity.RoleManager}
	scope := identity.PropertiesScope([]string{"prop-1"})

	cases := []struct {
		name string
		req  ManualTrigger
		code string
	}{
		{"trigger type", ManualTrigger{PropertyID: "prop-1", TriggerType: schema.TriggerSchedule, WorkflowType: schema.WorkflowTenantComms}, schema.ErrCodeValidation},
		{"workflow type", ManualTrigger{PropertyID: "prop-1", TriggerType: schema.TriggerManual, WorkflowType: "PAINT_UNIT"}, schema.ErrCodeValidation},
		{"missing property", ManualTrigger{TriggerType: schema.TriggerManual, WorkflowType: schema.WorkflowTenantComms}, schema.ErrCodeValidation},
		{"out of scope", ManualTrigger{PropertyID: "prop-2", TriggerType: schema.TriggerManual, WorkflowType: schema.WorkflowTenantComms}, schema.ErrCodePermission},
		{"payload schema", ManualTrigger{PropertyID: "prop-1", TriggerType: schema.TriggerManual, WorkflowType: schema.WorkflowFinancialRecon}, schema.ErrCodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Trigger(ctx, mgr, scope, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, schema.Code(err))
		})
	}

	res, err := m.Trigger(ctx, &identity.Principal{ID: "ops", Role: identity.RoleOperator}, identity.AllProperties(),
		ManualTrigger{TriggerType: schema.TriggerManual, WorkflowType: schema.WorkflowFinancialRecon,
			Payload: map[string]any{"period": "2026-02"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
}

func TestInbound_ThreadsAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in, err := NewInbound(f.enq, f.store, []Channel{
		{Name: "sms", Mapping: `{property_id: .property_id, tenant_ref: .From, text: .Body, message_id: .MessageSid}`},
		{Name: "portal"},
	}, f.validator, nil)
	require.NoError(t, err)

	first, err := in.Receive(ctx, "sms", map[string]any{
		"property_id": "prop-1", "From": "+15550100", "Body": "heater broken", "MessageSid": "SM1",
	})
	require.NoError(t, err)
	assert.True(t, first.OK)
	require.NotEmpty(t, first.ThreadID)
	require.NotEmpty(t, first.RunID)

	run, err := f.store.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowTenantComms, run.WorkflowType)
	assert.Equal(t, schema.TriggerInbound, run.TriggerType)
	assert.Equal(t, "inbound:sms:SM1", run.TriggerRef)

	// Same tenant, same channel: the open thread is reused.
	f.advance(time.Minute)
	second, err := in.Receive(ctx, "sms", map[string]any{
		"property_id": "prop-1", "From": "+15550100", "Body": "still cold", "MessageSid": "SM2",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.NotEqual(t, first.RunID, second.RunID)

	// Provider redelivery.
	dup, err := in.Receive(ctx, "sms", map[string]any{
		"property_id": "prop-1", "From": "+15550100", "Body": "still cold", "MessageSid": "SM2",
	})
	require.NoError(t, err)
	assert.True(t, dup.Skipped)

	msgs, err := f.store.ListMessages(ctx, first.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "heater broken", msgs[0].Body)
	assert.Equal(t, "SM2", msgs[1].ExternalID)

	// Explicit thread id on an unmapped channel.
	portal, err := in.Receive(ctx, "portal", map[string]any{
		"property_id": "prop-1", "tenant_ref": "tenant-9", "text": "lease question",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ThreadID, portal.ThreadID)
	follow, err := in.Receive(ctx, "portal", map[string]any{
		"property_id": "prop-1", "tenant_ref": "tenant-9", "text": "any update?", "thread_id": portal.ThreadID,
	})
	require.NoError(t, err)
	assert.Equal(t, portal.ThreadID, follow.ThreadID)
}

func TestInbound_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in, err := NewInbound(f.enq, f.store, []Channel{{Name: "portal"}}, f.validator, nil)
	require.NoError(t, err)

	_, err = in.Receive(ctx, "fax", map[string]any{"property_id": "p", "tenant_ref": "t", "text": "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = in.Receive(ctx, "portal", map[string]any{"property_id": "prop-1", "tenant_ref": "t"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = in.Receive(ctx, "portal", map[string]any{
		"property_id": "prop-1", "tenant_ref": "t", "text": "hi", "thread_id": "missing",
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	other, err := in.Receive(ctx, "portal", map[string]any{"property_id": "prop-2", "tenant_ref": "t2", "text": "hi"})
	require.NoError(t, err)
	_, err = in.Receive(ctx, "portal", map[string]any{
		"property_id": "prop-1", "tenant_ref": "t", "text": "hijack", "thread_id": other.ThreadID,
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewInbound(f.enq, f.store, []Channel{{Name: "Bad Name"}}, nil, nil)
	assert.Error(t, err)
	_, err = NewInbound(f.enq, f.store, []Channel{{Name: "sms", Mapping: "{"}}, nil, nil)
	assert.Error(t, err)
}

func TestEnqueuer_PublishesLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel, err := f.hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	req := Request{WorkflowType: schema.WorkflowLegalCompliance, TriggerType: schema.TriggerSchedule, TriggerRef: "schedule:s1:slot", PropertyID: "prop-1"}
	_, err = f.enq.Enqueue(ctx, req)
	require.NoError(t, err)
	_, err = f.enq.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, schema.EventRunQueued, (<-events).EventType)
	assert.Equal(t, schema.EventRunDeduplicated, (<-events).EventType)

	_, err = f.enq.Enqueue(ctx, Request{WorkflowType: "BOGUS", TriggerRef: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// Scenario: a preventive-maintenance due event opens one PM_SCHEDULING run
// per task and hour.
func TestRouter_PMDueEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, nil)
	ev := Event{EventType: "PM_DUE", PropertyID: "prop-1", EntityID: "pm-42"}

	res, err := r.Route(ctx, ev)
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)
	assert.Equal(t, "event:PM_DUE-pm-42:prop-1:2026-03-14T09", res.DedupeKey)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowPMScheduling, run.WorkflowType)
	assert.Equal(t, schema.RunStatusQueued, run.Status)
	assert.Equal(t, "prop-1", run.PropertyID)

	f.advance(30 * time.Minute)
	again, err := r.Route(ctx, ev)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, ReasonDuplicate, again.Reason)
	assert.Equal(t, res.DedupeKey, again.DedupeKey)

	page, err := f.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestRouter_CallerMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.router(t, nil)

	res, err := r.Route(ctx, Event{EventType: "PAYMENT_RECEIVED", PropertyID: "prop-1", MaxAttempts: 1})
	require.NoError(t, err)
	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	meta, err := engine.DecodeMeta(run.Meta)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.MaxAttempts)

	for _, n := range []int{-1, MaxAttemptsLimit + 1} {
		_, err = r.Route(ctx, Event{EventType: "LEDGER_MISMATCH", PropertyID: "prop-1", MaxAttempts: n})
		require.Error(t, err, "max_attempts %d", n)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	}

	_, err = f.enq.Enqueue(ctx, Request{
		WorkflowType: schema.WorkflowFinancialRecon, TriggerType: schema.TriggerSchedule,
		TriggerRef: "schedule:neg", MaxAttempts: -3,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

// A run created with a budget of one goes straight to the dead-letter
// queue on its first failure.
func TestManual_MaxAttemptsOneDeadLettersAfterFirstFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(schema.WorkflowFinancialRecon, engine.HandlerFunc(
		func(ctx context.Context, inv engine.Invocation, rec *engine.Recorder) (*engine.Result, error) {
			return nil, schema.NewError(schema.ErrCodeExecution, "ledger service unavailable")
		})))
	eng, err := engine.New(f.store, reg, engine.Options{
		Config: engine.Config{HandlerTimeout: time.Second},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock,
	})
	require.NoError(t, err)

	m := NewManual(f.enq, f.validator, nil)
	res, err := m.Trigger(ctx, &identity.Principal{ID: "ops-1"}, identity.AllProperties(), ManualTrigger{
		PropertyID:   "prop-1",
		TriggerType:  schema.TriggerManual,
		WorkflowType: schema.WorkflowFinancialRecon,
		MaxAttempts:  1,
	})
	require.NoError(t, err)

	batch, err := eng.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Claimed)
	assert.Equal(t, 1, batch.DeadLettered)
	assert.Zero(t, batch.RetryScheduled)

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusEscalated, run.Status)
	meta, err := engine.DecodeMeta(run.Meta)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Attempts)
	assert.True(t, meta.DLQ)

	_, err = m.Trigger(ctx, nil, identity.AllProperties(), ManualTrigger{
		PropertyID:   "prop-1",
		TriggerType:  schema.TriggerManual,
		WorkflowType: schema.WorkflowFinancialRecon,
		MaxAttempts:  101,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
