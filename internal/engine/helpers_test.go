package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store  *store.SQLStore
	engine *Engine
	reg    *Registry
	clock  *fakeClock
	hub    *streaming.MemoryHub
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	s := newTestStore(t)
	clock := newFakeClock()
	hub := streaming.NewMemoryHub()
	reg := NewRegistry()
	opts := Options{
		Config: Config{HandlerTimeout: time.Second},
		Hub:    hub,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(s, reg, opts)
	require.NoError(t, err)
	return &testEnv{store: s, engine: e, reg: reg, clock: clock, hub: hub}
}

// enqueue inserts a QUEUED run due now. created orders candidates.
func (env *testEnv) enqueue(t *testing.T, wf schema.WorkflowType, propertyID string, maxAttempts int, created time.Time) *store.Run {
	t.Helper()
	meta, err := NewMeta(map[string]any{"k": "v"}, maxAttempts, env.clock.Now()).Encode()
	require.NoError(t, err)
	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowType: wf,
		TriggerType:  schema.TriggerEvent,
		TriggerRef:   "test:" + uuid.New().String(),
		PropertyID:   propertyID,
		Status:       schema.RunStatusQueued,
		Meta:         meta,
		CreatedAt:    created,
	}
	ok, err := env.store.CreateRun(context.Background(), run)
	require.NoError(t, err)
	require.True(t, ok)
	return run
}

func (env *testEnv) reload(t *testing.T, id string) (*store.Run, *Meta) {
	t.Helper()
	run, err := env.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	meta, err := DecodeMeta(run.Meta)
	if err != nil {
		return run, nil
	}
	return run, meta
}

func alwaysFail(msg string) Handler {
	return HandlerFunc(func(ctx context.Context, inv Invocation, rec *Recorder) (*Result, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, msg)
	})
}

func succeed(summary string) Handler {
	return HandlerFunc(func(ctx context.Context, inv Invocation, rec *Recorder) (*Result, error) {
		return &Result{Summary: summary}, nil
	})
}
