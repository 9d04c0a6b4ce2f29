package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farizattamimi/PMS-sub002/internal/api"
	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/handlers"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const sampleYAML = `
listen_addr: ":9000"
db_driver: sqlite
db_dsn: /tmp/autopilot-test.db
log_level: debug
engine:
  batch_size: 4
  backoff_base: 30s
  backoff_ceiling: 10m
scheduler:
  tick_schedule: "@every 5s"
governor:
  failure_threshold_pct: 40
  trip_rule: "failure_pct >= 50"
tokens:
  tok-ops:
    id: ops-1
    role: operator
handlers:
  MAINTENANCE_DISPATCH:
    url: http://handlers.local/maintenance
    timeout: 45s
limits:
  trigger:
    rate: 1
    burst: 2
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Equal(t, store.DriverLibSQL, cfg.DBDriver)
	assert.Equal(t, engine.DefaultBackoffBase, cfg.Engine.BackoffBase)
	assert.Equal(t, engine.DefaultTripRule, cfg.Governor.TripRule)
	assert.Equal(t, api.DefaultLimits(), cfg.Limits)
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "autopilot.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, store.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 4, cfg.Engine.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Engine.BackoffBase)
	assert.Equal(t, 10*time.Minute, cfg.Engine.BackoffCeiling)
	assert.Equal(t, engine.DefaultHandlerTimeout, cfg.Engine.HandlerTimeout, "unset keys keep defaults")
	assert.Equal(t, "@every 5s", cfg.Scheduler.TickSchedule)
	require.NotNil(t, cfg.Governor.FailureThresholdPct)
	assert.InDelta(t, 40.0, *cfg.Governor.FailureThresholdPct, 0.001)
	assert.Equal(t, "failure_pct >= 50", cfg.Governor.TripRule)
	assert.Equal(t, identity.Principal{ID: "ops-1", Role: identity.RoleOperator}, cfg.Tokens["tok-ops"])

	h := cfg.Handlers[schema.WorkflowMaintenanceDispatch]
	assert.Equal(t, "http://handlers.local/maintenance", h.URL)
	assert.Equal(t, 45*time.Second, h.Timeout)
	assert.Equal(t, api.RateLimit{Rate: 1, Burst: 2}, cfg.Limits.Trigger)
}

func TestLoadConfig_JSONFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "autopilot.json", `{
  "db_driver": "sqlite",
  "db_dsn": "/tmp/a.db",
  "engine": {"handler_timeout": "90s"},
  "channels": [{"name": "sms", "mapping": "{property_id: .to}"}]
}`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Engine.HandlerTimeout)
	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "sms", cfg.Channels[0].Name)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "autopilot.yaml", sampleYAML)
	t.Setenv("AUTOPILOT_LISTEN_ADDR", ":9100")
	t.Setenv("AUTOPILOT_BATCH_SIZE", "12")
	t.Setenv("AUTOPILOT_BACKOFF_BASE", "5s")
	t.Setenv("AUTOPILOT_TOKENS", `{"tok-svc":{"id":"svc-1","role":"service"}}`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, 12, cfg.Engine.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Engine.BackoffBase)
	require.Len(t, cfg.Tokens, 1)
	assert.Equal(t, "svc-1", cfg.Tokens["tok-svc"].ID)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "bad.yaml", "engine: [unclosed"))
	assert.Error(t, err)

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("AUTOPILOT_BATCH_SIZE", "many")
		_, err := loadConfig("")
		assert.ErrorContains(t, err, "AUTOPILOT_BATCH_SIZE")
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.DBDriver = "mysql" }, "unsupported db_driver"},
		{"dsn", func(c *Config) { c.DBDSN = "" }, "db_dsn is required"},
		{"backoff", func(c *Config) { c.Engine.BackoffBase = time.Hour }, "backoff_base exceeds"},
		{"handler", func(c *Config) {
			c.Handlers = map[schema.WorkflowType]handlers.Config{"NOPE": {URL: "http://x"}}
		}, "unknown workflow type"},
		{"token", func(c *Config) {
			c.Tokens = map[string]identity.Principal{"tok": {ID: "x", Role: "janitor"}}
		}, "role"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	assert.NoError(t, defaultConfig().Validate())
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()
	next := old
	next.LogLevel = "DEBUG"
	next.Limits.List = api.RateLimit{Rate: 1, Burst: 1}
	next.ListenAddr = ":1"
	next.Engine.BatchSize = 99

	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.LimitsChanged)
	assert.Equal(t, []string{"listen_addr", "engine"}, d.RestartNeeded)

	d = diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.False(t, d.LimitsChanged)
	assert.Empty(t, d.RestartNeeded)
}

func TestLiveAPI_SetLimits(t *testing.T) {
	live := newLiveAPI(api.Deps{Logger: discardLogger(), Limits: api.DefaultLimits()})

	rec := httptest.NewRecorder()
	live.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, live.SetLimits(api.DefaultLimits()))

	next := api.Limits{
		Trigger: api.RateLimit{Rate: 1, Burst: 1},
		List:    api.RateLimit{Rate: 2, Burst: 4},
	}
	assert.True(t, live.SetLimits(next))
	assert.Equal(t, next, live.Limits())

	rec = httptest.NewRecorder()
	live.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "autopilot.yaml", "log_level: info\n")
	var applied atomic.Value
	w := &configWatcher{
		path:   path,
		load:   loadConfig,
		apply:  func(c Config) { applied.Store(c.LogLevel) },
		logger: discardLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		v, _ := applied.Load().(string)
		return v == "debug"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
