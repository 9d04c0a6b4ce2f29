package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/farizattamimi/PMS-sub002/internal/api"
	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/handlers"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/scheduler"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

const envPrefix = "AUTOPILOT_"

// Config holds all autopilot process configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBDriver   string `yaml:"db_driver"`
	DBDSN      string `yaml:"db_dsn"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Governor  GovernorConfig  `yaml:"governor"`

	StreamInterval time.Duration `yaml:"stream_interval"`
	StreamCap      time.Duration `yaml:"stream_cap"`

	RedisURL          string `yaml:"redis_url"`
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	Vault         VaultConfig   `yaml:"vault"`
	SignatureSkew time.Duration `yaml:"signature_skew"`

	// Tokens maps bearer tokens to principals.
	Tokens         map[string]identity.Principal           `yaml:"tokens"`
	Handlers       map[schema.WorkflowType]handlers.Config `yaml:"handlers"`
	ActionExecutor *handlers.Config                        `yaml:"action_executor"`
	Routes         []intake.Route                          `yaml:"routes"`
	Channels       []intake.Channel                        `yaml:"channels"`
	// Schemas maps workflow types to JSON Schema files for payload validation.
	Schemas map[schema.WorkflowType]string `yaml:"schemas"`
	Limits  api.Limits                     `yaml:"limits"`
}

// EngineConfig tunes claiming, dispatch and retry.
type EngineConfig struct {
	CandidateLimit  int           `yaml:"candidate_limit"`
	BatchSize       int           `yaml:"batch_size"`
	MaxAttempts     int           `yaml:"default_max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCeiling  time.Duration `yaml:"backoff_ceiling"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ClaimStaleAfter time.Duration `yaml:"claim_stale_after"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

// SchedulerConfig sets the periodic cadences.
type SchedulerConfig struct {
	TickSchedule     string `yaml:"tick_schedule"`
	EvaluateSchedule string `yaml:"evaluate_schedule"`
	SchedulesTick    string `yaml:"schedules_tick"`
	BatchConcurrency int    `yaml:"batch_concurrency"`
}

// GovernorConfig overrides the stored thresholds at startup when set.
type GovernorConfig struct {
	FailureThresholdPct   *float64      `yaml:"failure_threshold_pct"`
	CriticalOpenThreshold *int          `yaml:"critical_open_threshold"`
	WindowHours           *int          `yaml:"window_hours"`
	PauseDuration         time.Duration `yaml:"pause_duration"`
	TripRule              string        `yaml:"trip_rule"`
}

// VaultConfig configures the channel credential vault. Either a base64
// master key or a passphrase with salt.
type VaultConfig struct {
	MasterKey  string `yaml:"master_key"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4100",
		DBDriver:   store.DriverLibSQL,
		DBDSN:      filepath.Join(autopilotDir(), "autopilot.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		Engine: EngineConfig{
			CandidateLimit:  engine.DefaultCandidateLimit,
			BatchSize:       engine.DefaultBatchSize,
			MaxAttempts:     engine.DefaultMaxAttempts,
			BackoffBase:     engine.DefaultBackoffBase,
			BackoffCeiling:  engine.DefaultBackoffCeiling,
			HandlerTimeout:  engine.DefaultHandlerTimeout,
			ClaimStaleAfter: engine.DefaultClaimStale,
			LockTTL:         engine.DefaultLockTTL,
		},
		Scheduler: SchedulerConfig{
			TickSchedule:     scheduler.DefaultTickSchedule,
			EvaluateSchedule: scheduler.DefaultEvaluateSchedule,
			SchedulesTick:    scheduler.DefaultSchedulesTick,
			BatchConcurrency: 1,
		},
		Governor: GovernorConfig{
			PauseDuration: engine.DefaultPauseDuration,
			TripRule:      engine.DefaultTripRule,
		},
		Limits: api.DefaultLimits(),
	}
}

func autopilotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autopilot"
	}
	return filepath.Join(home, ".autopilot")
}

// loadConfig layers the file at path (if any) and the environment over the
// defaults. A missing file is an error only when path was given explicitly.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		// YAML is a superset of JSON, so either format decodes here.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from AUTOPILOT_* variables. Tokens may
// be given as a JSON object in AUTOPILOT_TOKENS.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(envPrefix + key)
		return v, ok && v != ""
	}
	strs := map[string]*string{
		"LISTEN_ADDR":         &cfg.ListenAddr,
		"DB_DRIVER":           &cfg.DBDriver,
		"DB_DSN":              &cfg.DBDSN,
		"LOG_LEVEL":           &cfg.LogLevel,
		"LOG_FORMAT":          &cfg.LogFormat,
		"REDIS_URL":           &cfg.RedisURL,
		"NATS_URL":            &cfg.NATSURL,
		"NATS_SUBJECT_PREFIX": &cfg.NATSSubjectPrefix,
		"VAULT_MASTER_KEY":    &cfg.Vault.MasterKey,
		"VAULT_PASSPHRASE":    &cfg.Vault.Passphrase,
		"VAULT_SALT":          &cfg.Vault.Salt,
		"TICK_SCHEDULE":       &cfg.Scheduler.TickSchedule,
		"EVALUATE_SCHEDULE":   &cfg.Scheduler.EvaluateSchedule,
		"TRIP_RULE":           &cfg.Governor.TripRule,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BATCH_SIZE":           &cfg.Engine.BatchSize,
		"CANDIDATE_LIMIT":      &cfg.Engine.CandidateLimit,
		"DEFAULT_MAX_ATTEMPTS": &cfg.Engine.MaxAttempts,
		"BATCH_CONCURRENCY":    &cfg.Scheduler.BatchConcurrency,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"BACKOFF_BASE":      &cfg.Engine.BackoffBase,
		"BACKOFF_CEILING":   &cfg.Engine.BackoffCeiling,
		"HANDLER_TIMEOUT":   &cfg.Engine.HandlerTimeout,
		"CLAIM_STALE_AFTER": &cfg.Engine.ClaimStaleAfter,
		"LOCK_TTL":          &cfg.Engine.LockTTL,
		"STREAM_INTERVAL":   &cfg.StreamInterval,
		"STREAM_CAP":        &cfg.StreamCap,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	if v, ok := get("TOKENS"); ok {
		var tokens map[string]identity.Principal
		if err := json.Unmarshal([]byte(v), &tokens); err != nil {
			return fmt.Errorf("%sTOKENS: %w", envPrefix, err)
		}
		cfg.Tokens = tokens
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	var problems []string
	switch c.DBDriver {
	case store.DriverLibSQL, store.DriverSQLite, store.DriverPostgres:
	default:
		problems = append(problems, fmt.Sprintf("unsupported db_driver %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		problems = append(problems, "db_dsn is required")
	}
	if c.Engine.BackoffCeiling > 0 && c.Engine.BackoffBase > c.Engine.BackoffCeiling {
		problems = append(problems, "backoff_base exceeds backoff_ceiling")
	}
	for wf := range c.Handlers {
		if !wf.Valid() {
			problems = append(problems, fmt.Sprintf("handler for unknown workflow type %q", wf))
		}
	}
	for token, p := range c.Tokens {
		if token == "" {
			problems = append(problems, "empty bearer token")
			continue
		}
		if err := identity.ValidatePrincipal(&p); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	LimitsChanged   bool
	RestartNeeded   []string // fields that require a process restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if !strings.EqualFold(old.LogLevel, new.LogLevel) {
		d.LogLevelChanged = true
	}
	if old.Limits != new.Limits {
		d.LimitsChanged = true
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.DBDriver != new.DBDriver || old.DBDSN != new.DBDSN {
		d.RestartNeeded = append(d.RestartNeeded, "db")
	}
	if old.Engine != new.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	if old.Governor.TripRule != new.Governor.TripRule || old.Governor.PauseDuration != new.Governor.PauseDuration {
		d.RestartNeeded = append(d.RestartNeeded, "governor")
	}
	if old.RedisURL != new.RedisURL || old.NATSURL != new.NATSURL {
		d.RestartNeeded = append(d.RestartNeeded, "transport")
	}
	return d
}
