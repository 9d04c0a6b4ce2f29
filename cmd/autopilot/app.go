package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/farizattamimi/PMS-sub002/internal/api"
	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/handlers"
	"github.com/farizattamimi/PMS-sub002/internal/identity"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/lock"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/scheduler"
	"github.com/farizattamimi/PMS-sub002/internal/secrets"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/internal/validation"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     Config
	logger  *slog.Logger
	level   *slog.LevelVar
	store   *store.SQLStore
	hub     streaming.EventHub
	metrics *metrics.Metrics

	engine    *engine.Engine
	validator *validation.PayloadValidator
	enqueuer  *intake.Enqueuer
	router    *intake.Router
	manual    *intake.Manual
	inbound   *intake.Inbound
	vault     *secrets.AESVault

	closers []func() error
}

// newApp opens the store and builds the engine and intake surfaces. The
// caller must Close the returned app.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, level *slog.LevelVar) (*app, error) {
	a := &app{cfg: cfg, logger: logger, level: level, metrics: metrics.New()}
	if err := a.open(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg
	if cfg.DBDriver != store.DriverPostgres {
		if err := os.MkdirAll(filepath.Dir(cfg.DBDSN), 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var hub streaming.EventHub = streaming.NewMemoryHub()
	if cfg.NATSURL != "" {
		nh, err := streaming.NewNATSHub(ctx, cfg.NATSURL, cfg.NATSSubjectPrefix, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, nh.Close)
		hub = streaming.NewTeeHub(hub, nh)
		a.logger.Info("publishing lifecycle events to NATS", slog.String("url", cfg.NATSURL))
	}
	a.hub = hub

	var locker lock.Locker
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLockerFromURL(ctx, cfg.RedisURL, "autopilot:", a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
		a.logger.Info("using redis action locks")
	}

	reg := engine.NewRegistry()
	hc := &http.Client{}
	for wf, hcfg := range cfg.Handlers {
		h, err := handlers.NewWebhook(hcfg, hc)
		if err != nil {
			return fmt.Errorf("handler for %s: %w", wf, err)
		}
		if err := reg.Register(wf, h); err != nil {
			return err
		}
	}
	var executor engine.ActionExecutor
	if cfg.ActionExecutor != nil {
		ex, err := handlers.NewActionWebhook(*cfg.ActionExecutor, hc)
		if err != nil {
			return fmt.Errorf("action executor: %w", err)
		}
		executor = ex
	}

	eng, err := engine.New(s, reg, engine.Options{
		Config: engine.Config{
			CandidateLimit: cfg.Engine.CandidateLimit,
			BatchSize:      cfg.Engine.BatchSize,
			BackoffBase:    cfg.Engine.BackoffBase,
			BackoffCeiling: cfg.Engine.BackoffCeiling,
			HandlerTimeout: cfg.Engine.HandlerTimeout,
			ClaimStale:     cfg.Engine.ClaimStaleAfter,
			LockTTL:        cfg.Engine.LockTTL,
			PauseDuration:  cfg.Governor.PauseDuration,
			TripRule:       cfg.Governor.TripRule,
		},
		Hub:      hub,
		Locker:   locker,
		Executor: executor,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.engine = eng

	g := cfg.Governor
	if g.FailureThresholdPct != nil || g.CriticalOpenThreshold != nil || g.WindowHours != nil {
		if _, err := eng.Governor().UpdateThresholds(ctx, engine.Thresholds{
			FailureThresholdPct:   g.FailureThresholdPct,
			CriticalOpenThreshold: g.CriticalOpenThreshold,
			WindowHours:           g.WindowHours,
		}); err != nil {
			return fmt.Errorf("governor thresholds: %w", err)
		}
	}

	schemas, err := loadSchemas(cfg.Schemas)
	if err != nil {
		return err
	}
	if a.validator, err = validation.NewPayloadValidator(schemas); err != nil {
		return err
	}

	a.enqueuer = intake.NewEnqueuer(s, intake.EnqueuerOptions{
		Hub:         hub,
		MaxAttempts: cfg.Engine.MaxAttempts,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	routes := intake.MergeRoutes(intake.DefaultRoutes(), cfg.Routes)
	if a.router, err = intake.NewRouter(a.enqueuer, routes, a.validator, a.logger); err != nil {
		return err
	}
	a.manual = intake.NewManual(a.enqueuer, a.validator, a.logger)
	if a.inbound, err = intake.NewInbound(a.enqueuer, s, cfg.Channels, a.validator, a.logger); err != nil {
		return err
	}
	return nil
}

// openVault builds the credential vault; it is only needed by commands that
// touch inbound channel secrets.
func (a *app) openVault() (*secrets.AESVault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	vc := secrets.VaultConfig{Passphrase: a.cfg.Vault.Passphrase}
	if a.cfg.Vault.MasterKey != "" {
		key, err := secrets.ParseMasterKey(a.cfg.Vault.MasterKey)
		if err != nil {
			return nil, err
		}
		vc.MasterKey = key
	}
	if a.cfg.Vault.Salt != "" {
		salt, err := base64.StdEncoding.DecodeString(a.cfg.Vault.Salt)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeVault, "vault salt is not valid base64").WithCause(err)
		}
		vc.Salt = salt
	}
	v, err := secrets.NewAESVault(a.store, vc)
	if err != nil {
		return nil, err
	}
	a.vault = v
	return v, nil
}

// apiDeps assembles the HTTP surface. Inbound channels are served only
// when a vault is configured.
func (a *app) apiDeps(limits api.Limits) (api.Deps, error) {
	auth, err := identity.NewTokenAuthenticator(a.cfg.Tokens)
	if err != nil {
		return api.Deps{}, err
	}
	deps := api.Deps{
		Store:         a.store,
		Engine:        a.engine,
		Router:        a.router,
		Manual:        a.manual,
		Inbound:       a.inbound,
		Authenticator: auth,
		Scopes:        identity.NewScopeResolver(a.store),
		Hub:           a.hub,
		Streamer:      streaming.NewStatusStreamer(a.store, a.cfg.StreamInterval, a.cfg.StreamCap),
		Metrics:       a.metrics,
		Logger:        a.logger,
		Limits:        limits,
	}
	if v, err := a.openVault(); err == nil {
		deps.Verifier = secrets.NewInboundVerifier(v, a.cfg.SignatureSkew)
	} else if len(a.cfg.Channels) > 0 {
		a.logger.Warn("inbound channels configured without a vault; inbound intake disabled",
			slog.String("error", err.Error()))
	}
	return deps, nil
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.store, a.engine, a.engine.Governor(), a.enqueuer, scheduler.Options{
		TickSchedule:     a.cfg.Scheduler.TickSchedule,
		EvaluateSchedule: a.cfg.Scheduler.EvaluateSchedule,
		SchedulesTick:    a.cfg.Scheduler.SchedulesTick,
		Concurrency:      a.cfg.Scheduler.BatchConcurrency,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
}

// Close releases every opened resource in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadSchemas(paths map[schema.WorkflowType]string) (map[schema.WorkflowType]json.RawMessage, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[schema.WorkflowType]json.RawMessage, len(paths))
	for wf, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", wf, err)
		}
		out[wf] = data
	}
	return out, nil
}

// printJSON writes v indented to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
