package engine

import (
	"log/slog"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/lock"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
)

// Options wires an Engine's collaborators. Only the store and registry
// passed to New are required.
type Options struct {
	Config   Config
	Hub      streaming.EventHub
	Locker   lock.Locker
	Executor ActionExecutor
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Engine claims queued runs, dispatches them to workflow handlers, applies
// retry and dead-letter rules, gates dispatch on the safety governor, and
// serializes human approval of proposed actions.
type Engine struct {
	store    store.Store
	registry *Registry
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	runs     *runTransitioner
	claimer  *Claimer
	retry    *RetryController
	governor *Governor
	approver *Approver
}

// New builds an engine over s. Handlers are looked up in reg at dispatch
// time, so registration may continue after New returns.
func New(s store.Store, reg *Registry, opts Options) (*Engine, error) {
	cfg := opts.Config.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	em := emitter{hub: opts.Hub, logger: opts.Logger}
	runs := &runTransitioner{store: s, emitter: em}

	gov, err := NewGovernor(s, GovernorOptions{
		TripRule:      cfg.TripRule,
		PauseDuration: cfg.PauseDuration,
		Hub:           opts.Hub,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    s,
		registry: reg,
		cfg:      cfg,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		runs:     runs,
		claimer: &Claimer{
			runs: runs, limit: cfg.CandidateLimit, now: opts.Now,
			logger: opts.Logger, metrics: opts.Metrics,
		},
		retry: &RetryController{
			runs: runs, base: cfg.BackoffBase, ceiling: cfg.BackoffCeiling, now: opts.Now,
			logger: opts.Logger, metrics: opts.Metrics,
		},
		governor: gov,
		approver: &Approver{
			store: s, locker: opts.Locker, executor: opts.Executor,
			lockTTL: cfg.LockTTL, staleAfter: cfg.ClaimStale, now: opts.Now,
			logger: opts.Logger, metrics: opts.Metrics, emitter: em,
		},
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Registry returns the handler registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Governor returns the safety governor.
func (e *Engine) Governor() *Governor { return e.governor }

// Claimer returns the queue claimer.
func (e *Engine) Claimer() *Claimer { return e.claimer }

// Retry returns the retry and dead-letter controller.
func (e *Engine) Retry() *RetryController { return e.retry }

// Approver returns the action execution lock.
func (e *Engine) Approver() *Approver { return e.approver }
