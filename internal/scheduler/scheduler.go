// Package scheduler drives the periodic work of the autopilot: claim and
// dispatch batches, governor evaluation, and schedule-triggered runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/farizattamimi/PMS-sub002/internal/engine"
	"github.com/farizattamimi/PMS-sub002/internal/intake"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Default cadences.
const (
	DefaultTickSchedule     = "@every 15s"
	DefaultEvaluateSchedule = "@every 5m"
	DefaultSchedulesTick    = "@every 1m"
)

// Schedule fire results.
const (
	FireQueued    = "queued"
	FireDuplicate = "duplicate"
	FireError     = "error"
)

// BatchRunner claims and dispatches one batch of queued runs.
type BatchRunner interface {
	RunBatch(ctx context.Context) (*engine.BatchResult, error)
}

// Evaluator trips the safety governor when the recent window is unhealthy.
type Evaluator interface {
	EvaluateAndAutoPause(ctx context.Context) (*engine.Evaluation, error)
}

// Enqueuer creates runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req intake.Request) (*intake.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	TickSchedule     string
	EvaluateSchedule string
	SchedulesTick    string
	// Concurrency bounds how many batches may run at once.
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Scheduler runs the periodic invocations. Each invocation is stateless:
// a batch that is still running when the next tick fires makes that tick
// skip, and nothing is held between ticks.
type Scheduler struct {
	schedules store.ScheduleStore
	batches   BatchRunner
	governor  Evaluator
	enq       Enqueuer
	opts      Options
	parser    cron.Parser
	pool      *engine.BatchPool
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler. Any of batches, governor and enq may be nil to
// disable that duty.
func New(schedules store.ScheduleStore, batches BatchRunner, governor Evaluator, enq Enqueuer, opts Options) *Scheduler {
	if opts.TickSchedule == "" {
		opts.TickSchedule = DefaultTickSchedule
	}
	if opts.EvaluateSchedule == "" {
		opts.EvaluateSchedule = DefaultEvaluateSchedule
	}
	if opts.SchedulesTick == "" {
		opts.SchedulesTick = DefaultSchedulesTick
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		schedules: schedules,
		batches:   batches,
		governor:  governor,
		enq:       enq,
		opts:      opts,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pool:      engine.NewBatchPool(opts.Concurrency),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		inflight:  make(map[string]struct{}),
	}
}

// Start registers the periodic jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	jobs := []struct {
		name string
		spec string
		fn   func()
		on   bool
	}{
		{"batch", s.opts.TickSchedule, func() { _ = s.Tick(runCtx) }, s.batches != nil},
		{"evaluate", s.opts.EvaluateSchedule, func() { _, _ = s.Evaluate(runCtx) }, s.governor != nil},
		{"schedules", s.opts.SchedulesTick, func() { _, _ = s.FireDue(runCtx) }, s.enq != nil && s.schedules != nil},
	}
	for _, j := range jobs {
		if !j.on {
			continue
		}
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			cancel()
			return fmt.Errorf("register %s job %q: %w", j.name, j.spec, err)
		}
	}

	s.cron, s.ctx, s.stop = c, runCtx, cancel
	c.Start()
	s.logger.Info("scheduler started",
		slog.String("tick", s.opts.TickSchedule),
		slog.String("evaluate", s.opts.EvaluateSchedule),
		slog.String("schedules", s.opts.SchedulesTick))
	return nil
}

// Stop halts the cron runner and waits for in-flight batches.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	<-s.cron.Stop().Done()
	s.stop()
	s.pool.Shutdown()
	s.cron, s.ctx, s.stop = nil, nil, nil
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick starts one claim-and-dispatch batch on the worker pool. When every
// slot is busy the tick is skipped and ErrBusy returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.batches == nil {
		return nil
	}
	err := s.pool.TrySubmit(ctx, func(ctx context.Context) error {
		res, err := s.batches.RunBatch(ctx)
		if err != nil {
			s.logger.Error("batch failed", slog.String("error", err.Error()))
			return err
		}
		if res.Claimed > 0 {
			s.logger.Info("batch finished",
				slog.Int("claimed", res.Claimed),
				slog.Int("completed", res.Completed),
				slog.Int("retry_scheduled", res.RetryScheduled),
				slog.Int("dead_lettered", res.DeadLettered),
				slog.Int("requeued", res.Requeued))
		}
		return nil
	})
	if errors.Is(err, engine.ErrPoolBusy) {
		s.metrics.BatchSkipped()
		s.logger.Debug("batch skipped, previous batch still running")
		return ErrBusy
	}
	return err
}

// ErrBusy reports a skipped tick.
var ErrBusy = errors.New("previous batch still running")

// Wait blocks until the batches started by Tick finish.
func (s *Scheduler) Wait() { s.pool.Wait() }

// Evaluate runs one governor evaluation.
func (s *Scheduler) Evaluate(ctx context.Context) (*engine.Evaluation, error) {
	if s.governor == nil {
		return nil, nil
	}
	ev, err := s.governor.EvaluateAndAutoPause(ctx)
	if err != nil {
		s.logger.Error("governor evaluation failed", slog.String("error", err.Error()))
		return nil, err
	}
	if ev.Tripped {
		s.logger.Warn("governor tripped", slog.String("reason", ev.Reason))
	}
	return ev, nil
}

// CalculateNextRun computes the next slot of a cron expression after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return sched.Next(from).UTC(), nil
}

// CreateSchedule validates and stores a schedule with its first slot.
func (s *Scheduler) CreateSchedule(ctx context.Context, sch *store.Schedule) error {
	if !sch.WorkflowType.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", sch.WorkflowType)
	}
	next, err := s.CalculateNextRun(sch.CronExpression, s.now())
	if err != nil {
		return err
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	sch.NextRunAt = &next
	return s.schedules.CreateSchedule(ctx, sch)
}

// FireDue enqueues a run for every enabled schedule whose slot has come.
// Missed slots collapse into one run; the next slot is computed from now.
func (s *Scheduler) FireDue(ctx context.Context) (int, error) {
	return s.fire(ctx, false)
}

// RecoverMissed fires, once, each schedule whose slot passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	n, err := s.fire(ctx, true)
	if err != nil {
		return fmt.Errorf("recover missed schedules: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", n))
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, missedOnly bool) (int, error) {
	enabled := true
	list, err := s.schedules.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	now := s.now().UTC()
	fired := 0
	for _, sch := range list {
		if sch.NextRunAt == nil {
			s.initialize(ctx, sch, now)
			continue
		}
		due := !sch.NextRunAt.After(now)
		if missedOnly {
			due = sch.NextRunAt.Before(now)
		}
		if !due || !s.tryAcquire(sch.ID) {
			continue
		}
		if s.runSchedule(ctx, sch, now) == FireQueued {
			fired++
		}
		s.release(sch.ID)
	}
	return fired, nil
}

func (s *Scheduler) initialize(ctx context.Context, sch *store.Schedule, now time.Time) {
	next, err := s.CalculateNextRun(sch.CronExpression, now)
	if err != nil {
		s.logger.Error("schedule has invalid cron expression",
			slog.String("schedule_id", sch.ID), slog.String("error", err.Error()))
		return
	}
	if err := s.schedules.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{NextRunAt: &next}); err != nil {
		s.logger.Error("initialize schedule failed",
			slog.String("schedule_id", sch.ID), slog.String("error", err.Error()))
	}
}

// runSchedule enqueues the run for the schedule's current slot and advances
// the schedule. The slot is part of the trigger_ref, so two instances
// firing the same slot create one run.
func (s *Scheduler) runSchedule(ctx context.Context, sch *store.Schedule, now time.Time) string {
	log := s.logger.With(slog.String("schedule_id", sch.ID), slog.String("workflow_type", string(sch.WorkflowType)))
	slot := sch.NextRunAt.UTC()

	status := FireQueued
	res, err := s.enq.Enqueue(ctx, intake.Request{
		WorkflowType: sch.WorkflowType,
		TriggerType:  schema.TriggerSchedule,
		TriggerRef:   SlotRef(sch.ID, slot),
		PropertyID:   sch.PropertyID,
		Payload:      withSlot(sch.Payload, sch.ID, slot),
	})
	switch {
	case err != nil:
		status = FireError
		log.Error("scheduled run failed to enqueue", slog.String("error", err.Error()))
	case res.Skipped:
		status = FireDuplicate
	default:
		log.Info("scheduled run queued", slog.String("run_id", res.RunID), slog.Time("slot", slot))
	}
	s.metrics.ScheduleFired(status)

	next, err := s.CalculateNextRun(sch.CronExpression, now)
	if err != nil {
		log.Error("schedule has invalid cron expression", slog.String("error", err.Error()))
		return FireError
	}
	if err := s.schedules.UpdateSchedule(ctx, sch.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	}); err != nil {
		log.Error("advance schedule failed", slog.String("error", err.Error()))
	}
	return status
}

// SlotRef is the trigger_ref of the run a schedule creates for slot.
func SlotRef(scheduleID string, slot time.Time) string {
	return "schedule:" + scheduleID + ":" + slot.UTC().Format(time.RFC3339)
}

func withSlot(payload map[string]any, id string, slot time.Time) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["schedule"] = map[string]any{"id": id, "slot": slot.Format(time.RFC3339)}
	return out
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
