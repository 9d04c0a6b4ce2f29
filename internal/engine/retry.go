package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// ComputeBackoff returns min(ceiling, base * 2^(attempts-1)). attempts is
// the count after the failure being scheduled, so the first retry waits
// base.
func ComputeBackoff(base, ceiling time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCeiling
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// RetryController owns attempt counting, backoff and the dead-letter
// contract.
type RetryController struct {
	runs    *runTransitioner
	base    time.Duration
	ceiling time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// HandleFailure records one failed attempt of a RUNNING run. The run is
// requeued after its backoff, or dead-lettered once attempts reaches
// max_attempts.
func (c *RetryController) HandleFailure(ctx context.Context, run *store.Run, meta *Meta, cause error) (Outcome, error) {
	now := c.now().UTC()
	msg := cause.Error()
	next := *meta
	next.Attempts++
	log := logging.LogWith(ctx, c.logger)

	if next.Attempts >= next.MaxAttempts {
		next.DLQ = true
		encoded, err := next.Encode()
		if err != nil {
			return "", err
		}
		ok, err := c.runs.transition(ctx, run, store.RunTransition{
			From:        schema.RunStatusRunning,
			To:          schema.RunStatusEscalated,
			Meta:        &encoded,
			Error:       &msg,
			CompletedAt: timePtr(now),
		}, schema.EventRunDeadLettered, map[string]any{"attempts": next.Attempts, "error": msg})
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeLost, nil
		}
		log.Warn("run dead-lettered",
			slog.Int("attempts", next.Attempts), slog.String("error", msg))
		return OutcomeDeadLettered, nil
	}

	delay := ComputeBackoff(c.base, c.ceiling, next.Attempts)
	next.NextAttemptAt = now.Add(delay)
	encoded, err := next.Encode()
	if err != nil {
		return "", err
	}
	ok, err := c.runs.transition(ctx, run, store.RunTransition{
		From:  schema.RunStatusRunning,
		To:    schema.RunStatusQueued,
		Meta:  &encoded,
		Error: &msg,
	}, schema.EventRunRetryScheduled, map[string]any{
		"attempts":        next.Attempts,
		"next_attempt_at": next.NextAttemptAt,
		"error":           msg,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeLost, nil
	}
	c.metrics.RetryScheduled(delay)
	log.Info("run retry scheduled",
		slog.Int("attempts", next.Attempts),
		slog.Duration("backoff", delay),
		slog.String("error", msg))
	return OutcomeRetryScheduled, nil
}

// Replay requeues a dead-lettered run with a fresh attempt budget. It fails
// with NOT_DEAD_LETTERED, changing nothing, unless the run's dlq flag is
// set. The update is conditioned on the exact metadata read, so two
// concurrent replays requeue the run once.
func (c *RetryController) Replay(ctx context.Context, runID string) (*store.Run, error) {
	run, err := c.runs.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	meta, err := DecodeMeta(run.Meta)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNotDeadLettered, "run metadata is not replayable").
			WithRun(runID).WithCause(err)
	}
	if !meta.DLQ || run.Status != schema.RunStatusEscalated {
		return nil, schema.NewErrorf(schema.ErrCodeNotDeadLettered,
			"run is not dead-lettered (status %s)", run.Status).WithRun(runID)
	}

	prev := run.Meta
	next := *meta
	next.Attempts = 0
	next.DLQ = false
	next.NextAttemptAt = c.now().UTC()
	encoded, err := next.Encode()
	if err != nil {
		return nil, err
	}
	ok, err := c.runs.transition(ctx, run, store.RunTransition{
		From:             schema.RunStatusEscalated,
		FromMeta:         &prev,
		To:               schema.RunStatusQueued,
		Meta:             &encoded,
		Error:            strPtr(""),
		ClearStartedAt:   true,
		ClearCompletedAt: true,
	}, schema.EventRunReplayed, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewError(schema.ErrCodeConflict, "run changed while replaying").WithRun(runID)
	}
	c.metrics.Replayed()
	logging.LogWith(logging.WithRun(ctx, run.ID, run.PropertyID), c.logger).Info("dead-lettered run replayed")
	return run, nil
}
