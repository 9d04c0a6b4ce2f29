package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/logging"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Claimer hands out queued runs. The conditional QUEUED -> RUNNING update
// is its only mutual exclusion, so any number of claimers may scan the
// same queue.
type Claimer struct {
	runs    *runTransitioner
	limit   int
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// ClaimNext scans up to limit queued runs, oldest first, and claims the
// first one that is due. It returns nil when no candidate could be claimed.
// Candidates with undecodable metadata are claimed so the dispatcher can
// fail them; otherwise they would block the head of the queue forever.
func (c *Claimer) ClaimNext(ctx context.Context) (*store.Run, error) {
	candidates, err := c.runs.store.ListQueuedRuns(ctx, c.limit)
	if err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	now := c.now().UTC()
	for _, run := range candidates {
		if meta, err := DecodeMeta(run.Meta); err == nil && !meta.Due(now) {
			c.metrics.Claim("not_due")
			continue
		}
		ok, err := c.runs.transition(ctx, run, store.RunTransition{
			From:      schema.RunStatusQueued,
			To:        schema.RunStatusRunning,
			StartedAt: timePtr(now),
		}, schema.EventRunClaimed, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.metrics.Claim("lost")
			continue
		}
		c.metrics.Claim("claimed")
		logging.LogWith(logging.WithRun(ctx, run.ID, run.PropertyID), c.logger).Debug("run claimed",
			slog.String("workflow_type", string(run.WorkflowType)))
		return run, nil
	}
	return nil, nil
}
