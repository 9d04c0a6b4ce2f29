package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/farizattamimi/PMS-sub002/internal/expressions"
	"github.com/farizattamimi/PMS-sub002/internal/metrics"
	"github.com/farizattamimi/PMS-sub002/internal/store"
	"github.com/farizattamimi/PMS-sub002/internal/streaming"
	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Decision is the result of a governor gate check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// Evaluation summarizes one evaluateAndAutoPause pass.
type Evaluation struct {
	WindowStart          time.Time  `json:"window_start"`
	Completed            int        `json:"completed"`
	Failed               int        `json:"failed"`
	Escalated            int        `json:"escalated"`
	Terminal             int        `json:"terminal"`
	FailurePct           float64    `json:"failure_pct"`
	CriticalOpen         int        `json:"critical_open"`
	ActiveGlobalPolicies int        `json:"active_global_policies"`
	Drift                bool       `json:"drift"`
	Tripped              bool       `json:"tripped"`
	PauseUntil           *time.Time `json:"pause_until,omitempty"`
	Reason               string     `json:"reason,omitempty"`
}

// Governor is the global circuit breaker. All of its state lives in the
// store's governor row; the struct only holds collaborators.
type Governor struct {
	store    store.Store
	rule     expressions.Engine
	tripRule string
	pause    time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
	emitter
}

// GovernorOptions configures NewGovernor.
type GovernorOptions struct {
	TripRule      string
	PauseDuration time.Duration
	Hub           streaming.EventHub
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// NewGovernor creates a governor and compiles its trip rule.
func NewGovernor(s store.Store, opts GovernorOptions) (*Governor, error) {
	if opts.TripRule == "" {
		opts.TripRule = DefaultTripRule
	}
	if opts.PauseDuration <= 0 {
		opts.PauseDuration = DefaultPauseDuration
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rule := expressions.NewExprEngine()
	if err := rule.Compile(opts.TripRule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "governor trip rule: %s", err.Error()).WithCause(err)
	}
	return &Governor{
		store:    s,
		rule:     rule,
		tripRule: opts.TripRule,
		pause:    opts.PauseDuration,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		emitter:  emitter{hub: opts.Hub, logger: opts.Logger},
	}, nil
}

// TripRule returns the active trip expression.
func (g *Governor) TripRule() string { return g.tripRule }

// CanExecuteAutonomy reports whether dispatch may proceed. A set kill
// switch or an auto-pause in the future blocks, carrying its own reason.
func (g *Governor) CanExecuteAutonomy(ctx context.Context) (*Decision, error) {
	st, err := g.store.GetGovernorState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read governor state: %w", err)
	}
	d := decide(st, g.now())
	g.metrics.GovernorBlocked(!d.Allowed)
	return d, nil
}

func decide(st *store.GovernorState, now time.Time) *Decision {
	if st.KillSwitch {
		return &Decision{Reason: reasonOr(st.Reason, "kill switch engaged")}
	}
	if st.AutoPauseUntil != nil && st.AutoPauseUntil.After(now) {
		until := *st.AutoPauseUntil
		return &Decision{Reason: reasonOr(st.PauseReason, "auto-paused"), Until: &until}
	}
	return &Decision{Allowed: true}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// EvaluateAndAutoPause computes rolling health over the configured window
// and pauses dispatch for the pause duration when the trip rule holds.
// A trip always extends the pause from now, so a breaker that re-trips
// after its window elapsed stays closed for another full period.
func (g *Governor) EvaluateAndAutoPause(ctx context.Context) (*Evaluation, error) {
	st, err := g.store.GetGovernorState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read governor state: %w", err)
	}
	now := g.now().UTC()
	window := time.Duration(st.WindowHours) * time.Hour
	ev := &Evaluation{WindowStart: now.Add(-window)}

	counts, err := g.store.RunOutcomeCounts(ctx, ev.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("count run outcomes: %w", err)
	}
	ev.Completed, ev.Failed, ev.Escalated = counts.Completed, counts.Failed, counts.Escalated
	ev.Terminal = counts.Terminal()
	ev.FailurePct = counts.FailurePct()

	if ev.CriticalOpen, err = g.store.CountOpenCritical(ctx); err != nil {
		return nil, fmt.Errorf("count critical exceptions: %w", err)
	}
	if ev.ActiveGlobalPolicies, err = g.store.CountActiveGlobalPolicies(ctx); err != nil {
		return nil, fmt.Errorf("count global policies: %w", err)
	}

	if ev.ActiveGlobalPolicies > 1 {
		ev.Drift = true
		if err := g.raiseDrift(ctx, ev.ActiveGlobalPolicies); err != nil {
			return nil, err
		}
	}

	tripped, err := expressions.EvaluateBool(ctx, g.rule, g.tripRule, map[string]any{
		"failure_pct":             ev.FailurePct,
		"failure_threshold_pct":   st.FailureThresholdPct,
		"critical_open":           ev.CriticalOpen,
		"critical_open_threshold": st.CriticalOpenThreshold,
		"terminal":                ev.Terminal,
		"completed":               ev.Completed,
		"failed":                  ev.Failed,
		"escalated":               ev.Escalated,
		"window_hours":            st.WindowHours,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "evaluate trip rule: %s", err.Error()).WithCause(err)
	}
	g.metrics.GovernorEvaluated(ev.FailurePct, ev.CriticalOpen, tripped)
	if !tripped {
		return ev, nil
	}

	until := now.Add(g.pause)
	reason := fmt.Sprintf(
		"auto-paused: failure rate %.1f%% (threshold %.1f%%) over %dh, %d open critical exceptions (threshold %d)",
		ev.FailurePct, st.FailureThresholdPct, st.WindowHours, ev.CriticalOpen, st.CriticalOpenThreshold)
	if err := g.store.UpdateGovernorState(ctx, store.GovernorUpdate{
		AutoPauseUntil: &until,
		PauseReason:    &reason,
	}); err != nil {
		return nil, fmt.Errorf("pause governor: %w", err)
	}
	ev.Tripped = true
	ev.PauseUntil = &until
	ev.Reason = reason

	if _, err := raiseException(ctx, g.store, g.emitter, "", "", ExceptionInput{
		Severity: schema.SeverityCritical,
		Category: "safety_governor",
		Title:    "Autonomy auto-paused by safety governor",
		Details:  reason,
		Context: map[string]any{
			"failure_pct":             ev.FailurePct,
			"failure_threshold_pct":   st.FailureThresholdPct,
			"critical_open":           ev.CriticalOpen,
			"critical_open_threshold": st.CriticalOpenThreshold,
			"terminal_runs":           ev.Terminal,
			"window_hours":            st.WindowHours,
			"pause_until":             until.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, fmt.Errorf("raise governor exception: %w", err)
	}

	g.emit(ctx, streaming.StreamEvent{
		EventType: schema.EventGovernorTripped,
		Payload:   map[string]any{"pause_until": until, "reason": reason},
	})
	g.logger.WarnContext(ctx, "safety governor tripped",
		slog.Float64("failure_pct", ev.FailurePct),
		slog.Int("critical_open", ev.CriticalOpen),
		slog.Time("pause_until", until))
	return ev, nil
}

func (g *Governor) raiseDrift(ctx context.Context, active int) error {
	_, err := raiseException(ctx, g.store, g.emitter, "", "", ExceptionInput{
		Severity: schema.SeverityHigh,
		Category: "policy_drift",
		Title:    "Multiple global policies active",
		Details:  fmt.Sprintf("%d global policies are active at once", active),
		Context:  map[string]any{"active_global_policies": active},
	})
	if err != nil {
		return fmt.Errorf("raise drift exception: %w", err)
	}
	g.emit(ctx, streaming.StreamEvent{
		EventType: schema.EventPolicyDrift,
		Payload:   map[string]any{"active_global_policies": active},
	})
	return nil
}

// State returns the stored governor row.
func (g *Governor) State(ctx context.Context) (*store.GovernorState, error) {
	return g.store.GetGovernorState(ctx)
}

// SetKillSwitch engages or releases the manual kill switch. Engaging needs
// a reason. An active auto-pause and its reason are not touched.
func (g *Governor) SetKillSwitch(ctx context.Context, on bool, reason string) (*store.GovernorState, error) {
	reason = strings.TrimSpace(reason)
	if on && reason == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "engaging the kill switch requires a reason")
	}
	if !on {
		reason = ""
	}
	if err := g.store.UpdateGovernorState(ctx, store.GovernorUpdate{KillSwitch: &on, Reason: &reason}); err != nil {
		return nil, err
	}
	g.emit(ctx, streaming.StreamEvent{
		EventType: schema.EventGovernorKillSwitch,
		Payload:   map[string]any{"on": on, "reason": reason},
	})
	g.logger.InfoContext(ctx, "kill switch updated", slog.Bool("on", on), slog.String("reason", reason))
	return g.store.GetGovernorState(ctx)
}

// Resume releases the kill switch and clears any automatic pause.
func (g *Governor) Resume(ctx context.Context) (*store.GovernorState, error) {
	off := false
	if err := g.store.UpdateGovernorState(ctx, store.GovernorUpdate{
		KillSwitch:     &off,
		Reason:         strPtr(""),
		ClearAutoPause: true,
	}); err != nil {
		return nil, err
	}
	g.emit(ctx, streaming.StreamEvent{EventType: schema.EventGovernorResumed})
	g.logger.InfoContext(ctx, "governor resumed")
	return g.store.GetGovernorState(ctx)
}

// Thresholds is a partial update of the evaluator's inputs.
type Thresholds struct {
	FailureThresholdPct   *float64 `json:"failure_threshold_pct,omitempty"`
	CriticalOpenThreshold *int     `json:"critical_open_threshold,omitempty"`
	WindowHours           *int     `json:"window_hours,omitempty"`
}

// UpdateThresholds validates and stores new thresholds.
func (g *Governor) UpdateThresholds(ctx context.Context, t Thresholds) (*store.GovernorState, error) {
	if p := t.FailureThresholdPct; p != nil && (*p <= 0 || *p > 100) {
		return nil, schema.NewError(schema.ErrCodeValidation, "failure_threshold_pct must be in (0, 100]")
	}
	if c := t.CriticalOpenThreshold; c != nil && *c < 1 {
		return nil, schema.NewError(schema.ErrCodeValidation, "critical_open_threshold must be at least 1")
	}
	if w := t.WindowHours; w != nil && (*w < 1 || *w > 24*30) {
		return nil, schema.NewError(schema.ErrCodeValidation, "window_hours must be between 1 and 720")
	}
	if err := g.store.UpdateGovernorState(ctx, store.GovernorUpdate{
		FailureThresholdPct:   t.FailureThresholdPct,
		CriticalOpenThreshold: t.CriticalOpenThreshold,
		WindowHours:           t.WindowHours,
	}); err != nil {
		return nil, err
	}
	return g.store.GetGovernorState(ctx)
}
