// Package metrics exposes Prometheus collectors for the orchestration
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	intakeTotal       *prometheus.CounterVec
	claimsTotal       *prometheus.CounterVec
	dispatchTotal     *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	retryDelay        prometheus.Histogram
	replaysTotal      prometheus.Counter
	governorPaused    prometheus.Gauge
	governorTrips     prometheus.Counter
	governorEvals     prometheus.Counter
	failurePct        prometheus.Gauge
	criticalOpen      prometheus.Gauge
	approvalsTotal    *prometheus.CounterVec
	activeStreams     prometheus.Gauge
	streamsClosed     *prometheus.CounterVec
	batchesSkipped    prometheus.Counter
	rateLimitedTotal  *prometheus.CounterVec
	scheduleRunsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intake_total",
			Help: "Intake requests by trigger type and outcome (queued, duplicate, skipped, rejected).",
		}, []string{"trigger_type", "outcome"}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total",
			Help: "Run claim attempts by result (claimed, lost, not_due).",
		}, []string{"result"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_total",
			Help: "Dispatch outcomes by workflow type.",
		}, []string{"workflow_type", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_seconds",
			Help:    "Workflow handler execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"workflow_type"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "retry_delay_seconds",
			Help:    "Backoff delay scheduled after a failed attempt.",
			Buckets: []float64{15, 30, 60, 120, 240, 300},
		}),
		replaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlq_replays_total",
			Help: "Dead-lettered runs requeued by an operator.",
		}),
		governorPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "governor_blocked",
			Help: "1 while the safety governor blocks dispatch.",
		}),
		governorTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "governor_trips_total",
			Help: "Automatic pauses raised by the governor evaluator.",
		}),
		governorEvals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "governor_evaluations_total",
			Help: "Governor evaluations performed.",
		}),
		failurePct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "governor_failure_pct",
			Help: "Failure percentage of terminal runs in the last evaluation window.",
		}),
		criticalOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "governor_critical_open",
			Help: "Open or acknowledged CRITICAL exceptions at the last evaluation.",
		}),
		approvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "action_responses_total",
			Help: "Approval and rejection attempts by result.",
		}, []string{"decision", "result"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "streams_active",
			Help: "Open run status streams.",
		}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_closed_total",
			Help: "Closed run status streams by reason.",
		}, []string{"reason"}),
		batchesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_skipped_total",
			Help: "Scheduled batches skipped because every batch slot was busy.",
		}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by per-caller rate limits.",
		}, []string{"route"}),
		scheduleRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedule_runs_total",
			Help: "Schedule firings by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.intakeTotal, m.claimsTotal, m.dispatchTotal, m.handlerDuration, m.retryDelay,
		m.replaysTotal, m.governorPaused, m.governorTrips, m.governorEvals, m.failurePct,
		m.criticalOpen, m.approvalsTotal, m.activeStreams, m.streamsClosed, m.batchesSkipped,
		m.rateLimitedTotal, m.scheduleRunsTotal,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Intake(triggerType, outcome string) {
	if m == nil {
		return
	}
	m.intakeTotal.WithLabelValues(triggerType, outcome).Inc()
}

func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Dispatch(workflowType, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(workflowType, outcome).Inc()
}

func (m *Metrics) HandlerDuration(workflowType string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(workflowType).Observe(d.Seconds())
}

func (m *Metrics) RetryScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(delay.Seconds())
}

func (m *Metrics) Replayed() {
	if m == nil {
		return
	}
	m.replaysTotal.Inc()
}

// GovernorBlocked records whether the last gate check blocked dispatch.
func (m *Metrics) GovernorBlocked(blocked bool) {
	if m == nil {
		return
	}
	if blocked {
		m.governorPaused.Set(1)
		return
	}
	m.governorPaused.Set(0)
}

// GovernorEvaluated records the inputs of one evaluation.
func (m *Metrics) GovernorEvaluated(failurePct float64, criticalOpen int, tripped bool) {
	if m == nil {
		return
	}
	m.governorEvals.Inc()
	m.failurePct.Set(failurePct)
	m.criticalOpen.Set(float64(criticalOpen))
	if tripped {
		m.governorTrips.Inc()
	}
}

func (m *Metrics) ActionResponse(decision, result string) {
	if m == nil {
		return
	}
	m.approvalsTotal.WithLabelValues(decision, result).Inc()
}

// StreamOpened increments the open-stream gauge and returns the matching
// close function.
func (m *Metrics) StreamOpened() func(reason string) {
	if m == nil {
		return func(string) {}
	}
	m.activeStreams.Inc()
	return func(reason string) {
		m.activeStreams.Dec()
		m.streamsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) BatchSkipped() {
	if m == nil {
		return
	}
	m.batchesSkipped.Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) ScheduleFired(result string) {
	if m == nil {
		return
	}
	m.scheduleRunsTotal.WithLabelValues(result).Inc()
}
