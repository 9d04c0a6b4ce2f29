package schema

// Lifecycle event types published on the event hub.
const (
	EventRunQueued         = "run.queued"
	EventRunDeduplicated   = "run.deduplicated"
	EventRunClaimed        = "run.claimed"
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventRunEscalated      = "run.escalated"
	EventRunRetryScheduled = "run.retry_scheduled"
	EventRunDeadLettered   = "run.dead_lettered"
	EventRunRequeued       = "run.requeued"
	EventRunReplayed       = "run.replayed"

	EventGovernorTripped    = "governor.tripped"
	EventGovernorKillSwitch = "governor.kill_switch"
	EventGovernorResumed    = "governor.resumed"
	EventPolicyDrift        = "governor.policy_drift"

	EventActionApproved = "action.approved"
	EventActionRejected = "action.rejected"
	EventActionFailed   = "action.failed"

	EventExceptionRaised = "exception.raised"
)
