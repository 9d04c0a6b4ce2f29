package store

import (
	"encoding/json"
	"time"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Run is one tracked execution of a workflow from intake to a terminal state.
type Run struct {
	ID           string              `json:"id"`
	WorkflowType schema.WorkflowType `json:"workflow_type"`
	TriggerType  schema.TriggerType  `json:"trigger_type"`
	TriggerRef   string              `json:"trigger_ref"`
	PropertyID   string              `json:"property_id,omitempty"`
	Status       schema.RunStatus    `json:"status"`
	// Meta is the opaque, versioned scheduling blob. Only the engine decodes it.
	Meta        string     `json:"meta"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RunDetail is a run with its steps, exceptions and action logs.
type RunDetail struct {
	*Run
	Steps      []*Step      `json:"steps"`
	Exceptions []*Exception `json:"exceptions"`
	ActionLogs []*ActionLog `json:"action_logs"`
}

// RunSummary is a list entry with child counts.
type RunSummary struct {
	*Run
	StepCount      int `json:"step_count"`
	ExceptionCount int `json:"exception_count"`
	ActionLogCount int `json:"action_log_count"`
}

// RunPage is one page of a run listing.
type RunPage struct {
	Runs   []*RunSummary `json:"runs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// RunFilter controls run listing.
// When Scoped is true only runs whose property is in PropertyIDs match;
// an empty PropertyIDs then matches nothing.
type RunFilter struct {
	Status       schema.RunStatus
	WorkflowType schema.WorkflowType
	PropertyID   string
	Scoped       bool
	PropertyIDs  []string
	Limit        int
	Offset       int
}

// RunTransition is a conditional update of a run. From (and FromMeta, when
// set) must match the stored row for the update to apply.
type RunTransition struct {
	From     schema.RunStatus
	FromMeta *string

	To               schema.RunStatus
	Meta             *string
	Summary          *string
	Error            *string
	StartedAt        *time.Time
	ClearStartedAt   bool
	CompletedAt      *time.Time
	ClearCompletedAt bool
}

// OutcomeCounts tallies terminal runs completed inside a window.
type OutcomeCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// Terminal is the number of runs that reached any terminal status.
func (o *OutcomeCounts) Terminal() int {
	return o.Completed + o.Failed + o.Escalated
}

// FailurePct is the share of terminal runs that FAILED, in percent.
func (o *OutcomeCounts) FailurePct() float64 {
	total := o.Terminal()
	if total == 0 {
		return 0
	}
	return float64(o.Failed) * 100 / float64(total)
}

// Step is an ordered log entry written by a handler during a run.
type Step struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ActionLog records an action a handler took autonomously.
type ActionLog struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	ActionType string          `json:"action_type"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Exception escalates a problem to a human.
type Exception struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id,omitempty"`
	PropertyID string                 `json:"property_id,omitempty"`
	Severity   schema.Severity        `json:"severity"`
	Category   string                 `json:"category"`
	Title      string                 `json:"title"`
	Details    string                 `json:"details,omitempty"`
	Context    map[string]any         `json:"context,omitempty"`
	Status     schema.ExceptionStatus `json:"status"`
	RequiresBy *time.Time             `json:"requires_by,omitempty"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ExceptionFilter controls exception listing.
type ExceptionFilter struct {
	Status      schema.ExceptionStatus
	Severity    schema.Severity
	RunID       string
	Scoped      bool
	PropertyIDs []string
	Limit       int
}

// Action is an agent-proposed side effect awaiting human approval.
type Action struct {
	ID         string              `json:"id"`
	RunID      string              `json:"run_id,omitempty"`
	ManagerID  string              `json:"manager_id"`
	PropertyID string              `json:"property_id,omitempty"`
	ActionType string              `json:"action_type"`
	Payload    json.RawMessage     `json:"payload,omitempty"`
	Status     schema.ActionStatus `json:"status"`
	// RespondedAt doubles as the claim timestamp.
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ActionFilter controls action listing.
type ActionFilter struct {
	Status    schema.ActionStatus
	ManagerID string
	RunID     string
	Limit     int
}

// GovernorState is the single global circuit-breaker row.
type GovernorState struct {
	KillSwitch            bool       `json:"kill_switch"`
	AutoPauseUntil        *time.Time `json:"auto_pause_until,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	PauseReason           string     `json:"pause_reason,omitempty"`
	FailureThresholdPct   float64    `json:"failure_threshold_pct"`
	CriticalOpenThreshold int        `json:"critical_open_threshold"`
	WindowHours           int        `json:"window_hours"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// GovernorUpdate holds optional fields for updating the governor row.
// Reason belongs to the kill switch; PauseReason is written with
// AutoPauseUntil and dropped by ClearAutoPause.
type GovernorUpdate struct {
	KillSwitch            *bool
	AutoPauseUntil        *time.Time
	ClearAutoPause        bool
	Reason                *string
	PauseReason           *string
	FailureThresholdPct   *float64
	CriticalOpenThreshold *int
	WindowHours           *int
}

// Policy is an autonomy policy configuration. Global policies apply to all
// properties; only one should be active at a time.
type Policy struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	ScopeType  string          `json:"scope_type"`
	PropertyID string          `json:"property_id,omitempty"`
	Active     bool            `json:"active"`
	Config     json.RawMessage `json:"config,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Policy scope types.
const (
	PolicyScopeGlobal   = "global"
	PolicyScopeProperty = "property"
)

// PropertySettings holds per-property automation configuration.
type PropertySettings struct {
	PropertyID        string    `json:"property_id"`
	AutomationEnabled bool      `json:"automation_enabled"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Thread is a tenant conversation on one channel.
type Thread struct {
	ID         string    `json:"id"`
	PropertyID string    `json:"property_id"`
	Channel    string    `json:"channel"`
	TenantRef  string    `json:"tenant_ref"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Thread statuses.
const (
	ThreadOpen   = "open"
	ThreadClosed = "closed"
)

// Message is one entry in a thread.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Direction  string    `json:"direction"`
	Body       string    `json:"body"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Schedule enqueues a run of a workflow on a cron expression.
type Schedule struct {
	ID             string              `json:"id"`
	WorkflowType   schema.WorkflowType `json:"workflow_type"`
	PropertyID     string              `json:"property_id,omitempty"`
	CronExpression string              `json:"cron_expression"`
	Payload        map[string]any      `json:"payload,omitempty"`
	Enabled        bool                `json:"enabled"`
	LastRunAt      *time.Time          `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time          `json:"next_run_at,omitempty"`
	LastRunStatus  string              `json:"last_run_status,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ScheduleFilter controls schedule listing.
type ScheduleFilter struct {
	Enabled *bool
	Limit   int
}

// ScheduleUpdate holds optional fields for updating a schedule.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}
