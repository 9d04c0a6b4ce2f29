package schema

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusEscalated RunStatus = "ESCALATED"
)

// IsTerminal reports whether no further transition is expected without
// operator intervention.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusEscalated
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusEscalated:
		return true
	}
	return false
}

// WorkflowType names an autonomous workflow.
type WorkflowType string

const (
	WorkflowMaintenanceDispatch WorkflowType = "MAINTENANCE_DISPATCH"
	WorkflowTenantComms         WorkflowType = "TENANT_COMMS"
	WorkflowPMScheduling        WorkflowType = "PM_SCHEDULING"
	WorkflowSLABreach           WorkflowType = "SLA_BREACH"
	WorkflowFinancialRecon      WorkflowType = "FINANCIAL_RECON"
	WorkflowLegalCompliance     WorkflowType = "LEGAL_COMPLIANCE"
)

// WorkflowTypes lists every workflow the engine knows how to route.
var WorkflowTypes = []WorkflowType{
	WorkflowMaintenanceDispatch,
	WorkflowTenantComms,
	WorkflowPMScheduling,
	WorkflowSLABreach,
	WorkflowFinancialRecon,
	WorkflowLegalCompliance,
}

// Valid reports whether w is a known workflow type.
func (w WorkflowType) Valid() bool {
	for _, known := range WorkflowTypes {
		if w == known {
			return true
		}
	}
	return false
}

// TriggerType records how a run came to exist.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
	TriggerInbound  TriggerType = "inbound"
)

// Severity of an agent exception.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ExceptionStatus tracks human handling of an agent exception.
type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "OPEN"
	ExceptionAck      ExceptionStatus = "ACK"
	ExceptionResolved ExceptionStatus = "RESOLVED"
)

// ActionStatus tracks an agent-proposed action awaiting human approval.
type ActionStatus string

const (
	ActionPendingApproval ActionStatus = "PENDING_APPROVAL"
	ActionAutoExecuted    ActionStatus = "AUTO_EXECUTED"
	ActionApproved        ActionStatus = "APPROVED"
	ActionRejected        ActionStatus = "REJECTED"
	ActionFailed          ActionStatus = "FAILED"
)
