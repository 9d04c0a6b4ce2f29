package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/farizattamimi/PMS-sub002/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Every state
// transition is a conditional update that reports whether it applied;
// a false result means a concurrent actor won the race.
type Store interface {
	RunStore
	ExceptionStore
	ActionStore
	GovernorStore
	ScopeStore
	ThreadStore
	ScheduleStore
	SecretStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DedupStore answers whether an idempotency key already produced a run.
type DedupStore interface {
	RunExists(ctx context.Context, triggerRef string) (bool, error)
}

// RunStore persists agent runs and their children.
type RunStore interface {
	DedupStore

	// CreateRun inserts a run unless its trigger_ref already exists.
	// It reports false, with no error, for a duplicate.
	CreateRun(ctx context.Context, run *Run) (bool, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunDetail(ctx context.Context, id string) (*RunDetail, error)
	ListRuns(ctx context.Context, filter RunFilter) (*RunPage, error)
	ListQueuedRuns(ctx context.Context, limit int) ([]*Run, error)
	TransitionRun(ctx context.Context, id string, tr RunTransition) (bool, error)
	RunOutcomeCounts(ctx context.Context, since time.Time) (*OutcomeCounts, error)

	AppendStep(ctx context.Context, step *Step) error
	AppendActionLog(ctx context.Context, log *ActionLog) error
}

// ExceptionStore persists agent exceptions.
type ExceptionStore interface {
	CreateException(ctx context.Context, exc *Exception) error
	GetException(ctx context.Context, id string) (*Exception, error)
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]*Exception, error)
	TransitionException(ctx context.Context, id string, from []schema.ExceptionStatus, to schema.ExceptionStatus, at time.Time) (bool, error)
	CountOpenCritical(ctx context.Context) (int, error)
}

// ActionStore persists agent-proposed actions awaiting approval.
type ActionStore interface {
	CreateAction(ctx context.Context, action *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]*Action, error)
	// ClaimAction sets the claim token when the action is pending, owned by
	// managerID, and either unclaimed or claimed before staleBefore.
	ClaimAction(ctx context.Context, id, managerID string, claim, staleBefore int64) (bool, error)
	// FinalizeAction sets a terminal status only while the claim token still
	// equals claim.
	FinalizeAction(ctx context.Context, id string, claim int64, status schema.ActionStatus, result json.RawMessage, executedAt time.Time) (bool, error)
}

// GovernorStore persists the global safety governor row and policies.
type GovernorStore interface {
	GetGovernorState(ctx context.Context) (*GovernorState, error)
	UpdateGovernorState(ctx context.Context, update GovernorUpdate) error
	CreatePolicy(ctx context.Context, p *Policy) error
	SetPolicyActive(ctx context.Context, id string, active bool) error
	CountActiveGlobalPolicies(ctx context.Context) (int, error)
}

// ScopeStore persists property automation flags and caller grants.
type ScopeStore interface {
	GetPropertySettings(ctx context.Context, propertyID string) (*PropertySettings, error)
	SetAutomationEnabled(ctx context.Context, propertyID string, enabled bool) error
	GrantProperty(ctx context.Context, principalID, propertyID string) error
	RevokeProperty(ctx context.Context, principalID, propertyID string) error
	ListPrincipalProperties(ctx context.Context, principalID string) ([]string, error)
}

// ThreadStore persists tenant conversation threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, th *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	FindOpenThread(ctx context.Context, propertyID, channel, tenantRef string) (*Thread, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, threadID string) ([]*Message, error)
}

// ScheduleStore persists cron schedules that enqueue runs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sch *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// SecretStore persists encrypted secret blobs.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
