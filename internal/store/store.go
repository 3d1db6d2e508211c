package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Flows
	SaveFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, id string) (*Flow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error)
	SetFlowActive(ctx context.Context, id string, active bool) error
	DeleteFlow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *FlowRun) error
	GetRun(ctx context.Context, id string) (*FlowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*FlowRun, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Idempotency ledger
	BeginVisit(ctx context.Context, visit *NodeVisit) error
	GetVisit(ctx context.Context, runID string, seq int64) (*NodeVisit, error)
	ListVisits(ctx context.Context, runID string) ([]*NodeVisit, error)
	CommitStep(ctx context.Context, step Step) error

	// Suspension
	SuspendRun(ctx context.Context, wait *PendingWait, at time.Time) error
	ClaimWait(ctx context.Context, runID, nodeID string, step Step) (bool, error)
	CancelRun(ctx context.Context, runID, reason string, at time.Time) error
	GetWait(ctx context.Context, runID string) (*PendingWait, error)
	ListWaits(ctx context.Context, filter WaitFilter) ([]*PendingWait, error)

	// Run history (append-only)
	AppendEvent(ctx context.Context, event *RunEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
