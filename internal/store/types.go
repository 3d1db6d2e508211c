package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// Flow is a stored flow definition. Saving a flow bumps its version.
type Flow struct {
	ID         string                 `json:"id"`
	CompanyID  string                 `json:"company_id"`
	Name       string                 `json:"name,omitempty"`
	Active     bool                   `json:"active"`
	Version    int                    `json:"version"`
	Definition *schema.FlowDefinition `json:"definition"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// FlowRun is one execution of a flow bound to an entity. Definition is the
// snapshot taken at trigger time.
type FlowRun struct {
	ID            string                 `json:"id"`
	FlowID        string                 `json:"flow_id"`
	FlowVersion   int                    `json:"flow_version"`
	CompanyID     string                 `json:"company_id"`
	EntityRef     string                 `json:"entity_ref"`
	TriggerType   schema.EventKind       `json:"trigger_type"`
	CurrentNodeID string                 `json:"current_node_id"`
	Variables     map[string]string      `json:"variables"`
	Status        schema.RunStatus       `json:"status"`
	Seq           int64                  `json:"seq"`
	LastError     string                 `json:"last_error,omitempty"`
	ErrorNodeID   string                 `json:"error_node_id,omitempty"`
	Definition    *schema.FlowDefinition `json:"definition,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// PendingWait is a suspended run's wake-up condition. A run has at most one.
type PendingWait struct {
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id"`
	Kind      schema.WaitKind `json:"kind"`
	EntityRef string          `json:"entity_ref"`
	CompanyID string          `json:"company_id"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// NodeVisit is an idempotency ledger row: the seq-th node a run entered.
type NodeVisit struct {
	RunID      string            `json:"run_id"`
	Seq        int64             `json:"seq"`
	NodeID     string            `json:"node_id"`
	NodeType   schema.NodeType   `json:"node_type"`
	State      schema.VisitState `json:"state"`
	Handle     string            `json:"handle,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunEvent is an entry in a run's operator-visible history.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob emits a SYSTEM_EVENT on a cron schedule.
type ScheduledJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	EventName      string     `json:"event_name"`
	CompanyID      string     `json:"company_id,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// FlowFilter specifies criteria for listing flows.
type FlowFilter struct {
	CompanyID  string `json:"company_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	FlowID        string             `json:"flow_id,omitempty"`
	CompanyID     string             `json:"company_id,omitempty"`
	EntityRef     string             `json:"entity_ref,omitempty"`
	Statuses      []schema.RunStatus `json:"statuses,omitempty"`
	UpdatedBefore *time.Time         `json:"updated_before,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	Offset        int                `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. When ExpectStatus is set the
// update only applies if the run is currently in one of those statuses.
type RunUpdate struct {
	ExpectStatus  []schema.RunStatus
	Status        *schema.RunStatus
	CurrentNodeID *string
	Variables     map[string]string
	LastError     *string
	ErrorNodeID   *string
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Step commits the outcome of the node visit at Seq: the visit is marked done
// with Handle, the run moves to NextNodeID with seq+1.
type Step struct {
	RunID       string
	Seq         int64
	Handle      string
	Output      json.RawMessage
	NextNodeID  string
	Variables   map[string]string
	Status      schema.RunStatus
	CompletedAt *time.Time
	At          time.Time
}

// WaitFilter specifies criteria for listing pending waits. Results are
// ordered newest first unless ExpiresBefore is set, in which case they are
// ordered by expiry.
type WaitFilter struct {
	EntityRef     string          `json:"entity_ref,omitempty"`
	CompanyID     string          `json:"company_id,omitempty"`
	Kind          schema.WaitKind `json:"kind,omitempty"`
	ExpiresBefore *time.Time      `json:"expires_before,omitempty"`
	Limit         int             `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	EventName string `json:"event_name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
