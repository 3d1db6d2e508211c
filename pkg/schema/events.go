package schema

// Event type constants for the run history log.
const (
	EventRunStarted    = "run_started"
	EventRunSuspended  = "run_suspended"
	EventRunResumed    = "run_resumed"
	EventRunCompleted  = "run_completed"
	EventRunErrored    = "run_errored"
	EventRunCancelled  = "run_cancelled"
	EventRunRecovered  = "run_recovered"
	EventRunSuperseded = "run_superseded"

	EventNodeEntered  = "node_entered"
	EventNodeExecuted = "node_executed"
	EventNodeFailed   = "node_failed"
	EventNodeReplayed = "node_replayed"
	EventNodeRetrying = "node_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventSwitchEvaluated    = "switch_evaluated"

	EventWaitCreated  = "wait_created"
	EventWaitResolved = "wait_resolved"

	EventCircuitBreakerOpen = "circuit_breaker_open"
)

// RunStatus represents the lifecycle state of a flow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSuspended RunStatus = "SUSPENDED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusErrored   RunStatus = "ERRORED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions leave this status.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusErrored || s == RunStatusCancelled
}

// LiveStatuses are the statuses from which a run can still move.
var LiveStatuses = []RunStatus{RunStatusRunning, RunStatusSuspended}

// WaitKind distinguishes fixed delays from response waits.
type WaitKind string

const (
	WaitKindDelay    WaitKind = "DELAY"
	WaitKindResponse WaitKind = "RESPONSE"
)

// VisitState is the idempotency ledger state of a node visit.
type VisitState string

const (
	VisitStarted VisitState = "started"
	VisitDone    VisitState = "done"
)
