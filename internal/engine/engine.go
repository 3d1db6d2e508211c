package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/flowengine/internal/actions"
	"github.com/rendis/flowengine/internal/conditions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/timers"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultMaxHops bounds synchronous chaining within one advance.
const DefaultMaxHops = 256

// Publisher receives every run event after it has been stored.
type Publisher interface {
	Publish(event *store.RunEvent)
}

// Deps are the collaborators of the Engine. Store, Actions and Conditions
// are required.
type Deps struct {
	Store      store.Store
	Actions    actions.ExecutorRegistry
	Conditions *conditions.Evaluator
	Timers     timers.Service
	Publisher  Publisher
	Logger     *slog.Logger
	Meter      metric.Meter
}

// Config holds the tunables of the Engine.
type Config struct {
	MaxHops        int
	LockShards     int
	Retry          RetryPolicy
	CircuitBreaker *CircuitBreakerConfig
	// Clock returns the current time (UTC). Nil means time.Now.
	Clock func() time.Time
}

// Engine advances flow runs node by node, suspends them at waits and
// resumes them on timer fires or replies.
type Engine struct {
	store    store.Store
	actions  actions.ExecutorRegistry
	conds    *conditions.Evaluator
	timers   timers.Service
	events   *recorder
	fsm      *RunFSM
	locks    *KeyLocks
	breakers *CircuitBreakerRegistry
	retry    RetryPolicy
	maxHops  int
	now      func() time.Time
	logger   *slog.Logger
	metrics  *engineMetrics
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Actions == nil || deps.Conditions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store, an action registry and a condition evaluator")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timers == nil {
		deps.Timers = noopTimers{}
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	m, err := newMetrics(deps.Meter)
	if err != nil {
		return nil, err
	}

	events := &recorder{store: deps.Store, pub: deps.Publisher, now: cfg.Clock, logger: deps.Logger}
	e := &Engine{
		store:    deps.Store,
		actions:  deps.Actions,
		conds:    deps.Conditions,
		timers:   deps.Timers,
		events:   events,
		fsm:      &RunFSM{appender: events, logger: deps.Logger},
		locks:    NewKeyLocks(cfg.LockShards),
		breakers: NewCircuitBreakerRegistry(cbConfig, cfg.Clock),
		retry:    cfg.Retry,
		maxHops:  cfg.MaxHops,
		now:      cfg.Clock,
		logger:   deps.Logger,
		metrics:  m,
	}
	e.fsm.OnAfter(func(ctx context.Context, _ string, _, to schema.RunStatus) {
		if to.IsTerminal() {
			e.metrics.runFinished(ctx, to)
		}
	})
	return e, nil
}

// StartRequest describes a new run.
type StartRequest struct {
	Flow      *store.Flow
	EntityRef string
	CompanyID string
	Trigger   schema.EventKind
	Variables map[string]string
}

// Start creates a run of the flow bound to the entity, positioned at the
// flow's trigger, and advances it until it suspends or terminates.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.FlowRun, error) {
	if req.Flow == nil || req.Flow.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "start requires a flow definition")
	}
	if req.EntityRef == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "start requires an entity_ref")
	}
	trigger, ok := schema.NewGraph(req.Flow.Definition).Trigger()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "flow %q has no trigger node", req.Flow.ID)
	}
	companyID := req.CompanyID
	if companyID == "" {
		companyID = req.Flow.CompanyID
	}

	now := e.now()
	run := &store.FlowRun{
		ID:            uuid.New().String(),
		FlowID:        req.Flow.ID,
		FlowVersion:   req.Flow.Version,
		CompanyID:     companyID,
		EntityRef:     req.EntityRef,
		TriggerType:   req.Trigger,
		CurrentNodeID: trigger.ID,
		Variables:     copyVars(req.Variables),
		Status:        schema.RunStatusRunning,
		Definition:    req.Flow.Definition,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, storeError("create run", run.ID, err)
	}

	ctx = logging.WithRun(ctx, run.ID, run.FlowID, run.CompanyID)
	e.metrics.runStarted(ctx, run.TriggerType)
	e.events.emit(ctx, run.ID, trigger.ID, schema.EventRunStarted, map[string]any{
		"flow_version": run.FlowVersion,
		"trigger":      string(run.TriggerType),
		"entity_ref":   run.EntityRef,
	})
	logging.LogWith(ctx, e.logger).Info("run started", "entity_ref", run.EntityRef, "trigger", run.TriggerType)

	return e.Advance(ctx, run.ID)
}

// Advance continues a RUNNING run from its current node. Runs in any other
// status are returned unchanged.
func (e *Engine) Advance(ctx context.Context, runID string) (*store.FlowRun, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusRunning {
		return run, nil
	}
	ctx = logging.WithRun(ctx, run.ID, run.FlowID, run.CompanyID)
	return e.loop(ctx, run)
}

// Fire is the timer callback: it resumes the run through "next" (DELAY) or
// "timeout" (RESPONSE) when the wait at nodeID is still pending and expired.
func (e *Engine) Fire(ctx context.Context, runID, nodeID string) error {
	wait, err := e.store.GetWait(ctx, runID)
	if schema.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if wait.NodeID != nodeID || e.now().Before(wait.ExpiresAt) {
		return nil
	}

	handle := schema.HandleNext
	var vars map[string]string
	if wait.Kind == schema.WaitKindResponse {
		handle = schema.HandleTimeout
		vars = map[string]string{actions.VarResponded: "false"}
	}
	_, _, err = e.Resume(ctx, runID, nodeID, handle, vars)
	return err
}

// Cancel moves a live run to CANCELLED without invoking executors and drops
// its pending wait and wake-up. Cancelling a terminal run is INVALID_TRANSITION.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	unlock := e.locks.Lock(runID)
	defer unlock()
	return e.cancelLocked(ctx, runID, reason)
}

func (e *Engine) cancelLocked(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	ctx = logging.WithRun(ctx, run.ID, run.FlowID, run.CompanyID)
	if reason == "" {
		reason = "cancelled"
	}

	err = e.fsm.Transition(ctx, run.ID, run.CurrentNodeID, run.Status, schema.RunStatusCancelled,
		map[string]any{"reason": reason},
		func() error { return e.store.CancelRun(ctx, run.ID, reason, e.now()) },
	)
	if err != nil {
		return err
	}
	if err := e.timers.CancelWakeup(ctx, run.ID); err != nil {
		logging.LogWith(ctx, e.logger).Warn("cancel wake-up failed", "error", err)
	}
	logging.LogWith(ctx, e.logger).Info("run cancelled", "reason", reason)
	return nil
}

// Supersede cancels a live run because a newer trigger replaces it.
func (e *Engine) Supersede(ctx context.Context, runID string, by schema.EventKind) error {
	unlock := e.locks.Lock(runID)
	defer unlock()

	e.events.emit(ctx, runID, "", schema.EventRunSuperseded, map[string]any{"trigger": string(by)})
	return e.cancelLocked(ctx, runID, "superseded by "+string(by)+" trigger")
}

// CancelByEntity cancels every live run bound to the entity and returns how
// many were cancelled.
func (e *Engine) CancelByEntity(ctx context.Context, companyID, entityRef, reason string) (int, error) {
	return e.cancelMatching(ctx, store.RunFilter{CompanyID: companyID, EntityRef: entityRef}, reason)
}

// CancelByFlow cancels every live run of the flow, as when it is deactivated.
func (e *Engine) CancelByFlow(ctx context.Context, flowID, reason string) (int, error) {
	return e.cancelMatching(ctx, store.RunFilter{FlowID: flowID}, reason)
}

func (e *Engine) cancelMatching(ctx context.Context, filter store.RunFilter, reason string) (int, error) {
	filter.Statuses = schema.LiveStatuses
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return 0, storeError("list runs", "", err)
	}

	n := 0
	var errs []error
	for _, r := range runs {
		err := e.Cancel(ctx, r.ID, reason)
		switch {
		case err == nil:
			n++
		case schema.ErrorCode(err) == schema.ErrCodeInvalidTransition:
			// finished concurrently
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// RunSnapshot is a run together with its pending wait, if suspended.
type RunSnapshot struct {
	Run  *store.FlowRun     `json:"run"`
	Wait *store.PendingWait `json:"wait,omitempty"`
}

// GetRun returns the run and its pending wait.
func (e *Engine) GetRun(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	snap := &RunSnapshot{Run: run}
	if run.Status == schema.RunStatusSuspended {
		w, err := e.store.GetWait(ctx, runID)
		if err != nil && !schema.IsNotFound(err) {
			return nil, err
		}
		snap.Wait = w
	}
	return snap, nil
}

// ListRuns lists runs matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.FlowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// RunHistory returns the run's events after sequence since.
func (e *Engine) RunHistory(ctx context.Context, runID string, since int64) ([]*store.RunEvent, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(ctx, runID, since)
	if err != nil {
		return nil, storeError("read history", runID, err)
	}
	if since == 0 {
		if err := store.CheckSequence(runID, events); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Visits returns the run's idempotency ledger.
func (e *Engine) Visits(ctx context.Context, runID string) ([]*store.NodeVisit, error) {
	return e.store.ListVisits(ctx, runID)
}

// RecoveryReport summarizes a Recover pass.
type RecoveryReport struct {
	Advanced    int `json:"advanced"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// Recover advances every RUNNING run again and re-registers every pending
// wait with the timer service. It is meant to run once at boot.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	runs, err := e.store.ListRuns(ctx, store.RunFilter{Statuses: []schema.RunStatus{schema.RunStatusRunning}})
	if err != nil {
		return report, storeError("list running runs", "", err)
	}
	for _, r := range runs {
		rctx := logging.WithRun(ctx, r.ID, r.FlowID, r.CompanyID)
		e.events.emit(rctx, r.ID, r.CurrentNodeID, schema.EventRunRecovered, map[string]any{"seq": r.Seq})
		if _, err := e.Advance(rctx, r.ID); err != nil {
			report.Failed++
			logging.LogWith(rctx, e.logger).Error("recover run failed", "error", err)
			continue
		}
		report.Advanced++
	}

	waits, err := e.store.ListWaits(ctx, store.WaitFilter{})
	if err != nil {
		return report, storeError("list waits", "", err)
	}
	for _, w := range waits {
		if err := e.timers.ScheduleWakeup(ctx, w.RunID, w.NodeID, w.ExpiresAt); err != nil {
			report.Failed++
			e.logger.Warn("reschedule wake-up failed", "run_id", w.RunID, "error", err)
			continue
		}
		report.Rescheduled++
	}

	e.logger.Info("recovery finished",
		slog.Int("advanced", report.Advanced),
		slog.Int("rescheduled", report.Rescheduled),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// Readvance advances again every RUNNING run whose last update is older than
// stalledAfter. A run is left in that state when an infrastructure error hits
// after its last committed step; the ledger keeps the retry idempotent.
// It returns how many runs left RUNNING.
func (e *Engine) Readvance(ctx context.Context, stalledAfter time.Duration) (int, error) {
	cutoff := e.now().Add(-stalledAfter)
	runs, err := e.store.ListRuns(ctx, store.RunFilter{
		Statuses:      []schema.RunStatus{schema.RunStatusRunning},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, storeError("list stalled runs", "", err)
	}

	moved := 0
	var errs []error
	for _, r := range runs {
		rctx := logging.WithRun(ctx, r.ID, r.FlowID, r.CompanyID)
		e.events.emit(rctx, r.ID, r.CurrentNodeID, schema.EventRunRecovered, map[string]any{"seq": r.Seq, "stalled": true})
		run, err := e.Advance(rctx, r.ID)
		if err != nil {
			logging.LogWith(rctx, e.logger).Warn("re-advance stalled run failed", "error", err)
			errs = append(errs, err)
			continue
		}
		if run.Status != schema.RunStatusRunning {
			moved++
		}
	}
	return moved, errors.Join(errs...)
}

// Purge deletes terminal runs last updated more than retention ago.
func (e *Engine) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := e.store.DeleteRunsBefore(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, storeError("purge runs", "", err)
	}
	if n > 0 {
		e.logger.Info("purged terminal runs", slog.Int64("count", n), slog.Duration("retention", retention))
	}
	return n, nil
}

// BreakerState exposes the circuit state of a node type's collaborator.
func (e *Engine) BreakerState(nodeType schema.NodeType) CircuitState {
	return e.breakers.State(string(nodeType))
}

// recorder appends run events to the store and forwards them to the publisher.
type recorder struct {
	store  store.Store
	pub    Publisher
	now    func() time.Time
	logger *slog.Logger
}

func (r *recorder) AppendEvent(ctx context.Context, event *store.RunEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if r.pub != nil {
		r.pub.Publish(event)
	}
	return nil
}

// emit records a history event; failures are logged, never returned.
func (r *recorder) emit(ctx context.Context, runID, nodeID, eventType string, payload map[string]any) {
	event := &store.RunEvent{RunID: runID, NodeID: nodeID, Type: eventType}
	if len(payload) > 0 {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := r.AppendEvent(ctx, event); err != nil {
		r.logger.Warn("append run event failed", "run_id", runID, "event", eventType, "error", err)
	}
}

type noopTimers struct{}

func (noopTimers) ScheduleWakeup(context.Context, string, string, time.Time) error { return nil }
func (noopTimers) CancelWakeup(context.Context, string) error                      { return nil }

func storeError(op, runID string, err error) error {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	e := schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
	if runID != "" {
		e = e.WithRun(runID)
	}
	return e
}

func copyVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
