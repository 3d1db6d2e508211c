package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowengine/internal/actions"
	"github.com/rendis/flowengine/internal/conditions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// outcome is the routing decision of one node visit.
type outcome struct {
	handle string
	vars   map[string]string
	output map[string]any
}

// loop advances a RUNNING run until it suspends, terminates, or exceeds the
// hop guard. The caller holds the run's lock.
func (e *Engine) loop(ctx context.Context, run *store.FlowRun) (*store.FlowRun, error) {
	graph := schema.NewGraph(run.Definition)

	for hops := 0; ; hops++ {
		if hops >= e.maxHops {
			err := schema.NewErrorf(schema.ErrCodeHopLimit, "hop limit of %d exceeded", e.maxHops).
				WithRun(run.ID).WithNode(run.CurrentNodeID)
			return e.fail(ctx, run, run.CurrentNodeID, err)
		}

		node, ok := graph.Node(run.CurrentNodeID)
		if !ok {
			err := schema.NewErrorf(schema.ErrCodeExecution, "node %q not found in flow %s v%d",
				run.CurrentNodeID, run.FlowID, run.FlowVersion).WithRun(run.ID).WithNode(run.CurrentNodeID)
			return e.fail(ctx, run, run.CurrentNodeID, err)
		}
		nctx := logging.WithNodeID(ctx, node.ID)

		out, suspended, err := e.visit(nctx, run, node)
		if err != nil {
			if isInfraError(err) {
				return run, err
			}
			return e.fail(nctx, run, node.ID, err)
		}
		if suspended {
			return run, nil
		}

		done, err := e.commit(nctx, run, graph, node, out)
		if err != nil {
			return run, err
		}
		if done {
			return run, nil
		}
	}
}

// visit runs the node at run.Seq exactly once according to the ledger:
// a fresh visit is begun and executed, a begun-but-unfinished visit is
// replayed without its side effect, and a finished visit reuses its handle.
func (e *Engine) visit(ctx context.Context, run *store.FlowRun, node *schema.Node) (*outcome, bool, error) {
	prior, err := e.store.GetVisit(ctx, run.ID, run.Seq)
	if err != nil && !schema.IsNotFound(err) {
		return nil, false, storeError("read visit", run.ID, err)
	}
	_, waits := node.WaitKind()

	switch {
	case prior == nil:
		if err := e.store.BeginVisit(ctx, &store.NodeVisit{
			RunID: run.ID, Seq: run.Seq, NodeID: node.ID, NodeType: node.Type, StartedAt: e.now(),
		}); err != nil {
			return nil, false, storeError("begin visit", run.ID, err)
		}
		e.events.emit(ctx, run.ID, node.ID, schema.EventNodeEntered, map[string]any{"type": string(node.Type), "seq": run.Seq})

		if waits {
			if node.Type != schema.NodeWait {
				if _, err := e.invoke(ctx, run, node); err != nil {
					return nil, false, err
				}
			}
			return nil, true, e.suspend(ctx, run, node)
		}
		out, err := e.execute(ctx, run, node)
		return out, false, err

	case prior.State == schema.VisitStarted:
		e.events.emit(ctx, run.ID, node.ID, schema.EventNodeReplayed, map[string]any{"seq": run.Seq})
		logging.LogWith(ctx, e.logger).Info("replaying interrupted node visit", "seq", run.Seq, "type", node.Type)
		if waits {
			return nil, true, e.suspend(ctx, run, node)
		}
		return e.replay(ctx, run, node), false, nil

	default:
		return &outcome{handle: prior.Handle, vars: run.Variables}, false, nil
	}
}

// execute performs a fresh visit of a non-waiting node.
func (e *Engine) execute(ctx context.Context, run *store.FlowRun, node *schema.Node) (*outcome, error) {
	switch node.Type {
	case schema.NodeTrigger:
		return &outcome{handle: schema.HandleNext, vars: run.Variables}, nil
	case schema.NodeCondition, schema.NodeSwitch:
		return e.decide(ctx, run, node), nil
	}

	res, err := e.invoke(ctx, run, node)
	if err != nil {
		return nil, err
	}
	out := &outcome{handle: schema.HandleNext, vars: run.Variables, output: res.Output}
	if res.Handle != "" {
		out.handle = res.Handle
	}
	if len(res.Variables) > 0 {
		out.vars = copyVars(run.Variables)
		for k, v := range res.Variables {
			out.vars[k] = v
		}
	}
	return out, nil
}

// decide routes a Condition or Switch node. Neither has side effects, so a
// replay simply decides again.
func (e *Engine) decide(ctx context.Context, run *store.FlowRun, node *schema.Node) *outcome {
	in := conditions.Input{
		CompanyID: run.CompanyID,
		EntityRef: run.EntityRef,
		Variables: run.Variables,
	}
	if node.Type == schema.NodeSwitch {
		value, handle := e.conds.Switch(ctx, node.Data, in)
		e.events.emit(ctx, run.ID, node.ID, schema.EventSwitchEvaluated, map[string]any{
			"variable": node.Data.SwitchVariable(),
			"value":    value,
			"handle":   handle,
		})
		return &outcome{handle: handle, vars: run.Variables}
	}

	result := e.conds.Evaluate(ctx, node.Data, in)
	handle := schema.HandleFalse
	if result {
		handle = schema.HandleTrue
	}
	e.events.emit(ctx, run.ID, node.ID, schema.EventConditionEvaluated, map[string]any{
		"condition_type": node.Data.ConditionType,
		"result":         result,
	})
	return &outcome{handle: handle, vars: run.Variables}
}

// replay routes an interrupted visit without repeating its side effect.
func (e *Engine) replay(ctx context.Context, run *store.FlowRun, node *schema.Node) *outcome {
	switch node.Type {
	case schema.NodeCondition, schema.NodeSwitch:
		return e.decide(ctx, run, node)
	default:
		return &outcome{handle: schema.HandleNext, vars: run.Variables}
	}
}

// invoke calls the node type's executor behind its circuit breaker, retrying
// retryable failures under the engine's policy.
func (e *Engine) invoke(ctx context.Context, run *store.FlowRun, node *schema.Node) (*actions.Result, error) {
	exec, err := e.actions.Get(node.Type)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "no executor for node type %q", node.Type).
			WithRun(run.ID).WithNode(node.ID).WithCause(err)
	}

	key := string(node.Type)
	if err := e.breakers.Allow(key); err != nil {
		return nil, err
	}

	inv := &actions.Invocation{
		RunID:     run.ID,
		FlowID:    run.FlowID,
		CompanyID: run.CompanyID,
		EntityRef: run.EntityRef,
		Node:      node,
		Variables: copyVars(run.Variables),
	}
	log := logging.LogWith(ctx, e.logger)

	var res *actions.Result
	start := time.Now()
	err = retry(ctx, e.retry, func() error {
		r, err := exec.Execute(ctx, inv)
		if err != nil {
			return err
		}
		res = r
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		e.metrics.actionRetried(ctx, node.Type)
		e.events.emit(ctx, run.ID, node.ID, schema.EventNodeRetrying, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
			"wait_ms": wait.Milliseconds(),
		})
		log.Warn("executor failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	})
	e.metrics.actionTook(ctx, node.Type, time.Since(start), err)

	if err != nil {
		switch schema.ErrorCode(err) {
		case schema.ErrCodeRetryExhausted, schema.ErrCodeUnavailable:
			if e.breakers.RecordFailure(key) == CircuitOpen {
				e.events.emit(ctx, run.ID, node.ID, schema.EventCircuitBreakerOpen, map[string]any{"collaborator": key})
			}
		}
		return nil, err
	}
	e.breakers.RecordSuccess(key)
	if res == nil {
		res = &actions.Result{}
	}
	return res, nil
}

// commit records the visit as done and moves the run along the handle's
// edge, completing it when there is none. It reports whether the run ended.
func (e *Engine) commit(ctx context.Context, run *store.FlowRun, graph *schema.Graph, node *schema.Node, out *outcome) (bool, error) {
	now := e.now()
	next, hasNext := graph.Next(node.ID, out.handle)
	step := store.Step{
		RunID:      run.ID,
		Seq:        run.Seq,
		Handle:     out.handle,
		NextNodeID: next,
		Variables:  out.vars,
		Status:     schema.RunStatusRunning,
		At:         now,
	}
	if len(out.output) > 0 {
		if raw, err := json.Marshal(out.output); err == nil {
			step.Output = raw
		}
	}

	persist := func() error {
		if err := e.store.CommitStep(ctx, step); err != nil {
			return storeError("commit step", run.ID, err)
		}
		return nil
	}

	if hasNext {
		if err := persist(); err != nil {
			return false, err
		}
	} else {
		step.Status = schema.RunStatusCompleted
		step.CompletedAt = &now
		if err := e.fsm.Transition(ctx, run.ID, node.ID, run.Status, schema.RunStatusCompleted,
			map[string]any{"last_node": node.ID}, persist); err != nil {
			return false, err
		}
	}

	e.metrics.nodeExecuted(ctx, node.Type)
	payload := map[string]any{"handle": out.handle, "seq": run.Seq}
	if len(out.output) > 0 {
		payload["output"] = out.output
	}
	e.events.emit(ctx, run.ID, node.ID, schema.EventNodeExecuted, payload)

	run.Seq++
	run.Variables = out.vars
	run.UpdatedAt = now
	if !hasNext {
		run.Status = schema.RunStatusCompleted
		run.CompletedAt = &now
		logging.LogWith(ctx, e.logger).Info("run completed", "last_node", node.ID)
		return true, nil
	}
	run.CurrentNodeID = next
	return false, nil
}

// suspend persists the node's PendingWait together with the SUSPENDED status
// and registers the wake-up.
func (e *Engine) suspend(ctx context.Context, run *store.FlowRun, node *schema.Node) error {
	kind, _ := node.WaitKind()
	now := e.now()
	wait := &store.PendingWait{
		RunID:     run.ID,
		NodeID:    node.ID,
		Kind:      kind,
		EntityRef: run.EntityRef,
		CompanyID: run.CompanyID,
		ExpiresAt: now.Add(node.WaitDuration()),
	}

	err := e.fsm.Transition(ctx, run.ID, node.ID, run.Status, schema.RunStatusSuspended,
		map[string]any{"kind": string(kind), "expires_at": wait.ExpiresAt},
		func() error {
			if err := e.store.SuspendRun(ctx, wait, now); err != nil {
				return storeError("suspend run", run.ID, err)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	run.Status = schema.RunStatusSuspended
	run.UpdatedAt = now
	e.events.emit(ctx, run.ID, node.ID, schema.EventWaitCreated, map[string]any{
		"kind":       string(kind),
		"expires_at": wait.ExpiresAt,
	})

	if err := e.timers.ScheduleWakeup(ctx, run.ID, node.ID, wait.ExpiresAt); err != nil {
		logging.LogWith(ctx, e.logger).Warn("schedule wake-up failed, sweeper will pick the wait up", "error", err)
		return err
	}
	return nil
}

// Resume claims the run's wait at nodeID and continues through handle with
// vars merged in. It reports false, without error, when the wait was already
// resolved or the run is no longer suspended.
func (e *Engine) Resume(ctx context.Context, runID, nodeID, handle string, vars map[string]string) (*store.FlowRun, bool, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	if run.Status != schema.RunStatusSuspended || run.CurrentNodeID != nodeID {
		return run, false, nil
	}
	ctx = logging.WithNodeID(logging.WithRun(ctx, run.ID, run.FlowID, run.CompanyID), nodeID)
	if err := CheckTransition(run.Status, schema.RunStatusRunning); err != nil {
		return run, false, err.WithRun(run.ID)
	}

	merged := copyVars(run.Variables)
	for k, v := range vars {
		merged[k] = v
	}
	graph := schema.NewGraph(run.Definition)
	next, hasNext := graph.Next(nodeID, handle)
	now := e.now()
	step := store.Step{
		Seq:        run.Seq,
		Handle:     handle,
		NextNodeID: next,
		Variables:  merged,
		Status:     schema.RunStatusRunning,
		At:         now,
	}
	if !hasNext {
		step.Status = schema.RunStatusCompleted
		step.CompletedAt = &now
	}

	claimed, err := e.store.ClaimWait(ctx, run.ID, nodeID, step)
	if err != nil {
		return run, false, storeError("claim wait", run.ID, err)
	}
	if !claimed {
		logging.LogWith(ctx, e.logger).Debug("wait already resolved", "handle", handle)
		return run, false, nil
	}

	e.metrics.waitResumed(ctx, handle)
	e.events.emit(ctx, run.ID, nodeID, schema.EventWaitResolved, map[string]any{"handle": handle})
	if err := e.timers.CancelWakeup(ctx, run.ID); err != nil {
		logging.LogWith(ctx, e.logger).Warn("cancel wake-up failed", "error", err)
	}
	if err := e.fsm.Transition(ctx, run.ID, nodeID, schema.RunStatusSuspended, schema.RunStatusRunning,
		map[string]any{"handle": handle}, nil); err != nil {
		return run, true, err
	}
	if node, ok := graph.Node(nodeID); ok {
		e.metrics.nodeExecuted(ctx, node.Type)
	}

	run.Seq++
	run.Variables = merged
	run.Status = schema.RunStatusRunning
	run.UpdatedAt = now
	if !hasNext {
		if err := e.fsm.Transition(ctx, run.ID, nodeID, schema.RunStatusRunning, schema.RunStatusCompleted,
			map[string]any{"last_node": nodeID}, nil); err != nil {
			return run, true, err
		}
		run.Status = schema.RunStatusCompleted
		run.CompletedAt = &now
		return run, true, nil
	}

	run.CurrentNodeID = next
	run, err = e.loop(logging.WithNodeID(ctx, ""), run)
	return run, true, err
}

// fail moves the run to ERRORED, attributing err to nodeID. The run absorbs
// the error: only a failure to persist is returned.
func (e *Engine) fail(ctx context.Context, run *store.FlowRun, nodeID string, cause error) (*store.FlowRun, error) {
	code := schema.ErrorCode(cause)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	msg := cause.Error()
	now := e.now()

	e.events.emit(ctx, run.ID, nodeID, schema.EventNodeFailed, map[string]any{"code": code, "error": msg})
	logging.LogWith(ctx, e.logger).Error("run errored", "node_id", nodeID, "code", code, "error", msg)

	errored := schema.RunStatusErrored
	err := e.fsm.Transition(ctx, run.ID, nodeID, run.Status, errored,
		map[string]any{"code": code, "error": msg, "node_id": nodeID},
		func() error {
			return e.store.UpdateRun(ctx, run.ID, store.RunUpdate{
				ExpectStatus: []schema.RunStatus{run.Status},
				Status:       &errored,
				LastError:    &msg,
				ErrorNodeID:  &nodeID,
				CompletedAt:  &now,
				UpdatedAt:    now,
			})
		},
	)
	if err != nil {
		return run, storeError("mark run errored", run.ID, err)
	}
	run.Status = errored
	run.LastError = msg
	run.ErrorNodeID = nodeID
	run.CompletedAt = &now
	run.UpdatedAt = now
	return run, nil
}

// isInfraError reports errors that leave the run in its last committed state
// for Recover or the sweeper to pick up again.
func isInfraError(err error) bool {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeStore, schema.ErrCodeTimer, schema.ErrCodeConflict:
		return true
	}
	return false
}
