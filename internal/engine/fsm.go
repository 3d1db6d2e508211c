package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// TransitionHook is called after a run transition has been persisted.
type TransitionHook func(ctx context.Context, runID string, from, to schema.RunStatus)

// EventAppender is satisfied by the Store; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.RunEvent) error
}

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusSuspended,
		schema.RunStatusCompleted,
		schema.RunStatusErrored,
		schema.RunStatusCancelled,
	},
	schema.RunStatusSuspended: {
		schema.RunStatusRunning,
		schema.RunStatusCancelled,
		schema.RunStatusErrored,
	},
	schema.RunStatusCompleted: {},
	schema.RunStatusErrored:   {},
	schema.RunStatusCancelled: {},
}

// RunFSM validates run lifecycle transitions and records them in the run history.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	after    []TransitionHook
	logger   *slog.Logger
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender, logger: slog.Default()}
}

// OnAfter registers a hook called after every successful transition.
func (f *RunFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition validates from -> to, runs persist, then appends the
// transition's event and runs the after hooks. Nothing is emitted when
// persist fails. Once persisted the transition stands: a failed append is
// logged and the hooks still run.
func (f *RunFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.RunStatus, payload map[string]any, persist func() error) error {
	if err := CheckTransition(from, to); err != nil {
		return err.WithRun(runID).WithNode(nodeID)
	}
	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}

	if eventType := runEventType(from, to); eventType != "" {
		event := &store.RunEvent{RunID: runID, NodeID: nodeID, Type: eventType}
		if len(payload) > 0 {
			if raw, err := json.Marshal(payload); err == nil {
				event.Payload = raw
			}
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			f.logger.Warn("append transition event failed",
				"run_id", runID, "event", eventType, "from", from, "to", to, "error", err)
		}
	}

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.after...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, runID, from, to)
	}
	return nil
}

// CheckTransition returns INVALID_TRANSITION unless from -> to is allowed.
func CheckTransition(from, to schema.RunStatus) *schema.EngineError {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusRunning:
		if from == schema.RunStatusSuspended {
			return schema.EventRunResumed
		}
		return ""
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusErrored:
		return schema.EventRunErrored
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}
