// Package dispatcher turns inbound conversation, CRM and project events into
// new flow runs or resumptions of runs waiting for a reply.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/rendis/flowengine/internal/actions"
	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// Defaults.
const (
	DefaultPoolSize   = 32
	DefaultStaleAfter = 15 * time.Minute
	DefaultSenderName = "Sistema"
)

// Runner is the part of the engine the dispatcher drives.
type Runner interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.FlowRun, error)
	Resume(ctx context.Context, runID, nodeID, handle string, vars map[string]string) (*store.FlowRun, bool, error)
	Supersede(ctx context.Context, runID string, by schema.EventKind) error
	CancelByEntity(ctx context.Context, companyID, entityRef, reason string) (int, error)
}

// Store is the part of the run store the dispatcher reads.
type Store interface {
	FlowLister
	GetFlow(ctx context.Context, id string) (*store.Flow, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.FlowRun, error)
	ListWaits(ctx context.Context, filter store.WaitFilter) ([]*store.PendingWait, error)
}

// Deps are the collaborators of the Dispatcher. Runner and Store are required.
type Deps struct {
	Runner    Runner
	Store     Store
	Catalog   *Catalog
	Exprs     *expressions.ExprEngine
	JQ        *expressions.GoJQEngine
	Directory actions.Directory
	Chat      actions.ChatControl
	Logger    *slog.Logger
}

// Config holds the tunables of the Dispatcher.
type Config struct {
	PoolSize int
	// StaleAfter is how long an active run may sit untouched before a new
	// trigger of the same flow replaces it.
	StaleAfter time.Duration
	CatalogTTL time.Duration
	Clock      func() time.Time
}

// Outcome reports what one event did.
type Outcome struct {
	Resumed    string   `json:"resumed,omitempty"`
	Started    []string `json:"started,omitempty"`
	Superseded []string `json:"superseded,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	Cancelled  int      `json:"cancelled,omitempty"`
}

// Dispatcher routes InboundEvents to the engine.
type Dispatcher struct {
	runner     Runner
	store      Store
	catalog    *Catalog
	exprs      *expressions.ExprEngine
	jq         *expressions.GoJQEngine
	directory  actions.Directory
	chat       actions.ChatControl
	pool       *ants.Pool
	keys       *engine.KeyLocks
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Dispatcher and its worker pool.
func New(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Runner == nil || deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatcher requires a runner and a store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Catalog == nil {
		deps.Catalog = NewCatalog(deps.Store, cfg.CatalogTTL)
	}
	if deps.Exprs == nil {
		deps.Exprs = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	return &Dispatcher{
		runner:     deps.Runner,
		store:      deps.Store,
		catalog:    deps.Catalog,
		exprs:      deps.Exprs,
		jq:         deps.JQ,
		directory:  deps.Directory,
		chat:       deps.Chat,
		pool:       pool,
		keys:       engine.NewKeyLocks(0),
		staleAfter: cfg.StaleAfter,
		now:        cfg.Clock,
		logger:     deps.Logger,
	}, nil
}

// Catalog returns the flow cache so flow writers can invalidate it.
func (d *Dispatcher) Catalog() *Catalog { return d.catalog }

// Close releases the worker pool, waiting for in-flight starts.
func (d *Dispatcher) Close() {
	d.pool.Release()
}

// OnEvent dispatches ev, discarding the outcome.
func (d *Dispatcher) OnEvent(ctx context.Context, ev *schema.InboundEvent) error {
	_, err := d.Dispatch(ctx, ev)
	return err
}

// Dispatch offers ev as a reply to a waiting run of the entity, then starts
// every matching flow. WAIT_REPLY events only resume; CHAT_CLOSED and
// ENTITY_DELETED only cancel the entity's live runs.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *schema.InboundEvent) (*Outcome, error) {
	if ev == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "event is required")
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ctx = logging.WithCompanyID(ctx, ev.CompanyID)
	log := logging.LogWith(ctx, d.logger).With("kind", ev.Kind, "entity_ref", ev.EntityRef)
	out := &Outcome{}

	if ev.Kind.ClosesEntity() {
		n, err := d.runner.CancelByEntity(ctx, ev.CompanyID, ev.EntityRef, "entity closed: "+string(ev.Kind))
		out.Cancelled = n
		log.Info("entity closed, live runs cancelled", slog.Int("cancelled", n))
		return out, err
	}

	var resumedFlow string
	if ev.Kind == schema.EventWaitReply || ev.Kind == schema.EventNewMessage {
		run, err := d.offerReply(ctx, ev)
		if err != nil {
			return out, err
		}
		if run != nil {
			out.Resumed = run.ID
			resumedFlow = run.FlowID
		}
		if ev.Kind == schema.EventWaitReply {
			return out, nil
		}
	}

	flows, err := d.candidates(ctx, ev)
	if err != nil {
		return out, err
	}

	facts := &entityFacts{}
	var selected []*selectedFlow
	for _, f := range flows {
		if f.ID == resumedFlow {
			out.Skipped = append(out.Skipped, f.ID)
			continue
		}
		trigger, ok := schema.NewGraph(f.Definition).Trigger()
		if !ok {
			continue
		}
		if ev.Kind == schema.EventManual && ev.String(schema.PayloadFlowID) != "" {
			// An explicitly chosen flow starts whatever its trigger type.
			selected = append(selected, &selectedFlow{flow: f, trigger: trigger.Data.TriggerConfig})
			continue
		}
		if d.matches(ctx, trigger.Data.TriggerConfig, ev, facts) {
			selected = append(selected, &selectedFlow{flow: f, trigger: trigger.Data.TriggerConfig})
		}
	}
	if len(selected) == 0 {
		log.Debug("no flow matched event")
		return out, nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sel := range selected {
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			res, err := d.startFlow(ctx, sel, ev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			out.merge(res)
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit start of flow %s: %w", sel.flow.ID, err))
			mu.Unlock()
		}
	}
	wg.Wait()

	log.Info("event dispatched",
		slog.Int("started", len(out.Started)),
		slog.Int("superseded", len(out.Superseded)),
		slog.Int("skipped", len(out.Skipped)),
		slog.Bool("resumed", out.Resumed != ""),
	)
	return out, errors.Join(errs...)
}

type selectedFlow struct {
	flow    *store.Flow
	trigger *schema.TriggerConfig
}

// candidates returns the flows an event may start: the explicitly chosen flow
// of a MANUAL event, otherwise the company's active flows.
func (d *Dispatcher) candidates(ctx context.Context, ev *schema.InboundEvent) ([]*store.Flow, error) {
	if id := ev.String(schema.PayloadFlowID); ev.Kind == schema.EventManual && id != "" {
		f, err := d.store.GetFlow(ctx, id)
		if err != nil {
			return nil, err
		}
		if f.CompanyID != ev.CompanyID {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %s not found", id)
		}
		return []*store.Flow{f}, nil
	}
	flows, err := d.catalog.Active(ctx, ev.CompanyID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load active flows: %v", err).WithCause(err)
	}
	return flows, nil
}

// startFlow applies the active-run policy and starts one run of the flow.
func (d *Dispatcher) startFlow(ctx context.Context, sel *selectedFlow, ev *schema.InboundEvent) (*Outcome, error) {
	f := sel.flow
	ctx = logging.WithFlowID(ctx, f.ID)
	log := logging.LogWith(ctx, d.logger)
	out := &Outcome{}

	unlock := d.lockKey(f.ID + "|" + ev.EntityRef)
	defer unlock()

	active, err := d.store.ListRuns(ctx, store.RunFilter{
		FlowID:    f.ID,
		EntityRef: ev.EntityRef,
		Statuses:  schema.LiveStatuses,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list active runs: %v", err).WithCause(err)
	}
	for _, existing := range active {
		if !d.replaces(ev.Kind, existing) {
			log.Info("entity already active in flow, skipping trigger", "run_id", existing.ID, "entity_ref", ev.EntityRef)
			out.Skipped = append(out.Skipped, f.ID)
			return out, nil
		}
	}
	for _, existing := range active {
		err := d.runner.Supersede(ctx, existing.ID, ev.Kind)
		if err != nil && schema.ErrorCode(err) != schema.ErrCodeInvalidTransition {
			return nil, err
		}
		out.Superseded = append(out.Superseded, existing.ID)
	}

	if ev.Kind == schema.EventManual && d.chat != nil {
		d.postStartNote(ctx, f, ev)
	}

	run, err := d.runner.Start(ctx, engine.StartRequest{
		Flow:      f,
		EntityRef: ev.EntityRef,
		CompanyID: ev.CompanyID,
		Trigger:   ev.Kind,
		Variables: d.initialVariables(ctx, sel.trigger, ev),
	})
	if err != nil {
		return nil, err
	}
	out.Started = append(out.Started, run.ID)
	return out, nil
}

// replaces reports whether a trigger of kind supersedes the existing run.
func (d *Dispatcher) replaces(kind schema.EventKind, existing *store.FlowRun) bool {
	if kind == schema.EventKeyword || kind == schema.EventManual {
		return true
	}
	return d.now().Sub(existing.UpdatedAt) > d.staleAfter
}

func (d *Dispatcher) postStartNote(ctx context.Context, f *store.Flow, ev *schema.InboundEvent) {
	name := ev.StartedBy()
	if name == "" {
		name = DefaultSenderName
	}
	note := fmt.Sprintf("%s iniciou o fluxo", name)
	if f.Name != "" {
		note = fmt.Sprintf("%s iniciou o fluxo %q", name, f.Name)
	}
	if err := d.chat.PostSystemNote(ctx, ev.CompanyID, ev.ChatID(), note); err != nil {
		logging.LogWith(ctx, d.logger).Warn("post manual start note failed", "error", err)
	}
}

// offerReply resumes the newest unexpired response wait of the entity. The
// other waits stay pending. It returns the resumed run, or nil.
func (d *Dispatcher) offerReply(ctx context.Context, ev *schema.InboundEvent) (*store.FlowRun, error) {
	waits, err := d.store.ListWaits(ctx, store.WaitFilter{
		EntityRef: ev.EntityRef,
		CompanyID: ev.CompanyID,
		Kind:      schema.WaitKindResponse,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list response waits: %v", err).WithCause(err)
	}

	content := ev.Content()
	now := d.now()
	for _, w := range waits {
		if !now.Before(w.ExpiresAt) {
			continue
		}
		run, ok, err := d.runner.Resume(ctx, w.RunID, w.NodeID, schema.HandleResponse, map[string]string{
			actions.VarResponded:    "true",
			actions.VarLastResponse: content,
			actions.VarLastMessage:  content,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			logging.LogWith(ctx, d.logger).Info("reply resumed run", "run_id", run.ID, "node_id", w.NodeID)
			return run, nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) lockKey(key string) func() {
	return d.keys.Lock(key)
}

func (o *Outcome) merge(other *Outcome) {
	o.Started = append(o.Started, other.Started...)
	o.Superseded = append(o.Superseded, other.Superseded...)
	o.Skipped = append(o.Skipped, other.Skipped...)
}
