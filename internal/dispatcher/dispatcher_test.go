package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeStore struct {
	mu        sync.Mutex
	flows     []*store.Flow
	runs      []*store.FlowRun
	waits     []*store.PendingWait
	listCalls int
}

func (s *fakeStore) ListFlows(_ context.Context, f store.FlowFilter) ([]*store.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []*store.Flow
	for _, fl := range s.flows {
		if fl.CompanyID == f.CompanyID && (!f.ActiveOnly || fl.Active) {
			out = append(out, fl)
		}
	}
	return out, nil
}

func (s *fakeStore) GetFlow(_ context.Context, id string) (*store.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fl := range s.flows {
		if fl.ID == id {
			return fl, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %s not found", id)
}

func (s *fakeStore) ListRuns(_ context.Context, f store.RunFilter) ([]*store.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.FlowRun
	for _, r := range s.runs {
		if r.FlowID == f.FlowID && r.EntityRef == f.EntityRef && !r.Status.IsTerminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListWaits returns the entity's waits newest first.
func (s *fakeStore) ListWaits(_ context.Context, f store.WaitFilter) ([]*store.PendingWait, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.PendingWait
	for _, w := range s.waits {
		if w.EntityRef == f.EntityRef && (f.Kind == "" || w.Kind == f.Kind) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type resumeCall struct {
	RunID, NodeID, Handle string
	Vars                  map[string]string
}

type fakeRunner struct {
	mu         sync.Mutex
	store      *fakeStore
	started    []engine.StartRequest
	resumed    []resumeCall
	superseded []string
	closed     []string
	startErr   error
	claimed    map[string]bool
}

func (r *fakeRunner) Start(_ context.Context, req engine.StartRequest) (*store.FlowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.started = append(r.started, req)
	return &store.FlowRun{ID: fmt.Sprintf("run-%d", len(r.started)), FlowID: req.Flow.ID}, nil
}

func (r *fakeRunner) Resume(_ context.Context, runID, nodeID, handle string, vars map[string]string) (*store.FlowRun, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[runID] {
		return nil, false, nil
	}
	r.resumed = append(r.resumed, resumeCall{runID, nodeID, handle, vars})
	flowID := ""
	for _, run := range r.store.runs {
		if run.ID == runID {
			flowID = run.FlowID
		}
	}
	return &store.FlowRun{ID: runID, FlowID: flowID}, true, nil
}

func (r *fakeRunner) Supersede(_ context.Context, runID string, _ schema.EventKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded = append(r.superseded, runID)
	return nil
}

func (r *fakeRunner) CancelByEntity(_ context.Context, companyID, entityRef, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, companyID+"/"+entityRef+": "+reason)
	n := 0
	for _, run := range r.store.runs {
		if run.EntityRef == entityRef && !run.Status.IsTerminal() {
			run.Status = schema.RunStatusCancelled
			n++
		}
	}
	return n, nil
}

type fakeChat struct {
	notes []string
}

func (c *fakeChat) SetStatus(context.Context, string, string, string) error { return nil }
func (c *fakeChat) SetAgent(context.Context, string, string, string) error  { return nil }
func (c *fakeChat) PostSystemNote(_ context.Context, _, _, text string) error {
	c.notes = append(c.notes, text)
	return nil
}

type fakeDirectory struct {
	stage string
	tags  []string
	err   error
}

func (d *fakeDirectory) EntityTags(context.Context, string, string) ([]string, error) {
	return d.tags, d.err
}
func (d *fakeDirectory) EntityStage(context.Context, string, string) (string, error) {
	return d.stage, d.err
}
func (d *fakeDirectory) EntityField(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (d *fakeDirectory) RecipientPhone(context.Context, string, string, string) (string, error) {
	return "", nil
}

// --- harness ---

type harness struct {
	d      *Dispatcher
	store  *fakeStore
	runner *fakeRunner
	chat   *fakeChat
	dir    *fakeDirectory
}

func newHarness(t *testing.T, flows ...*store.Flow) *harness {
	t.Helper()
	s := &fakeStore{flows: flows}
	h := &harness{
		store:  s,
		runner: &fakeRunner{store: s, claimed: map[string]bool{}},
		chat:   &fakeChat{},
		dir:    &fakeDirectory{},
	}
	d, err := New(Deps{
		Runner:    h.runner,
		Store:     s,
		Directory: h.dir,
		Chat:      h.chat,
	}, Config{PoolSize: 4, Clock: func() time.Time { return t0 }})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	h.d = d
	return h
}

func flow(id string, cfg schema.TriggerConfig) *store.Flow {
	return &store.Flow{
		ID:        id,
		CompanyID: "c1",
		Name:      "Boas-vindas",
		Active:    true,
		Version:   1,
		Definition: &schema.FlowDefinition{
			Nodes: []schema.Node{
				{ID: "t", Type: schema.NodeTrigger, Data: schema.NodeData{TriggerConfig: &cfg}},
				{ID: "m", Type: schema.NodeMessage, Data: schema.NodeData{Text: "Olá"}},
			},
			Edges: []schema.Edge{{Source: "t", Target: "m"}},
		},
	}
}

func message(content string, extra map[string]any) *schema.InboundEvent {
	payload := map[string]any{
		schema.PayloadContent:     content,
		schema.PayloadMessageType: "text",
		schema.PayloadInboxID:     "inbox-1",
	}
	for k, v := range extra {
		payload[k] = v
	}
	return &schema.InboundEvent{Kind: schema.EventNewMessage, EntityRef: "chat-1", CompanyID: "c1", Payload: payload}
}

func (h *harness) startedFlows() []string {
	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	var ids []string
	for _, r := range h.runner.started {
		ids = append(ids, r.Flow.ID)
	}
	sort.Strings(ids)
	return ids
}

// --- tests ---

func TestDispatch_StartsMatchingFlows(t *testing.T) {
	h := newHarness(t,
		flow("any-message", schema.TriggerConfig{Type: schema.EventNewMessage}),
		flow("audio-only", schema.TriggerConfig{Type: schema.EventNewMessage, MessageTypes: []string{"audio"}}),
		flow("other-inbox", schema.TriggerConfig{Type: schema.EventNewMessage, InboxID: "inbox-2"}),
		flow("tag-flow", schema.TriggerConfig{Type: schema.EventTagAdded}),
	)

	out, err := h.d.Dispatch(context.Background(), message("oi", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"any-message"}, h.startedFlows())
	assert.Len(t, out.Started, 1)
}

func TestDispatch_InitialVariables(t *testing.T) {
	h := newHarness(t, flow("f", schema.TriggerConfig{
		Type:    schema.EventNewMessage,
		Capture: map[string]string{"first_item": ".items[0].name"},
	}))

	_, err := h.d.Dispatch(context.Background(), message(" oi ", map[string]any{
		"items": []any{map[string]any{"name": "pizza"}},
		"count": float64(2),
	}))
	require.NoError(t, err)

	require.Len(t, h.runner.started, 1)
	req := h.runner.started[0]
	assert.Equal(t, schema.EventNewMessage, req.Trigger)
	assert.Equal(t, "chat-1", req.Variables["chat_id"])
	assert.Equal(t, "inbox-1", req.Variables["inbox_id"])
	assert.Equal(t, " oi ", req.Variables["last_message"])
	assert.Equal(t, "2", req.Variables["count"])
	assert.Equal(t, "pizza", req.Variables["first_item"])
	assert.JSONEq(t, `[{"name":"pizza"}]`, req.Variables["items"])
}

func TestDispatch_InboxFallsBackToTrigger(t *testing.T) {
	h := newHarness(t, flow("f", schema.TriggerConfig{Type: schema.EventLeadCreated, InboxID: "inbox-9"}))
	ev := &schema.InboundEvent{
		Kind: schema.EventLeadCreated, EntityRef: "lead-1", CompanyID: "c1",
		Payload: map[string]any{schema.PayloadInboxID: "inbox-9"},
	}
	_, err := h.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, h.runner.started, 1)

	// A system event carries no inbox; the trigger's inbox is used.
	h = newHarness(t, flow("s", schema.TriggerConfig{Type: schema.EventSystem, Event: schema.SysTaskOverdue, InboxID: "inbox-9"}))
	_, err = h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventSystem, EntityRef: "task-1", CompanyID: "c1",
		Payload: map[string]any{schema.PayloadEvent: schema.SysTaskOverdue},
	})
	require.NoError(t, err)
	require.Len(t, h.runner.started, 1)
	assert.Equal(t, "inbox-9", h.runner.started[0].Variables["inbox_id"])
	assert.Equal(t, "task-1", h.runner.started[0].Variables["chat_id"])
}

func TestDispatch_SystemEventName(t *testing.T) {
	h := newHarness(t,
		flow("due", schema.TriggerConfig{Type: schema.EventSystem, Event: schema.SysTaskDueToday}),
		flow("overdue", schema.TriggerConfig{Type: schema.EventSystem, Event: schema.SysTaskOverdue}),
	)
	_, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventSystem, EntityRef: "task-1", CompanyID: "c1",
		Payload: map[string]any{schema.PayloadEvent: schema.SysTaskDueToday},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, h.startedFlows())
}

func TestDispatch_StageChangeColumn(t *testing.T) {
	h := newHarness(t,
		flow("won", schema.TriggerConfig{Type: schema.EventStageChange, ColumnID: "col-won"}),
		flow("lost", schema.TriggerConfig{Type: schema.EventStageChange, ColumnID: "col-lost"}),
	)
	_, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventStageChange, EntityRef: "lead-1", CompanyID: "c1",
		Payload: map[string]any{schema.PayloadColumnID: "col-won"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"won"}, h.startedFlows())
}

func TestDispatch_KeywordCaseInsensitive(t *testing.T) {
	h := newHarness(t,
		flow("promo", schema.TriggerConfig{Type: schema.EventKeyword, Keyword: "PROMO"}),
		flow("menu", schema.TriggerConfig{Type: schema.EventKeyword, Keyword: "cardápio"}),
	)
	ev := message("quero a promo de hoje", nil)
	ev.Kind = schema.EventKeyword

	_, err := h.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"promo"}, h.startedFlows())
}

func TestDispatch_EntityFilters(t *testing.T) {
	tests := []struct {
		name  string
		cfg   schema.TriggerConfig
		dir   fakeDirectory
		extra map[string]any
		want  bool
	}{
		{"stage from directory", schema.TriggerConfig{FilterStageID: "s1"}, fakeDirectory{stage: "s1"}, nil, true},
		{"stage mismatch", schema.TriggerConfig{FilterStageID: "s1"}, fakeDirectory{stage: "s2"}, nil, false},
		{"stage from event wins", schema.TriggerConfig{FilterStageID: "s1"}, fakeDirectory{stage: "s2"},
			map[string]any{schema.PayloadStageID: "s1"}, true},
		{"any tag matches", schema.TriggerConfig{FilterTagIDs: []string{"vip", "hot"}}, fakeDirectory{tags: []string{"cold", "hot"}}, nil, true},
		{"no tag matches", schema.TriggerConfig{FilterTagIDs: []string{"vip"}}, fakeDirectory{tags: []string{"cold"}}, nil, false},
		{"lookup failure rejects", schema.TriggerConfig{FilterTagIDs: []string{"vip"}}, fakeDirectory{err: errors.New("down")}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Type = schema.EventNewMessage
			h := newHarness(t, flow("f", cfg))
			*h.dir = tt.dir

			_, err := h.d.Dispatch(context.Background(), message("oi", tt.extra))
			require.NoError(t, err)
			assert.Equal(t, tt.want, len(h.runner.started) == 1)
		})
	}
}

func TestDispatch_FilterExpr(t *testing.T) {
	h := newHarness(t,
		flow("vip", schema.TriggerConfig{Type: schema.EventNewMessage, FilterExpr: `payload.plan == "vip"`}),
		flow("long", schema.TriggerConfig{Type: schema.EventNewMessage, FilterExpr: `len(event.content) > 100`}),
		flow("broken", schema.TriggerConfig{Type: schema.EventNewMessage, FilterExpr: `payload.plan ==`}),
	)
	_, err := h.d.Dispatch(context.Background(), message("oi", map[string]any{"plan": "vip"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, h.startedFlows())
}

func TestDispatch_ActiveRunIsNotDuplicated(t *testing.T) {
	h := newHarness(t, flow("f", schema.TriggerConfig{Type: schema.EventNewMessage}))
	h.store.runs = []*store.FlowRun{{
		ID: "existing", FlowID: "f", EntityRef: "chat-1",
		Status: schema.RunStatusSuspended, UpdatedAt: t0.Add(-5 * time.Minute),
	}}

	out, err := h.d.Dispatch(context.Background(), message("oi", nil))
	require.NoError(t, err)
	assert.Empty(t, h.runner.started)
	assert.Empty(t, h.runner.superseded)
	assert.Equal(t, []string{"f"}, out.Skipped)
}

func TestDispatch_StaleRunIsSuperseded(t *testing.T) {
	h := newHarness(t, flow("f", schema.TriggerConfig{Type: schema.EventNewMessage}))
	h.store.runs = []*store.FlowRun{{
		ID: "stuck", FlowID: "f", EntityRef: "chat-1",
		Status: schema.RunStatusRunning, UpdatedAt: t0.Add(-16 * time.Minute),
	}}

	out, err := h.d.Dispatch(context.Background(), message("oi", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, h.runner.superseded)
	assert.Equal(t, []string{"stuck"}, out.Superseded)
	assert.Len(t, h.runner.started, 1)
}

func TestDispatch_KeywordAlwaysSupersedes(t *testing.T) {
	h := newHarness(t, flow("f", schema.TriggerConfig{Type: schema.EventKeyword, Keyword: "menu"}))
	h.store.runs = []*store.FlowRun{{
		ID: "fresh", FlowID: "f", EntityRef: "chat-1",
		Status: schema.RunStatusSuspended, UpdatedAt: t0.Add(-time.Minute),
	}}
	ev := message("menu", nil)
	ev.Kind = schema.EventKeyword

	_, err := h.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, h.runner.superseded)
	assert.Len(t, h.runner.started, 1)
}

func TestDispatch_ReplyResumesNewestWait(t *testing.T) {
	h := newHarness(t,
		flow("f", schema.TriggerConfig{Type: schema.EventNewMessage}),
		flow("g", schema.TriggerConfig{Type: schema.EventNewMessage}),
	)
	h.store.runs = []*store.FlowRun{
		{ID: "old", FlowID: "g", EntityRef: "chat-1", Status: schema.RunStatusSuspended, UpdatedAt: t0},
		{ID: "new", FlowID: "f", EntityRef: "chat-1", Status: schema.RunStatusSuspended, UpdatedAt: t0},
	}
	h.store.waits = []*store.PendingWait{
		{RunID: "old", NodeID: "q1", Kind: schema.WaitKindResponse, EntityRef: "chat-1", CreatedAt: t0.Add(-10 * time.Minute), ExpiresAt: t0.Add(time.Hour)},
		{RunID: "new", NodeID: "q2", Kind: schema.WaitKindResponse, EntityRef: "chat-1", CreatedAt: t0.Add(-time.Minute), ExpiresAt: t0.Add(time.Hour)},
	}

	out, err := h.d.Dispatch(context.Background(), message("sim", nil))
	require.NoError(t, err)

	require.Len(t, h.runner.resumed, 1)
	call := h.runner.resumed[0]
	assert.Equal(t, "new", call.RunID)
	assert.Equal(t, "q2", call.NodeID)
	assert.Equal(t, schema.HandleResponse, call.Handle)
	assert.Equal(t, map[string]string{"responded": "true", "last_response": "sim", "last_message": "sim"}, call.Vars)
	assert.Equal(t, "new", out.Resumed)

	// The resumed flow is not started again; g has a live run that is fresh.
	assert.Empty(t, h.runner.started)
	assert.ElementsMatch(t, []string{"f", "g"}, out.Skipped)
}

func TestDispatch_ReplySkipsExpiredAndLostWaits(t *testing.T) {
	h := newHarness(t)
	h.store.waits = []*store.PendingWait{
		{RunID: "expired", NodeID: "q", Kind: schema.WaitKindResponse, EntityRef: "chat-1", CreatedAt: t0, ExpiresAt: t0},
		{RunID: "raced", NodeID: "q", Kind: schema.WaitKindResponse, EntityRef: "chat-1", CreatedAt: t0.Add(-time.Minute), ExpiresAt: t0.Add(time.Hour)},
		{RunID: "winner", NodeID: "q", Kind: schema.WaitKindResponse, EntityRef: "chat-1", CreatedAt: t0.Add(-2 * time.Minute), ExpiresAt: t0.Add(time.Hour)},
	}
	h.runner.claimed["raced"] = true

	out, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventWaitReply, EntityRef: "chat-1",
		Payload: map[string]any{schema.PayloadContent: "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "winner", out.Resumed)
	assert.Zero(t, h.store.listCalls, "WAIT_REPLY never starts flows")
}

func TestDispatch_DelayWaitsIgnoreReplies(t *testing.T) {
	h := newHarness(t)
	h.store.waits = []*store.PendingWait{
		{RunID: "r", NodeID: "w", Kind: schema.WaitKindDelay, EntityRef: "chat-1", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	}
	out, err := h.d.Dispatch(context.Background(), message("oi", nil))
	require.NoError(t, err)
	assert.Empty(t, out.Resumed)
	assert.Empty(t, h.runner.resumed)
}

func TestDispatch_ManualStartPostsNote(t *testing.T) {
	h := newHarness(t,
		flow("chosen", schema.TriggerConfig{Type: schema.EventNewMessage}),
		flow("other", schema.TriggerConfig{Type: schema.EventManual}),
	)
	_, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventManual, EntityRef: "chat-1", CompanyID: "c1",
		Payload: map[string]any{schema.PayloadFlowID: "chosen", schema.PayloadStartedBy: "Ana"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"chosen"}, h.startedFlows())
	assert.Equal(t, []string{`Ana iniciou o fluxo "Boas-vindas"`}, h.chat.notes)
}

func TestDispatch_ManualUnknownFlow(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventManual, EntityRef: "chat-1", CompanyID: "c1",
		Payload: map[string]any{schema.PayloadFlowID: "ghost"},
	})
	assert.True(t, schema.IsNotFound(err))
}

func TestDispatch_StartErrorsAreJoined(t *testing.T) {
	h := newHarness(t,
		flow("a", schema.TriggerConfig{Type: schema.EventNewMessage}),
		flow("b", schema.TriggerConfig{Type: schema.EventNewMessage}),
	)
	h.runner.startErr = schema.NewError(schema.ErrCodeStore, "disk full")

	_, err := h.d.Dispatch(context.Background(), message("oi", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestDispatch_RejectsInvalidEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{Kind: schema.EventNewMessage})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = h.d.Dispatch(context.Background(), nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestDispatch_ChatClosedCancelsAndStartsNothing(t *testing.T) {
	h := newHarness(t, flow("f", schema.TriggerConfig{Type: schema.EventNewMessage}))
	h.store.runs = []*store.FlowRun{
		{ID: "a", FlowID: "f", EntityRef: "chat-1", Status: schema.RunStatusSuspended},
		{ID: "b", FlowID: "g", EntityRef: "chat-1", Status: schema.RunStatusRunning},
		{ID: "other", FlowID: "f", EntityRef: "chat-2", Status: schema.RunStatusSuspended},
	}

	out, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{
		Kind: schema.EventChatClosed, EntityRef: "chat-1", CompanyID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Cancelled)
	assert.Equal(t, []string{"c1/chat-1: entity closed: CHAT_CLOSED"}, h.runner.closed)
	assert.Empty(t, h.runner.started)
	assert.Empty(t, h.runner.resumed)
	assert.Equal(t, schema.RunStatusSuspended, h.store.runs[2].Status)
}

func TestDispatch_EntityDeletedNeedsCompany(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.Dispatch(context.Background(), &schema.InboundEvent{Kind: schema.EventEntityDeleted, EntityRef: "lead-1"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Empty(t, h.runner.closed)
}

func TestCatalog_CachesUntilInvalidated(t *testing.T) {
	s := &fakeStore{flows: []*store.Flow{flow("f", schema.TriggerConfig{Type: schema.EventNewMessage})}}
	c := NewCatalog(s, time.Hour)
	ctx := context.Background()

	flows, err := c.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, flows, 1)
	_, _ = c.Active(ctx, "c1")
	assert.Equal(t, 1, s.listCalls)

	s.flows = append(s.flows, flow("g", schema.TriggerConfig{Type: schema.EventNewMessage}))
	c.Invalidate("c1")
	flows, err = c.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, flows, 2)
	assert.Equal(t, 2, s.listCalls)
}
