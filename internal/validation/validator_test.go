package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

func newValidator(t *testing.T) *FlowValidator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	v, err := NewFlowValidator(engines)
	require.NoError(t, err)
	return v
}

func trigger(id string, cfg *schema.TriggerConfig) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeTrigger, Data: schema.NodeData{TriggerConfig: cfg}}
}

func newMessageTrigger() schema.Node {
	return trigger("t1", &schema.TriggerConfig{Type: schema.EventNewMessage})
}

func text(id, body string) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeMessage, Data: schema.NodeData{Text: body}}
}

func edge(src, handle, target string) schema.Edge {
	return schema.Edge{Source: src, SourceHandle: handle, Target: target}
}

func greetingFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		ID:        "f1",
		CompanyID: "c1",
		Name:      "Boas-vindas",
		Nodes: []schema.Node{
			newMessageTrigger(),
			{ID: "c1", Type: schema.NodeCondition, Data: schema.NodeData{ConditionType: "MSG_EQUALS", Value: "oi"}},
			text("m1", "Olá!"),
			{ID: "w1", Type: schema.NodeWait, Data: schema.NodeData{DelayMinutes: 5}},
			text("m2", "Ainda por aí?"),
		},
		Edges: []schema.Edge{
			edge("t1", "", "c1"),
			edge("c1", "true", "m1"),
			edge("c1", "false", "w1"),
			edge("w1", "", "m2"),
		},
	}
}

func messages(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Message
	}
	return out
}

// --- Pipeline ---

func TestFlowValidator_Valid(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(greetingFlow())
	assert.True(t, result.Valid(), "errors: %v", messages(result.Errors))
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateDefinition(greetingFlow()))
}

func TestFlowValidator_NilDefinition(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestFlowValidator_NoEdgesIsFine(t *testing.T) {
	v := newValidator(t)
	def := &schema.FlowDefinition{ID: "f1", Nodes: []schema.Node{newMessageTrigger()}}
	assert.True(t, v.Validate(def).Valid())
}

func TestFlowValidator_SchemaShortCircuits(t *testing.T) {
	v := newValidator(t)
	def := greetingFlow()
	def.Nodes[3].Data.DelayMinutes = -1
	def.Edges = append(def.Edges, edge("m2", "", "ghost"))

	result := v.Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.NotContains(t, issue.Message, "ghost", "graph stage must not run after a schema failure")
	}
}

func TestFlowValidator_ToError(t *testing.T) {
	v := newValidator(t)
	def := greetingFlow()
	def.Nodes[2].Data.Text = ""

	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "m1", engErr.NodeID)
}

// --- Parse ---

func TestParse_AcceptsAliases(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{
		"id": "f1",
		"nodes": [
			{"id": "t1", "type": "trigger", "data": {"trigger_config": {"type": "TAG_ADDED", "filter_tag_ids": ["vip"]}}},
			{"id": "a1", "type": "add_tag", "data": {"tag_id": "seen"}},
			{"id": "n1", "type": "whatsapp_notify", "data": {"text": "Novo lead", "target": "responsible"}}
		],
		"edges": [
			{"source": "t1", "target": "a1"},
			{"source": "a1", "sourceHandle": null, "target": "n1"}
		]
	}`)

	def, result := v.Parse(raw)
	require.True(t, result.Valid(), "errors: %v", messages(result.Errors))
	require.NotNil(t, def)
	assert.Equal(t, schema.NodeTag, def.Nodes[1].Type)
	assert.Equal(t, schema.NodeExternalNotify, def.Nodes[2].Type)
}

func TestParse_UnknownNodeType(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{"nodes": [{"id": "x", "type": "teleport"}], "edges": []}`)

	def, result := v.Parse(raw)
	assert.Nil(t, def)
	assert.False(t, result.Valid())
}

func TestParse_MissingRequired(t *testing.T) {
	v := newValidator(t)
	def, result := v.Parse([]byte(`{"nodes": []}`))
	assert.Nil(t, def)
	assert.False(t, result.Valid())
}

func TestParse_InvalidJSON(t *testing.T) {
	v := newValidator(t)
	def, result := v.Parse([]byte(`{"nodes": [`))
	assert.Nil(t, def)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "not valid JSON")
}

func TestParse_UnknownTriggerType(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{"nodes": [{"id": "t1", "type": "trigger", "data": {"trigger_config": {"type": "BIRTHDAY"}}}], "edges": []}`)
	def, result := v.Parse(raw)
	assert.Nil(t, def)
	assert.False(t, result.Valid())
}

// --- Semantics ---

func TestSemantic_NodeConfiguration(t *testing.T) {
	tests := []struct {
		name string
		node schema.Node
		want string
	}{
		{"message without content", schema.Node{ID: "n", Type: schema.NodeMessage}, "neither text nor media"},
		{"interactive without body", schema.Node{ID: "n", Type: schema.NodeInteractive, Data: schema.NodeData{Buttons: []schema.Button{{Text: "Sim"}}}}, "body text"},
		{"tag without tag_id", schema.Node{ID: "n", Type: schema.NodeTag}, "tag_id"},
		{"stage without column", schema.Node{ID: "n", Type: schema.NodeStage}, "column_id"},
		{"status without status", schema.Node{ID: "n", Type: schema.NodeStatus}, "status"},
		{"ai_action unknown verb", schema.Node{ID: "n", Type: schema.NodeAIAction, Data: schema.NodeData{Action: "DANCE"}}, "unknown ai_action"},
		{"ai_action activate without agent", schema.Node{ID: "n", Type: schema.NodeAIAction, Data: schema.NodeData{Action: "ACTIVATE"}}, "agent_id"},
		{"notify custom without phone", schema.Node{ID: "n", Type: schema.NodeExternalNotify, Data: schema.NodeData{Text: "x", Target: "CUSTOM"}}, "custom_phone"},
		{"notify unknown target", schema.Node{ID: "n", Type: schema.NodeExternalNotify, Data: schema.NodeData{Text: "x", Target: "BOSS"}}, "unknown notification target"},
		{"expression does not compile", schema.Node{ID: "n", Type: schema.NodeCondition, Data: schema.NodeData{ConditionType: "EXPRESSION", Expression: "vars.x =="}}, "does not compile"},
		{"empty switch case", schema.Node{ID: "n", Type: schema.NodeSwitch, Data: schema.NodeData{Cases: []string{"sim", " "}}}, "case 1 is empty"},
	}

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.FlowDefinition{Nodes: []schema.Node{newMessageTrigger(), tt.node}}
			result := validateSemantic(def, engines)
			require.Len(t, result.Errors, 1, "errors: %v", messages(result.Errors))
			assert.Contains(t, result.Errors[0].Message, tt.want)
			assert.Equal(t, "n", result.Errors[0].NodeID)
		})
	}
}

func TestSemantic_ValidAIActions(t *testing.T) {
	def := &schema.FlowDefinition{Nodes: []schema.Node{
		newMessageTrigger(),
		{ID: "a1", Type: schema.NodeAIAction, Data: schema.NodeData{Action: "activate", AgentID: "bot-1"}},
		{ID: "a2", Type: schema.NodeAIAction, Data: schema.NodeData{Action: "DEACTIVATE"}},
		{ID: "a3", Type: schema.NodeAIAction, Data: schema.NodeData{Action: "TRANSFER", AgentID: "bot-2"}},
	}}
	assert.True(t, validateSemantic(def, nil).Valid())
}

func TestSemantic_DuplicateNodeID(t *testing.T) {
	def := &schema.FlowDefinition{Nodes: []schema.Node{newMessageTrigger(), text("m1", "a"), text("m1", "b")}}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "duplicate")
}

func TestSemantic_NoTrigger(t *testing.T) {
	def := &schema.FlowDefinition{Nodes: []schema.Node{text("m1", "a")}}
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "no trigger")
}

func TestSemantic_Triggers(t *testing.T) {
	tests := []struct {
		name string
		cfg  *schema.TriggerConfig
		want string
	}{
		{"missing config", nil, "trigger_config"},
		{"keyword without keyword", &schema.TriggerConfig{Type: schema.EventKeyword}, "needs keyword"},
		{"bad filter_expr", &schema.TriggerConfig{Type: schema.EventNewMessage, FilterExpr: "event.kind =="}, "filter_expr"},
		{"bad capture", &schema.TriggerConfig{Type: schema.EventNewMessage, Capture: map[string]string{"name": ".items["}}, `capture "name"`},
		{"unknown type", &schema.TriggerConfig{Type: "BIRTHDAY"}, "unknown trigger type"},
	}

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.FlowDefinition{Nodes: []schema.Node{trigger("t1", tt.cfg)}}
			result := validateSemantic(def, engines)
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0].Message, tt.want)
		})
	}
}

func TestSemantic_Warnings(t *testing.T) {
	def := &schema.FlowDefinition{Nodes: []schema.Node{
		trigger("t1", &schema.TriggerConfig{Type: schema.EventSystem}),
		{ID: "c1", Type: schema.NodeCondition, Data: schema.NodeData{ConditionType: "MOON_PHASE"}},
		{ID: "s1", Type: schema.NodeSwitch},
	}}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 3)
}

// --- Graph ---

func TestGraph_DanglingEdges(t *testing.T) {
	def := greetingFlow()
	def.Edges = append(def.Edges, edge("ghost", "", "m1"), edge("m2", "", "nowhere"))

	result := validateGraph(def)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Message, `"ghost"`)
	assert.Contains(t, result.Errors[1].Message, `"nowhere"`)
}

func TestGraph_UnknownHandle(t *testing.T) {
	def := greetingFlow()
	def.Edges[1] = edge("c1", "maybe", "m1")

	result := validateGraph(def)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "edges[1].sourceHandle", result.Errors[0].Path)
}

func TestGraph_HandlesCompareCaseInsensitive(t *testing.T) {
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			newMessageTrigger(),
			{ID: "s1", Type: schema.NodeSwitch, Data: schema.NodeData{Cases: []string{"Sim", "Não"}}},
			text("m1", "ok"),
			text("m2", "pena"),
		},
		Edges: []schema.Edge{
			edge("t1", "", "s1"),
			edge("s1", "SIM", "m1"),
			edge("s1", "não", "m2"),
			edge("s1", "default", "m2"),
		},
	}
	result := validateGraph(def)
	assert.True(t, result.Valid(), "errors: %v", messages(result.Errors))
}

func TestGraph_EdgeIntoTrigger(t *testing.T) {
	def := greetingFlow()
	def.Edges = append(def.Edges, edge("m2", "", "t1"))

	result := validateGraph(def)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "trigger")
}

func TestGraph_UnreachableNode(t *testing.T) {
	def := greetingFlow()
	def.Nodes = append(def.Nodes, text("orphan", "?"))

	result := validateGraph(def)
	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes/orphan", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "not reachable from a trigger")
}

func TestGraph_CycleWithoutWait(t *testing.T) {
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			newMessageTrigger(),
			{ID: "tag1", Type: schema.NodeTag, Data: schema.NodeData{TagID: "a"}},
			{ID: "tag2", Type: schema.NodeTag, Data: schema.NodeData{TagID: "b"}},
		},
		Edges: []schema.Edge{
			edge("t1", "", "tag1"),
			edge("tag1", "", "tag2"),
			edge("tag2", "", "tag1"),
		},
	}

	result := validateGraph(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "tag1 -> tag2 -> tag1")
}

func TestGraph_CycleThroughWaitIsFine(t *testing.T) {
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			newMessageTrigger(),
			text("m1", "Lembrete"),
			{ID: "w1", Type: schema.NodeWait, Data: schema.NodeData{DelayMinutes: 60}},
		},
		Edges: []schema.Edge{
			edge("t1", "", "m1"),
			edge("m1", "", "w1"),
			edge("w1", "", "m1"),
		},
	}

	result := validateGraph(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
