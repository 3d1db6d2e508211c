package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// FlowDefinition is the node/edge graph produced by the authoring surface.
// The engine treats it as read-only; runs execute a snapshot of it.
type FlowDefinition struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name,omitempty"`
	Active    bool   `json:"active"`
	Version   int    `json:"version,omitempty"`
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
}

// NodeType enumerates the kinds of nodes in a flow.
type NodeType string

const (
	NodeTrigger         NodeType = "trigger"
	NodeMessage         NodeType = "message"
	NodeInteractive     NodeType = "interactive"
	NodeWait            NodeType = "wait"
	NodeTag             NodeType = "tag"
	NodeStage           NodeType = "stage"
	NodeCondition       NodeType = "condition"
	NodeAIAction        NodeType = "ai_action"
	NodeStatus          NodeType = "status"
	NodeSwitch          NodeType = "switch"
	NodeWaitForResponse NodeType = "wait_for_response"
	NodeExternalNotify  NodeType = "external_notify"
)

// KnownNodeTypes lists every node type the engine can execute.
var KnownNodeTypes = []NodeType{
	NodeTrigger, NodeMessage, NodeInteractive, NodeWait, NodeTag, NodeStage,
	NodeCondition, NodeAIAction, NodeStatus, NodeSwitch, NodeWaitForResponse, NodeExternalNotify,
}

// nodeTypeAliases maps the authoring surface's node type names onto engine types.
var nodeTypeAliases = map[string]NodeType{
	"add_tag":         NodeTag,
	"move_stage":      NodeStage,
	"change_status":   NodeStatus,
	"whatsapp_notify": NodeExternalNotify,
	"notify":          NodeExternalNotify,
}

// UnmarshalJSON accepts both engine names and authoring aliases.
func (t *NodeType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseNodeType(s)
	return nil
}

// ParseNodeType normalizes a node type name. Unknown names are returned as-is
// so that validation can report them.
func ParseNodeType(s string) NodeType {
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := nodeTypeAliases[s]; ok {
		return alias
	}
	return NodeType(s)
}

// Known reports whether the engine has semantics for this node type.
func (t NodeType) Known() bool {
	for _, k := range KnownNodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Output handles.
const (
	HandleNext     = "next"
	HandleTrue     = "true"
	HandleFalse    = "false"
	HandleDefault  = "default"
	HandleResponse = "response"
	HandleTimeout  = "timeout"
)

// Node is a typed step in a flow.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// Edge connects a source handle to a target node.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
}

// Handle returns the normalized source handle; an empty handle means "next".
func (e Edge) Handle() string {
	h := strings.TrimSpace(e.SourceHandle)
	if h == "" {
		return HandleNext
	}
	return h
}

// Button is a quick-reply button on a message node.
type Button struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// ListRow is a single selectable row of an interactive list.
type ListRow struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a title.
type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

// NodeData is the configuration record of a node. Which fields apply depends
// on the node type; the accessors below give the per-type view.
type NodeData struct {
	Label string `json:"label,omitempty"`

	// Message / Interactive / WaitForResponse prompt / ExternalNotify.
	Text           string        `json:"text,omitempty"`
	MediaURL       string        `json:"media_url,omitempty"`
	MediaType      string        `json:"media_type,omitempty"`
	MediaName      string        `json:"media_name,omitempty"`
	Buttons        []Button      `json:"buttons,omitempty"`
	ListSections   []ListSection `json:"list_sections,omitempty"`
	ListButtonText string        `json:"list_button_text,omitempty"`

	// Wait.
	DelayMinutes int `json:"delayMinutes,omitempty"`

	// Tag / Stage / Status / AIAction.
	TagID             string `json:"tag_id,omitempty"`
	ColumnID          string `json:"column_id,omitempty"`
	Status            string `json:"status,omitempty"`
	Action            string `json:"action,omitempty"`
	AgentID           string `json:"agent_id,omitempty"`
	DestinationStatus string `json:"destination_status,omitempty"`
	ChangeChatStatus  string `json:"change_chat_status,omitempty"`

	// Condition / Switch.
	ConditionType string   `json:"condition_type,omitempty"`
	Variable      string   `json:"variable,omitempty"`
	Value         string   `json:"value,omitempty"`
	Field         string   `json:"field,omitempty"`
	Expression    string   `json:"expression,omitempty"`
	Cases         []string `json:"cases,omitempty"`

	// ExternalNotify.
	Target          string `json:"target,omitempty"`
	CustomPhone     string `json:"custom_phone,omitempty"`
	InboxID         string `json:"inbox_id,omitempty"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`

	// WaitForResponse and waiting ExternalNotify.
	TimeoutMinutes int `json:"timeoutMinutes,omitempty"`

	// Trigger.
	TriggerConfig *TriggerConfig `json:"trigger_config,omitempty"`
}

// Defaults applied when the authoring surface leaves a field unset.
const (
	DefaultDelayMinutes    = 1
	DefaultTimeoutMinutes  = 60
	DefaultSwitchVariable  = "last_response"
	DefaultListButtonLabel = "Ver Opções"
)

// Delay returns the fixed delay of a Wait node.
func (d NodeData) Delay() time.Duration {
	m := d.DelayMinutes
	if m <= 0 {
		m = DefaultDelayMinutes
	}
	return time.Duration(m) * time.Minute
}

// ResponseTimeout returns how long a response wait stays open.
func (d NodeData) ResponseTimeout() time.Duration {
	m := d.TimeoutMinutes
	if m <= 0 {
		m = DefaultTimeoutMinutes
	}
	return time.Duration(m) * time.Minute
}

// SwitchVariable returns the variable a Switch node inspects.
func (d NodeData) SwitchVariable() string {
	if v := strings.TrimSpace(d.Variable); v != "" {
		return v
	}
	return DefaultSwitchVariable
}

// NormalizedCases returns the Switch cases lower-cased and trimmed, in declaration order.
func (d NodeData) NormalizedCases() []string {
	out := make([]string, len(d.Cases))
	for i, c := range d.Cases {
		out[i] = strings.ToLower(strings.TrimSpace(c))
	}
	return out
}

// HasPrompt reports whether a node carries something to send.
func (d NodeData) HasPrompt() bool {
	return d.Text != "" || d.MediaURL != ""
}

// WaitKind reports whether visiting the node suspends the run, and how.
func (n Node) WaitKind() (WaitKind, bool) {
	switch n.Type {
	case NodeWait:
		return WaitKindDelay, true
	case NodeWaitForResponse:
		return WaitKindResponse, true
	case NodeExternalNotify:
		if n.Data.WaitForResponse {
			return WaitKindResponse, true
		}
	}
	return "", false
}

// WaitDuration returns the suspension length of a wait-type node.
func (n Node) WaitDuration() time.Duration {
	if n.Type == NodeWait {
		return n.Data.Delay()
	}
	return n.Data.ResponseTimeout()
}

// DeclaredHandles lists the output handles the node may route through.
func (n Node) DeclaredHandles() []string {
	switch n.Type {
	case NodeCondition:
		return []string{HandleTrue, HandleFalse}
	case NodeSwitch:
		return append(n.Data.NormalizedCases(), HandleDefault)
	case NodeWaitForResponse:
		return []string{HandleResponse, HandleTimeout}
	case NodeExternalNotify:
		if n.Data.WaitForResponse {
			return []string{HandleResponse, HandleTimeout}
		}
	}
	return []string{HandleNext}
}

// TriggerConfig holds the filters of a Trigger node.
type TriggerConfig struct {
	Type          EventKind         `json:"type"`
	Event         string            `json:"event,omitempty"`
	MessageTypes  []string          `json:"message_types,omitempty"`
	InboxID       string            `json:"inbox_id,omitempty"`
	ColumnID      string            `json:"column_id,omitempty"`
	FilterStageID string            `json:"filter_stage_id,omitempty"`
	FilterTagIDs  []string          `json:"filter_tag_ids,omitempty"`
	Keyword       string            `json:"keyword,omitempty"`
	FilterExpr    string            `json:"filter_expr,omitempty"`
	Capture       map[string]string `json:"capture,omitempty"`
}
