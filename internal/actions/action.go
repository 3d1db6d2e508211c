package actions

import (
	"context"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// Executor performs the side effect of one node type.
type Executor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// ExecutorRegistry manages the lookup of executors by node type.
type ExecutorRegistry interface {
	Register(exec Executor) error
	Get(nodeType schema.NodeType) (Executor, error)
	List() []schema.NodeType
}

// Invocation is the data an executor receives for one node visit.
type Invocation struct {
	RunID     string
	FlowID    string
	CompanyID string
	EntityRef string
	Node      *schema.Node
	Variables map[string]string
}

// Var returns a run variable, or "" when unset.
func (inv *Invocation) Var(name string) string {
	return inv.Variables[name]
}

// ChatID returns the chat the run talks to.
func (inv *Invocation) ChatID() string {
	if id := inv.Var(VarChatID); id != "" {
		return id
	}
	return inv.EntityRef
}

// InboxID returns the inbox messages go out on: the node's own inbox when set,
// else the one the run was triggered on.
func (inv *Invocation) InboxID() string {
	if inv.Node != nil && inv.Node.Data.InboxID != "" {
		return inv.Node.Data.InboxID
	}
	return inv.Var(VarInboxID)
}

// Result is what an executor reports back to the engine.
type Result struct {
	// Handle overrides the outgoing handle; empty means "next".
	Handle string
	// Variables are merged into the run's variable bag.
	Variables map[string]string
	// Output is recorded on the node_executed run event.
	Output map[string]any
}

// Well-known run variables.
const (
	VarChatID       = "chat_id"
	VarInboxID      = "inbox_id"
	VarLastMessage  = "last_message"
	VarLastResponse = "last_response"
	VarResponded    = "responded"
)

// Renderer resolves {{name}} tokens for an invocation.
type Renderer struct {
	dir Directory
}

// NewRenderer creates a Renderer whose live lookups go through dir.
func NewRenderer(dir Directory) *Renderer {
	return &Renderer{dir: dir}
}

// Render substitutes run variables first, then live entity fields.
func (r *Renderer) Render(ctx context.Context, inv *Invocation, tmpl string) string {
	scope := expressions.Scope{Variables: inv.Variables}
	if r != nil && r.dir != nil {
		scope.Live = func(ctx context.Context, name string) (string, bool) {
			v, err := r.dir.EntityField(ctx, inv.CompanyID, inv.EntityRef, name)
			if err != nil || v == "" {
				return "", false
			}
			return v, true
		}
	}
	return expressions.Render(ctx, tmpl, scope)
}
