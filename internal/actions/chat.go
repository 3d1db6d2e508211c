package actions

import (
	"context"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// AI action verbs.
const (
	AIActivate   = "ACTIVATE"
	AIDeactivate = "DEACTIVATE"
	AITransfer   = "TRANSFER"
)

// Chat statuses the engine sets on its own.
const (
	ChatStatusAI   = "AI"
	ChatStatusOpen = "OPEN"
)

// StatusExecutor sets the chat status.
type StatusExecutor struct {
	chat ChatControl
}

func NewStatusExecutor(c Collaborators) *StatusExecutor { return &StatusExecutor{chat: c.Chat} }

func (e *StatusExecutor) Type() schema.NodeType { return schema.NodeStatus }

func (e *StatusExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	status := strings.TrimSpace(inv.Node.Data.Status)
	if status == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "status node has no status").WithNode(inv.Node.ID)
	}
	if e.chat == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no chat control configured").WithNode(inv.Node.ID)
	}
	if err := e.chat.SetStatus(ctx, inv.CompanyID, inv.ChatID(), status); err != nil {
		return nil, collaboratorError("set status", err).WithNode(inv.Node.ID)
	}
	return &Result{Output: map[string]any{"status": status}}, nil
}

// AIActionExecutor assigns, clears or transfers the chat's AI agent and moves
// the chat status along with it.
type AIActionExecutor struct {
	chat ChatControl
}

func NewAIActionExecutor(c Collaborators) *AIActionExecutor { return &AIActionExecutor{chat: c.Chat} }

func (e *AIActionExecutor) Type() schema.NodeType { return schema.NodeAIAction }

func (e *AIActionExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	data := inv.Node.Data
	agent, status, err := AIActionPlan(data)
	if err != nil {
		return nil, err.WithNode(inv.Node.ID)
	}
	if e.chat == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no chat control configured").WithNode(inv.Node.ID)
	}

	chatID := inv.ChatID()
	if err := e.chat.SetAgent(ctx, inv.CompanyID, chatID, agent); err != nil {
		return nil, collaboratorError("set agent", err).WithNode(inv.Node.ID)
	}
	if err := e.chat.SetStatus(ctx, inv.CompanyID, chatID, status); err != nil {
		return nil, collaboratorError("set status", err).WithNode(inv.Node.ID)
	}
	return &Result{Output: map[string]any{
		"action":   strings.ToUpper(data.Action),
		"agent_id": agent,
		"status":   status,
	}}, nil
}

// AIActionPlan returns the agent to assign ("" clears) and the chat status
// an ai_action node leads to.
func AIActionPlan(data schema.NodeData) (agent, status string, err *schema.EngineError) {
	switch strings.ToUpper(strings.TrimSpace(data.Action)) {
	case AIActivate, AITransfer:
		if data.AgentID == "" {
			return "", "", schema.NewErrorf(schema.ErrCodeValidation, "ai_action %s needs agent_id", data.Action)
		}
		return data.AgentID, firstNonEmpty(data.ChangeChatStatus, ChatStatusAI), nil
	case AIDeactivate:
		return "", firstNonEmpty(data.ChangeChatStatus, data.DestinationStatus, ChatStatusOpen), nil
	default:
		return "", "", schema.NewErrorf(schema.ErrCodeValidation, "unknown ai_action %q", data.Action)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
