package actions

import (
	"context"
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// Notification targets.
const (
	TargetResponsible    = "RESPONSIBLE"
	TargetEntityCustomer = "ENTITY_CUSTOMER"
	TargetFlowContact    = "FLOW_CONTACT"
	TargetCustom         = "CUSTOM"
)

// ExternalNotifyExecutor resolves the notification recipient and sends the
// rendered text through the notifier. When the node waits for a response,
// the engine suspends the run after this executor succeeds.
type ExternalNotifyExecutor struct {
	notifier Notifier
	dir      Directory
	renderer *Renderer
}

func NewExternalNotifyExecutor(c Collaborators) *ExternalNotifyExecutor {
	return &ExternalNotifyExecutor{
		notifier: c.Notifier,
		dir:      c.Directory,
		renderer: NewRenderer(c.Directory),
	}
}

func (e *ExternalNotifyExecutor) Type() schema.NodeType { return schema.NodeExternalNotify }

func (e *ExternalNotifyExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if e.notifier == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no notifier configured").WithNode(inv.Node.ID)
	}

	target, phone, err := e.recipient(ctx, inv)
	if err != nil {
		return nil, err
	}

	n := Notification{
		CompanyID: inv.CompanyID,
		InboxID:   inv.InboxID(),
		Phone:     phone,
		Text:      e.renderer.Render(ctx, inv, inv.Node.Data.Text),
	}
	if n.Text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "notification text is empty").WithNode(inv.Node.ID)
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return nil, collaboratorError("notify", err).WithNode(inv.Node.ID)
	}
	return &Result{Output: map[string]any{"target": target, "phone": phone}}, nil
}

func (e *ExternalNotifyExecutor) recipient(ctx context.Context, inv *Invocation) (string, string, error) {
	data := inv.Node.Data
	target := strings.ToUpper(strings.TrimSpace(data.Target))
	if target == "" {
		target = TargetResponsible
	}

	if target == TargetCustom {
		phone := strings.TrimSpace(e.renderer.Render(ctx, inv, data.CustomPhone))
		if phone == "" {
			return target, "", schema.NewError(schema.ErrCodeValidation, "CUSTOM target needs custom_phone").WithNode(inv.Node.ID)
		}
		return target, phone, nil
	}

	switch target {
	case TargetResponsible, TargetEntityCustomer, TargetFlowContact:
	default:
		return target, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown notification target %q", data.Target).WithNode(inv.Node.ID)
	}
	if e.dir == nil {
		return target, "", schema.NewError(schema.ErrCodeUnavailable, "no directory configured").WithNode(inv.Node.ID)
	}

	phone, err := e.dir.RecipientPhone(ctx, inv.CompanyID, inv.EntityRef, target)
	if err != nil {
		return target, "", collaboratorError("resolve recipient", err).WithNode(inv.Node.ID)
	}
	if strings.TrimSpace(phone) == "" {
		return target, "", schema.NewErrorf(schema.ErrCodeNotFound, "no phone for %s of %s", target, inv.EntityRef).WithNode(inv.Node.ID)
	}
	return target, phone, nil
}
