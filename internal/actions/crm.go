package actions

import (
	"context"

	"github.com/rendis/flowengine/pkg/schema"
)

// TagExecutor adds tag_id to the bound entity. Adding a tag the entity
// already carries is a no-op on the CRM side.
type TagExecutor struct {
	crm CRM
}

func NewTagExecutor(c Collaborators) *TagExecutor { return &TagExecutor{crm: c.CRM} }

func (e *TagExecutor) Type() schema.NodeType { return schema.NodeTag }

func (e *TagExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	tagID := inv.Node.Data.TagID
	if tagID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tag node has no tag_id").WithNode(inv.Node.ID)
	}
	if e.crm == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no CRM configured").WithNode(inv.Node.ID)
	}
	if err := e.crm.AddTag(ctx, inv.CompanyID, inv.EntityRef, tagID); err != nil {
		return nil, collaboratorError("add tag", err).WithNode(inv.Node.ID)
	}
	return &Result{Output: map[string]any{"tag_id": tagID}}, nil
}

// StageExecutor moves the entity's pipeline card to column_id.
type StageExecutor struct {
	crm CRM
}

func NewStageExecutor(c Collaborators) *StageExecutor { return &StageExecutor{crm: c.CRM} }

func (e *StageExecutor) Type() schema.NodeType { return schema.NodeStage }

func (e *StageExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	columnID := inv.Node.Data.ColumnID
	if columnID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "stage node has no column_id").WithNode(inv.Node.ID)
	}
	if e.crm == nil {
		return nil, schema.NewError(schema.ErrCodeUnavailable, "no CRM configured").WithNode(inv.Node.ID)
	}
	if err := e.crm.MoveStage(ctx, inv.CompanyID, inv.EntityRef, columnID); err != nil {
		return nil, collaboratorError("move stage", err).WithNode(inv.Node.ID)
	}
	return &Result{Output: map[string]any{"column_id": columnID}}, nil
}
