package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/flowengine/internal/actions"
	"github.com/rendis/flowengine/internal/conditions"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

var knownConditions = map[string]bool{
	conditions.TypeHasTag:        true,
	conditions.TypeInStage:       true,
	conditions.TypeBusinessHours: true,
	conditions.TypeHasValue:      true,
	conditions.TypeMsgContains:   true,
	conditions.TypeMsgEquals:     true,
	conditions.TypeExpression:    true,
}

var knownTriggers = map[schema.EventKind]bool{
	schema.EventNewMessage:  true,
	schema.EventTagAdded:    true,
	schema.EventStageChange: true,
	schema.EventLeadCreated: true,
	schema.EventKeyword:     true,
	schema.EventSystem:      true,
	schema.EventManual:      true,
}

// validateSemantic checks each node's configuration against what its
// executor needs at run time.
func validateSemantic(def *schema.FlowDefinition, engines *expressions.Engines) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]bool, len(def.Nodes))
	triggers := 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), "node id is required")
			continue
		}
		if seen[n.ID] {
			result.AddNodeError(n.ID, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		seen[n.ID] = true

		if !n.Type.Known() {
			result.AddNodeError(n.ID, fmt.Sprintf("unknown node type %q", n.Type))
			continue
		}
		if n.Type == schema.NodeTrigger {
			triggers++
		}
		validateNode(n, engines, result)
	}

	if triggers == 0 {
		result.AddError("nodes", "flow has no trigger node")
	}
	return result
}

func validateNode(n *schema.Node, engines *expressions.Engines, result *schema.ValidationResult) {
	d := n.Data
	switch n.Type {
	case schema.NodeTrigger:
		validateTrigger(n, engines, result)

	case schema.NodeMessage, schema.NodeWaitForResponse:
		if n.Type == schema.NodeMessage && !d.HasPrompt() && len(d.Buttons) == 0 {
			result.AddNodeError(n.ID, "message node has neither text nor media")
		}
		validateButtons(n, result)

	case schema.NodeInteractive:
		if !d.HasPrompt() {
			result.AddNodeError(n.ID, "interactive node needs a body text")
		}
		if len(d.ListSections) == 0 && len(d.Buttons) == 0 {
			result.AddWarning("nodes/"+n.ID, "interactive node has no buttons or list sections and is sent as plain text")
		}
		validateButtons(n, result)

	case schema.NodeTag:
		if strings.TrimSpace(d.TagID) == "" {
			result.AddNodeError(n.ID, "tag node needs tag_id")
		}

	case schema.NodeStage:
		if strings.TrimSpace(d.ColumnID) == "" {
			result.AddNodeError(n.ID, "stage node needs column_id")
		}

	case schema.NodeStatus:
		if strings.TrimSpace(d.Status) == "" {
			result.AddNodeError(n.ID, "status node needs status")
		}

	case schema.NodeAIAction:
		if _, _, err := actions.AIActionPlan(d); err != nil {
			result.AddNodeError(n.ID, err.Message)
		}

	case schema.NodeExternalNotify:
		if !d.HasPrompt() {
			result.AddNodeError(n.ID, "external_notify node needs text")
		}
		switch target := strings.ToUpper(strings.TrimSpace(d.Target)); target {
		case "", actions.TargetResponsible, actions.TargetEntityCustomer, actions.TargetFlowContact:
		case actions.TargetCustom:
			if strings.TrimSpace(d.CustomPhone) == "" {
				result.AddNodeError(n.ID, "CUSTOM notification target needs custom_phone")
			}
		default:
			result.AddNodeError(n.ID, fmt.Sprintf("unknown notification target %q", d.Target))
		}

	case schema.NodeSwitch:
		if len(d.Cases) == 0 {
			result.AddWarning("nodes/"+n.ID, "switch node has no cases and always takes default")
		}
		for i, c := range d.NormalizedCases() {
			if c == "" {
				result.AddNodeError(n.ID, fmt.Sprintf("switch case %d is empty", i))
			}
		}

	case schema.NodeCondition:
		condType := strings.ToUpper(strings.TrimSpace(d.ConditionType))
		if !knownConditions[condType] {
			result.AddWarning("nodes/"+n.ID, fmt.Sprintf("unknown condition_type %q always evaluates false", d.ConditionType))
			return
		}
		if condType == conditions.TypeExpression && engines != nil && engines.CEL != nil {
			if err := engines.CEL.Compile(d.Expression); err != nil {
				result.AddNodeError(n.ID, "expression does not compile: "+err.Error())
			}
		}
	}
}

func validateButtons(n *schema.Node, result *schema.ValidationResult) {
	for i, b := range n.Data.Buttons {
		if strings.TrimSpace(b.Text) == "" {
			result.AddNodeError(n.ID, fmt.Sprintf("button %d has no text", i))
		}
	}
}

func validateTrigger(n *schema.Node, engines *expressions.Engines, result *schema.ValidationResult) {
	cfg := n.Data.TriggerConfig
	if cfg == nil {
		result.AddNodeError(n.ID, "trigger node needs trigger_config")
		return
	}
	if !knownTriggers[cfg.Type] {
		result.AddNodeError(n.ID, fmt.Sprintf("unknown trigger type %q", cfg.Type))
		return
	}

	switch cfg.Type {
	case schema.EventKeyword:
		if strings.TrimSpace(cfg.Keyword) == "" {
			result.AddNodeError(n.ID, "KEYWORD trigger needs keyword")
		}
	case schema.EventSystem:
		if strings.TrimSpace(cfg.Event) == "" {
			result.AddWarning("nodes/"+n.ID, "SYSTEM_EVENT trigger without event matches every system event")
		}
	}

	if engines == nil {
		return
	}
	if cfg.FilterExpr != "" && engines.Expr != nil {
		if err := engines.Expr.Compile(cfg.FilterExpr); err != nil {
			result.AddNodeError(n.ID, "filter_expr does not compile: "+err.Error())
		}
	}
	if engines.JQ != nil {
		for name, query := range cfg.Capture {
			if err := engines.JQ.Compile(query); err != nil {
				result.AddNodeError(n.ID, fmt.Sprintf("capture %q does not compile: %v", name, err))
			}
		}
	}
}
