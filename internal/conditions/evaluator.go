package conditions

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// Condition types understood by Evaluate.
const (
	TypeHasTag        = "HAS_TAG"
	TypeInStage       = "IN_STAGE"
	TypeBusinessHours = "BUSINESS_HOURS"
	TypeHasValue      = "HAS_VALUE"
	TypeMsgContains   = "MSG_CONTAINS"
	TypeMsgEquals     = "MSG_EQUALS"
	TypeExpression    = "EXPRESSION"
)

// VarLastMessage holds the text of the most recent inbound message of a run.
const VarLastMessage = "last_message"

// Facts exposes the live entity data conditions read.
type Facts interface {
	EntityTags(ctx context.Context, companyID, entityRef string) ([]string, error)
	EntityStage(ctx context.Context, companyID, entityRef string) (string, error)
	EntityField(ctx context.Context, companyID, entityRef, field string) (string, error)
}

// Input is what a condition is evaluated against.
type Input struct {
	CompanyID string
	EntityRef string
	Variables map[string]string
	Event     map[string]any
}

// Evaluator decides Condition nodes. It never fails: anything it cannot
// decide evaluates to false.
type Evaluator struct {
	facts  Facts
	cel    *expressions.CELEngine
	hours  BusinessHours
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithBusinessHours overrides the default business hours window.
func WithBusinessHours(h BusinessHours) Option {
	return func(e *Evaluator) { e.hours = h }
}

// WithClock overrides the wall clock used by BUSINESS_HOURS.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithCEL sets the engine used by EXPRESSION conditions. Without it,
// EXPRESSION conditions evaluate to false.
func WithCEL(cel *expressions.CELEngine) Option {
	return func(e *Evaluator) { e.cel = cel }
}

// NewEvaluator creates an Evaluator reading entity data from facts.
func NewEvaluator(facts Facts, logger *slog.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		facts:  facts,
		hours:  DefaultBusinessHours(),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the boolean outcome of a Condition node.
func (e *Evaluator) Evaluate(ctx context.Context, data schema.NodeData, in Input) bool {
	log := logging.LogWith(ctx, e.logger)
	condType := strings.ToUpper(strings.TrimSpace(data.ConditionType))

	switch condType {
	case TypeHasTag:
		tags, err := e.facts.EntityTags(ctx, in.CompanyID, in.EntityRef)
		if err != nil {
			log.Warn("condition tag lookup failed", "entity_ref", in.EntityRef, "error", err)
			return false
		}
		return data.TagID != "" && slices.Contains(tags, data.TagID)

	case TypeInStage:
		stage, err := e.facts.EntityStage(ctx, in.CompanyID, in.EntityRef)
		if err != nil {
			log.Warn("condition stage lookup failed", "entity_ref", in.EntityRef, "error", err)
			return false
		}
		return data.ColumnID != "" && stage == data.ColumnID

	case TypeBusinessHours:
		return e.hours.Contains(e.now())

	case TypeHasValue:
		if data.Field == "" {
			return false
		}
		v, err := e.facts.EntityField(ctx, in.CompanyID, in.EntityRef, data.Field)
		if err != nil {
			log.Warn("condition field lookup failed", "field", data.Field, "error", err)
			return false
		}
		return strings.TrimSpace(v) != ""

	case TypeMsgContains:
		want := e.render(ctx, data.Value, in)
		if want == "" {
			return false
		}
		return strings.Contains(in.Variables[VarLastMessage], want)

	case TypeMsgEquals:
		want := strings.TrimSpace(e.render(ctx, data.Value, in))
		if want == "" {
			return false
		}
		return strings.TrimSpace(in.Variables[VarLastMessage]) == want

	case TypeExpression:
		return e.expression(ctx, data.Expression, in, log)

	default:
		log.Debug("unknown condition type", "condition_type", data.ConditionType)
		return false
	}
}

// Switch resolves the variable a Switch node inspects, falling back to the
// entity's live fields, and returns it with the matched handle.
func (e *Evaluator) Switch(ctx context.Context, data schema.NodeData, in Input) (value, handle string) {
	value = e.scope(in).Value(ctx, data.SwitchVariable())
	return value, MatchCase(value, data.Cases)
}

func (e *Evaluator) render(ctx context.Context, tmpl string, in Input) string {
	return expressions.Render(ctx, tmpl, e.scope(in))
}

func (e *Evaluator) scope(in Input) expressions.Scope {
	return expressions.Scope{
		Variables: in.Variables,
		Live: func(ctx context.Context, name string) (string, bool) {
			v, err := e.facts.EntityField(ctx, in.CompanyID, in.EntityRef, name)
			if err != nil || v == "" {
				return "", false
			}
			return v, true
		},
	}
}

func (e *Evaluator) expression(ctx context.Context, expr string, in Input, log *slog.Logger) bool {
	if e.cel == nil || strings.TrimSpace(expr) == "" {
		return false
	}

	vars := make(map[string]any, len(in.Variables))
	for k, v := range in.Variables {
		vars[k] = v
	}
	entity := map[string]any{"ref": in.EntityRef, "company_id": in.CompanyID}
	if tags, err := e.facts.EntityTags(ctx, in.CompanyID, in.EntityRef); err == nil {
		list := make([]any, len(tags))
		for i, t := range tags {
			list[i] = t
		}
		entity["tags"] = list
	}
	if stage, err := e.facts.EntityStage(ctx, in.CompanyID, in.EntityRef); err == nil {
		entity["stage"] = stage
	}

	ok, err := e.cel.EvaluateBool(ctx, expr, map[string]any{
		"vars":   vars,
		"entity": entity,
		"event":  in.Event,
	})
	if err != nil {
		log.Warn("expression condition failed", "expression", expr, "error", err)
		return false
	}
	return ok
}
