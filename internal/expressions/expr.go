package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowengine/pkg/schema"
)

// ExprEngine runs trigger filter_expr expressions with expr-lang/expr, e.g.
// `event.message_type == "text" && payload.source == "site"`.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

// NewExprEngine creates an ExprEngine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms(compileExpr)}
}

// Programs compile untyped so one program serves every event shape.
func compileExpr(text string) (*vm.Program, error) {
	prg, err := expr.Compile(text, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, invalidExpr("expr", text, err)
	}
	return prg, nil
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpr("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, failedExpr("expr", expression, err)
	}
	return out, nil
}

// Match evaluates a filter that must yield a bool.
func (e *ExprEngine) Match(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "expr: filter %q yields %T, not bool", expression, out)
}

// Compile checks an expression without running it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
