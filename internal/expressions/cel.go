package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/flowengine/pkg/schema"
)

// celVariables are the top-level names visible to EXPRESSION conditions.
var celVariables = []string{"vars", "entity", "event"}

// CELEngine evaluates EXPRESSION conditions with cel-go.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares:
//   - vars:   map(string, dyn), the run's variable bag
//   - entity: map(string, dyn), live fields of the bound entity
//   - event:  map(string, dyn), the triggering event
func NewCELEngine() (*CELEngine, error) {
	asMap := cel.MapType(cel.StringType, cel.DynType)
	decls := make([]cel.EnvOption, len(celVariables))
	for i, name := range celVariables {
		decls[i] = cel.Variable(name, asMap)
	}
	env, err := cel.NewEnv(decls...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newPrograms(e.compile)
	return e, nil
}

func (e *CELEngine) compile(text string) (cel.Program, error) {
	ast, issues := e.env.Compile(text)
	if err := issues.Err(); err != nil {
		return nil, invalidExpr("cel", text, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, invalidExpr("cel", text, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Missing top-level names are bound
// to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpr("cel")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, failedExpr("cel", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool runs an expression that must yield a bool.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "cel: %q yields %T, not bool", expression, out)
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func celActivation(data map[string]any) map[string]any {
	act := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		v := data[name]
		if v == nil {
			v = map[string]any{}
		}
		act[name] = v
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
