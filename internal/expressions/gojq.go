package expressions

import (
	"context"
	"sort"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowengine/pkg/schema"
)

// GoJQEngine runs trigger capture queries with gojq, pulling run variables
// out of the event payload, e.g.
// `{"order_id": ".order.id", "first_item": ".items[0].name"}`.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms(compileJQ)}
}

func compileJQ(text string) (*gojq.Code, error) {
	query, err := gojq.Parse(text)
	if err != nil {
		return nil, invalidExpr("jq", text, err)
	}
	// Flow definitions get no $ENV.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, invalidExpr("jq", text, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a query against data: nil for no output, the value for one,
// []any for several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpr("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	input, _ := normalizeForJQ(data).(map[string]any)
	var results []any
	for iter := code.RunWithContext(ctx, input); ; {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, failed := v.(error); failed {
			return nil, failedExpr("jq", expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// Capture runs every query of capture against data, in name order, and
// returns the results as variable strings. Failing queries are returned as
// errors; null results are skipped.
func (e *GoJQEngine) Capture(ctx context.Context, capture map[string]string, data map[string]any) (map[string]string, []error) {
	names := make([]string, 0, len(capture))
	for name := range capture {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make(map[string]string, len(capture))
	var errs []error
	for _, name := range names {
		v, err := e.Evaluate(ctx, capture[name], data)
		switch {
		case err != nil:
			errs = append(errs, err)
		case v != nil:
			vars[name] = schema.Stringify(v)
		}
	}
	return vars, errs
}

// Compile checks a query without running it.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// normalizeForJQ converts Go native types to jq-compatible types.
// jq uses float64 for all numbers and []any / map[string]any for containers.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = v
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
