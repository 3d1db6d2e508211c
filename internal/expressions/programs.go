package expressions

import (
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
)

// programs caches compiled programs by source text. Compiling happens
// outside the lock; when two callers race on a new text the first stored
// program wins.
type programs[P any] struct {
	compile func(text string) (P, error)

	mu     sync.RWMutex
	byText map[string]P
}

func newPrograms[P any](compile func(string) (P, error)) *programs[P] {
	return &programs[P]{compile: compile, byText: make(map[string]P)}
}

func (c *programs[P]) get(text string) (P, error) {
	c.mu.RLock()
	p, ok := c.byText[text]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(text)
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byText[text]; ok {
		return prev, nil
	}
	c.byText[text] = p
	return p, nil
}

func (c *programs[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byText)
}

// invalidExpr reports an expression that does not compile.
func invalidExpr(lang, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %v", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

// failedExpr reports an expression that compiled but failed at run time.
func failedExpr(lang, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %v", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": lang})
}

func emptyExpr(lang string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", lang)
}
