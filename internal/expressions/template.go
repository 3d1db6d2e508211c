package expressions

import (
	"context"
	"regexp"
	"strings"
)

// tokenPattern matches {{name}} with optional inner whitespace.
var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// LookupFunc resolves a name against the live entity bound to a run
// (task, project, contact or system fields).
type LookupFunc func(ctx context.Context, name string) (string, bool)

// Scope is what a template renders against: the run's variable bag first,
// then the live entity lookup.
type Scope struct {
	Variables map[string]string
	Live      LookupFunc
}

// Value resolves a single name. Unresolved names yield "".
func (s Scope) Value(ctx context.Context, name string) string {
	if v, ok := s.Variables[name]; ok {
		return v
	}
	if s.Live != nil && name != "" {
		if v, ok := s.Live(ctx, name); ok {
			return v
		}
	}
	return ""
}

// Render replaces every {{name}} token in tmpl. It never fails: unknown
// names render as the empty string.
func Render(ctx context.Context, tmpl string, scope Scope) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		if len(m) < 2 {
			return ""
		}
		return scope.Value(ctx, m[1])
	})
}

// Tokens lists the distinct variable names referenced by tmpl, in order of appearance.
func Tokens(tmpl string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(tmpl, -1) {
		if name := m[1]; name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
