package expr

import (
	"context"
	"fmt"
	"strings"
)

// RenderTemplate evaluates `{{ expression }}` placeholders inside a string.
// A string that is exactly one placeholder returns the expression's raw
// value, preserving its type; otherwise each placeholder is stringified and
// interpolated. Strings without placeholders pass through unchanged.
func RenderTemplate(ctx context.Context, e *Evaluator, s string, env Env) (any, error) {
	open := strings.Index(s, "{{")
	if open < 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the value's type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return e.Evaluate(ctx, inner, env)
		}
	}

	var b strings.Builder
	rest := s
	for {
		open = strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		rest = rest[open+2:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			// Unterminated placeholder: emit the remainder literally.
			b.WriteString("{{")
			b.WriteString(rest)
			return b.String(), nil
		}
		source := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		val, err := e.Evaluate(ctx, source, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
