package script

import (
	"context"
	"fmt"
	"strings"
)

type segment struct {
	text   string
	script Script
	expr   string
}

// Template is a string with embedded ${expression} placeholders.
type Template struct {
	raw      string
	segments []segment
}

// NewTemplate compiles every placeholder in raw. Braces inside an
// expression are balanced, so ${ len({"a": 1}) } is a single placeholder.
func NewTemplate(ctx context.Context, compiler Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			break
		}
		end := matchingBrace(rest, start+2)
		if end < 0 {
			return nil, fmt.Errorf("unclosed template expression in %q", raw)
		}
		if start > 0 {
			t.segments = append(t.segments, segment{text: rest[:start]})
		}
		expr := strings.TrimSpace(rest[start+2 : end])
		if expr == "" {
			return nil, fmt.Errorf("empty template expression in %q", raw)
		}
		compiled, err := compiler.Compile(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{script: compiled, expr: expr})
		rest = rest[end+1:]
	}
	if rest != "" {
		t.segments = append(t.segments, segment{text: rest})
	}
	return t, nil
}

// matchingBrace returns the index of the brace closing the expression that
// starts at from, or -1.
func matchingBrace(s string, from int) int {
	depth := 1
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Raw returns the source text.
func (t *Template) Raw() string {
	return t.raw
}

// IsStatic reports whether the template has no placeholders.
func (t *Template) IsStatic() bool {
	for _, seg := range t.segments {
		if seg.script != nil {
			return false
		}
	}
	return true
}

// Eval renders the template with globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.script == nil {
			b.WriteString(seg.text)
			continue
		}
		value, err := seg.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("template expression %q: %w", seg.expr, err)
		}
		b.WriteString(value.String())
	}
	return b.String(), nil
}

// Condition is a compiled boolean expression.
type Condition struct {
	expr   string
	script Script
}

// NewCondition compiles expr.
func NewCondition(ctx context.Context, compiler Compiler, expr string) (*Condition, error) {
	compiled, err := compiler.Compile(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	return &Condition{expr: expr, script: compiled}, nil
}

// Eval reports whether the condition holds.
func (c *Condition) Eval(ctx context.Context, globals map[string]any) (bool, error) {
	value, err := c.script.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.expr, err)
	}
	return value.IsTruthy(), nil
}

func (c *Condition) String() string {
	return c.expr
}
