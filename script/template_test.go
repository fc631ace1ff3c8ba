package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		want        string
		errContains string
	}{
		{
			name:  "plain string",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:    "single variable",
			input:   "Review ${inputs.file} please",
			globals: map[string]any{"inputs": map[string]any{"file": "main.go"}},
			want:    "Review main.go please",
		},
		{
			name:  "multiple variables",
			input: "${state.greeting} ${state.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"state": map[string]any{"greeting": "Hello", "name": "Bob"},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:    "nested braces",
			input:   `Value: ${ sprintf("%d", {"a": 7}["a"]) }`,
			globals: nil,
			want:    "Value: 7",
		},
		{
			name:    "list joins with newlines",
			input:   "Files:\n${lists.files}",
			globals: map[string]any{"lists": map[string]any{"files": []any{"a.go", "b.go"}}},
			want:    "Files:\na.go\nb.go",
		},
		{
			name:        "unclosed brace",
			input:       "Hello ${inputs.name",
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression",
			input:       "Hello ${1 +}",
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			errContains: "undefined_var",
		},
	}

	engine := NewEngine(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := NewTemplate(context.Background(), engine, tt.input)
			if tt.errContains != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			got, err := tmpl.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateIsStatic(t *testing.T) {
	engine := NewEngine(nil)
	static, err := NewTemplate(context.Background(), engine, "no placeholders")
	require.NoError(t, err)
	require.True(t, static.IsStatic())

	dynamic, err := NewTemplate(context.Background(), engine, "${inputs.x}")
	require.NoError(t, err)
	require.False(t, dynamic.IsStatic())
}

func TestCondition(t *testing.T) {
	engine := NewEngine(nil)
	tests := []struct {
		expr    string
		globals map[string]any
		want    bool
	}{
		{"len(lists.files) > 1", map[string]any{"lists": map[string]any{"files": []any{"a", "b"}}}, true},
		{`state.severity == "high"`, map[string]any{"state": map[string]any{"severity": "low"}}, false},
		{`strings.contains(state.out, "bug")`, map[string]any{"state": map[string]any{"out": "found a bug"}}, true},
		{"state.count", map[string]any{"state": map[string]any{"count": 0}}, false},
		{`"false"`, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := NewCondition(context.Background(), engine, tt.expr)
			require.NoError(t, err)
			got, err := cond.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := NewCondition(context.Background(), engine, "os.exit(1)")
	require.Error(t, err)
}

func TestEvaluateValue(t *testing.T) {
	engine := NewEngine(map[string]any{"limit": 3})
	s, err := engine.Compile(context.Background(), "x := {\"n\": limit, \"xs\": [1, 2]}\nx")
	require.NoError(t, err)
	v, err := s.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": int64(3), "xs": []any{int64(1), int64(2)}}, v.Value())
	require.True(t, v.IsTruthy())
}
