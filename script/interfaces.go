// Package script evaluates the small expressions embedded in pipeline
// definitions: prompt templates such as "Review ${inputs.file}" and step
// conditions such as `len(state.files) > 0`.
package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {
	// Value returns the Go representation of the result.
	Value() any

	// String renders the result for interpolation into a template.
	String() string

	// IsTruthy reports whether the result counts as true in a condition.
	IsTruthy() bool
}

// Script is a compiled expression.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
