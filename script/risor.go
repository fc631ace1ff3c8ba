package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// Names of the globals every pipeline expression can reference.
const (
	GlobalInputs = "inputs"
	GlobalState  = "state"
	GlobalLists  = "lists"
)

// Engine compiles Risor expressions against a fixed set of global names.
type Engine struct {
	globals map[string]any
}

// NewEngine returns an Engine exposing the deterministic Risor builtins, the
// pipeline globals and any extra globals supplied.
func NewEngine(extra map[string]any) *Engine {
	globals := map[string]any{}
	safe := SafeBuiltins()
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	for _, name := range []string{GlobalInputs, GlobalState, GlobalLists} {
		globals[name] = object.NewMap(map[string]object.Object{})
	}
	maps.Copy(globals, extra)
	return &Engine{globals: globals}
}

// Compile parses and compiles code. References to names that are not
// globals fail here rather than at evaluation time.
func (e *Engine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(e.globals))
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &risorScript{engine: e, code: compiled}, nil
}

type risorScript struct {
	engine *Engine
	code   *compiler.Code
}

func (s *risorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := maps.Clone(s.engine.globals)
	maps.Copy(combined, globals)
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &risorValue{obj: result}, nil
}

type risorValue struct {
	obj object.Object
}

func (v *risorValue) Value() any {
	return ToGo(v.obj)
}

func (v *risorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}

func (v *risorValue) String() string {
	switch obj := v.obj.(type) {
	case *object.String:
		return obj.Value()
	case *object.Int:
		return fmt.Sprintf("%d", obj.Value())
	case *object.Float:
		return fmt.Sprintf("%g", obj.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", obj.Value())
	case *object.Time:
		return obj.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(obj.Value()))
		for _, item := range obj.Value() {
			items = append(items, (&risorValue{obj: item}).String())
		}
		return strings.Join(items, "\n")
	default:
		return obj.Inspect()
	}
}
