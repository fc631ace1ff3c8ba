package aiflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
)

// Input describes a workflow parameter.
type Input struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Params are the caller-supplied parameters of a workflow run.
type Params map[string]any

// String returns the parameter as a string, or "" when absent.
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Strings returns a list parameter. A string is split on commas.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return nil
	}
}

// Int returns an integer parameter, or def when absent or malformed.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
		if s, ok := v.(string); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return n
			}
		}
	}
	return def
}

// RunFunc is the body of a workflow. It returns the final report.
type RunFunc func(ctx context.Context, wctx *WorkflowContext, params Params) (string, error)

// Workflow is a named, registered unit of orchestration.
type Workflow struct {
	Name        string
	Description string
	Inputs      []*Input
	Run         RunFunc
}

// Validate checks that the workflow is usable.
func (w Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	if w.Run == nil {
		return fmt.Errorf("workflow %q has no run function", w.Name)
	}
	return nil
}

// prepare applies input defaults and checks required inputs.
func (w Workflow) prepare(params Params) (Params, error) {
	out := Params{}
	maps.Copy(out, params)
	for _, input := range w.Inputs {
		v, ok := out[input.Name]
		if ok && v != nil && v != "" {
			continue
		}
		if input.Default != nil {
			out[input.Name] = input.Default
			continue
		}
		if input.Required {
			return nil, fmt.Errorf("%w: %q is required", ErrInvalidParams, input.Name)
		}
	}
	return out, nil
}

// Validator is implemented by typed parameter structs that check
// themselves.
type Validator interface {
	Validate() error
}

// NewTypedWorkflow returns a Workflow whose parameters are decoded into P.
// Inputs are derived from P's exported fields: the json tag names the
// input, a desc tag describes it and required:"true" marks it required. If
// *P or P implements Validator, it is called after decoding.
func NewTypedWorkflow[P any](name, description string, run func(ctx context.Context, wctx *WorkflowContext, params P) (string, error)) Workflow {
	return Workflow{
		Name:        name,
		Description: description,
		Inputs:      inputsOf[P](),
		Run: func(ctx context.Context, wctx *WorkflowContext, params Params) (string, error) {
			typed, err := DecodeParams[P](params)
			if err != nil {
				return "", err
			}
			return run(ctx, wctx, typed)
		},
	}
}

// DecodeParams converts params into P through JSON and validates it.
func DecodeParams[P any](params Params) (P, error) {
	var typed P
	data, err := json.Marshal(params)
	if err != nil {
		return typed, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(data, &typed); err != nil {
		return typed, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var v any = &typed
	if _, ok := v.(Validator); !ok {
		v = typed
	}
	if validator, ok := v.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return typed, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	return typed, nil
}

func inputsOf[P any]() []*Input {
	t := reflect.TypeFor[P]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	var inputs []*Input
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}
		inputs = append(inputs, &Input{
			Name:        name,
			Type:        inputType(field.Type),
			Description: field.Tag.Get("desc"),
			Required:    field.Tag.Get("required") == "true",
		})
	}
	return inputs
}

func inputType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

// StringList decodes from a JSON array or a comma separated string, so
// list parameters can be given on a command line.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = StringList(Params{"v": s}.Strings("v"))
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}
