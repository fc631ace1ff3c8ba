package script

import (
	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a plain Go value.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	default:
		return obj.Inspect()
	}
}

// SafeBuiltins names the Risor builtins that are deterministic and free of
// side effects. Only these are exposed to pipeline expressions.
func SafeBuiltins() map[string]bool {
	return map[string]bool{
		"all":      true,
		"any":      true,
		"bool":     true,
		"chunk":    true,
		"coalesce": true,
		"error":    true,
		"errorf":   true,
		"filepath": true,
		"float":    true,
		"fmt":      true,
		"getattr":  true,
		"int":      true,
		"json":     true,
		"keys":     true,
		"len":      true,
		"list":     true,
		"map":      true,
		"math":     true,
		"regexp":   true,
		"reversed": true,
		"set":      true,
		"sorted":   true,
		"sprintf":  true,
		"string":   true,
		"strings":  true,
		"try":      true,
		"type":     true,
	}
}
