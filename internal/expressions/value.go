package expressions

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Value is the result of a path lookup. A zero Value is Undefined: the path
// did not exist. A defined Value may still hold nil (a JSON null).
type Value struct {
	V       any
	Defined bool
}

// Undefined is the lookup result for a missing path.
var Undefined = Value{}

// Defined wraps v as a present value.
func Defined(v any) Value {
	return Value{V: v, Defined: true}
}

// MarshalJSON encodes Undefined as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// String renders the value the way templates print it. Undefined and nil
// render as the empty string.
func (v Value) String() string {
	if !v.Defined {
		return ""
	}
	return formatScalar(v.V)
}

// Truthy follows template conditional semantics: undefined, nil, false, "",
// zero and empty lists are false.
func (v Value) Truthy() bool {
	if !v.Defined {
		return false
	}
	return truthy(v.V)
}

// ResolvePath walks data along a dotted path. Numeric segments index lists.
// It never fails: anything missing yields Undefined. The empty path resolves
// to data itself.
func ResolvePath(path string, data any) Value {
	path = strings.TrimSpace(path)
	cur := data
	if path == "" {
		if cur == nil {
			return Undefined
		}
		return Defined(cur)
	}
	for _, seg := range strings.Split(path, ".") {
		next, ok := step(cur, seg)
		if !ok {
			return Undefined
		}
		cur = next
	}
	if v, ok := cur.(Value); ok {
		return v
	}
	return Defined(cur)
}

func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case nil:
		return nil, false
	case Value:
		if !c.Defined {
			return nil, false
		}
		return step(c.V, seg)
	case map[string]any:
		v, ok := c[seg]
		if vv, isVal := v.(Value); isVal && !vv.Defined {
			return nil, false
		}
		return v, ok
	case map[string]Value:
		v, ok := c[seg]
		if !ok || !v.Defined {
			return nil, false
		}
		return v.V, true
	case map[string]string:
		v, ok := c[seg]
		return v, ok
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, false
		}
		return step(rv.Elem().Interface(), seg)
	}
	return nil, false
}

// ApplyMapping builds {targetKey: value} by resolving each source path
// against source. Missing fields are kept as Undefined entries.
func ApplyMapping(source any, mapping map[string]string) map[string]Value {
	out := make(map[string]Value, len(mapping))
	for target, path := range mapping {
		out[target] = ResolvePath(path, source)
	}
	return out
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case json.Number:
		return x.String()
	case Value:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case Value:
		return x.Truthy()
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case []any:
		return len(x) > 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return rv.Len() > 0
	}
	return true
}

// Plain converts a tree that may hold Value entries into plain JSON-shaped
// data, turning Undefined into nil.
func Plain(v any) any {
	switch x := v.(type) {
	case Value:
		if !x.Defined {
			return nil
		}
		return Plain(x.V)
	case map[string]Value:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Plain(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Plain(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	}
	return v
}
