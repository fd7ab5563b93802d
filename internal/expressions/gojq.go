package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/conex/pkg/schema"
)

// jqVariables are bound in every jq query, with the same meaning as the
// CEL condition variables: $trigger, $nodes and $vars.
var jqVariables = []string{"$trigger", "$nodes", "$vars"}

// GoJQEngine runs the jq directives of dataTransform nodes.
// Compiled queries are cached per text; $ENV is always empty.
type GoJQEngine struct {
	mu    sync.RWMutex
	codes map[string]*gojq.Code
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{codes: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as its input. Variables are read
// from the trigger, nodes and vars keys of data, the shape returned by
// Scope.ConditionData.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data, data)
}

// EvaluateValue runs expression over any JSON-shaped input with unbound
// variables.
func (e *GoJQEngine) EvaluateValue(ctx context.Context, expression string, input any) (any, error) {
	return e.Query(ctx, expression, input, nil)
}

// Query runs expression over input with $trigger, $nodes and $vars taken
// from scope. Zero outputs yield nil, one output is returned as is and
// several are collected into []any.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any, scope map[string]any) (any, error) {
	results, err := e.run(ctx, expression, input, scope)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll returns every output of expression, even when there is one
// or none.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, input any) ([]any, error) {
	return e.run(ctx, expression, input, nil)
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any, scope map[string]any) ([]any, error) {
	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(jqVariables))
	for i, name := range jqVariables {
		values[i] = toJQ(scope[name[1:]])
	}

	var results []any
	iter := code.RunWithContext(ctx, toJQ(input), values...)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			if halt, ok := err.(*gojq.HaltError); ok && halt.Value() == nil {
				return results, nil
			}
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, v)
	}
}

func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	e.mu.RLock()
	code, ok := e.codes[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, jqCompileError(expression, "parse", err)
	}
	code, err = gojq.Compile(query,
		gojq.WithVariables(jqVariables),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, jqCompileError(expression, "compile", err)
	}

	e.mu.Lock()
	e.codes[expression] = code
	e.mu.Unlock()
	return code, nil
}

func jqCompileError(expression, stage string, err error) *schema.ConexError {
	return schema.NewErrorf(schema.ErrCodeValidation, "jq %s error in %q: %s", stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// toJQ converts a value to the types gojq accepts: float64 numbers,
// []any and map[string]any, with Value entries unwrapped.
func toJQ(v any) any {
	switch val := Plain(v).(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = toJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = toJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

var _ Engine = (*GoJQEngine)(nil)
