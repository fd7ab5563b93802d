package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/conex/pkg/schema"
)

// conditionRoots are the CEL variables of a node guard, built by
// Scope.ConditionData.
var conditionRoots = []string{"trigger", "nodes", "vars", "flow"}

// CELEngine evaluates node Condition guards, e.g.
// `nodes["gate-1"].result && trigger.input.score > 40`.
// Programs are cached per expression text. Safe for concurrent use.
type CELEngine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEngine declares every condition root as map(string, dyn) and
// allows int/double comparisons, since JSON numbers arrive as double.
func NewCELEngine() (*CELEngine, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, root := range conditionRoots {
		opts = append(opts, cel.Variable(root, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Roots missing from data are
// bound to empty maps, so `has(nodes.x)` works before x has run.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(conditionRoots))
	for _, root := range conditionRoots {
		if v, ok := data[root].(map[string]any); ok && v != nil {
			activation[root] = Plain(v)
		} else {
			activation[root] = map[string]any{}
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a guard that must produce a bool.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must evaluate to bool, got %T", expression, out)
	}
	return b, nil
}

// Check compiles expression without evaluating it. The program is cached
// for later Evaluate calls.
func (e *CELEngine) Check(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, celCompileError(expression, "compile", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, celCompileError(expression, "program", err)
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

func celCompileError(expression, stage string, err error) *schema.ConexError {
	return schema.NewErrorf(schema.ErrCodeValidation, "CEL %s error in %q: %s", stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
