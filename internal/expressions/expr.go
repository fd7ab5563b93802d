package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/conex/pkg/schema"
)

// ExprEngine evaluates logicGate expressions with expr-lang/expr, e.g.
// `trigger.input.score > 50 && "hot" in trigger.input.tags`.
//
// Programs are compiled once per expression text against an untyped
// environment, so the same gate works across runs whose variables have
// different shapes. Safe for concurrent use.
type ExprEngine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		programs: make(map[string]*vm.Program),
	}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as top-level variables.
// Unknown variables evaluate to nil.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	return run(prg, expression, data)
}

// EvaluateBool is Evaluate for expressions that must produce a bool. A
// non-bool result is a VALIDATION_ERROR.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q must evaluate to bool, got %T", expression, out)
	}
	return b, nil
}

func run(prg *vm.Program, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	e.programs[expression] = prg
	e.mu.Unlock()
	return prg, nil
}
