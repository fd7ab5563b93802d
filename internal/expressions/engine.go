package expressions

import "context"

// Engine is an expression language evaluated against a run's scope.
// CEL guards node conditions, gojq drives dataTransform jq directives and
// expr evaluates logicGate expressions.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// BoolEngine is an Engine whose expressions can be required to yield a bool.
type BoolEngine interface {
	Engine
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

var (
	_ BoolEngine = (*CELEngine)(nil)
	_ BoolEngine = (*ExprEngine)(nil)
)
