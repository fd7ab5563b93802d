package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/pkg/schema"
)

// Transformation directive types.
const (
	TransformMap = "map"
	TransformJQ  = "jq"
)

type dataTransformHandler struct {
	jq     *expressions.GoJQEngine
	logger *slog.Logger
	now    func() time.Time
}

func (h *dataTransformHandler) Type() schema.NodeType { return schema.NodeTypeDataTransform }

// Execute applies each directive in order and writes result[target]. A map
// directive whose source does not resolve is skipped.
func (h *dataTransformHandler) Execute(ctx context.Context, in *Input) (*Result, error) {
	cfg := in.Config()
	data := in.Scope.TemplateData()
	result := make(map[string]any)

	directives, _ := cfg["transformations"].([]any)
	for i, raw := range directives {
		d, ok := raw.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dataTransform: transformation %d is not an object", i)
		}
		target := stringParam(d, "target", "")
		if target == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dataTransform: transformation %d has no target", i)
		}
		source := expressions.ResolvePath(stringParam(d, "source", ""), data)

		switch kind := stringParam(d, "type", TransformMap); kind {
		case TransformMap:
			if !source.Truthy() {
				h.logger.DebugContext(ctx, "transform source not found, skipping",
					slog.String("target", target), slog.String("source", stringParam(d, "source", "")))
				continue
			}
			mapping, ok := d["mapping"].(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "dataTransform: transformation %q has no mapping", target)
			}
			result[target] = expressions.ApplyMapping(source.V, stringMap(mapping))
		case TransformJQ:
			query := stringParam(d, "query", "")
			if query == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "dataTransform: transformation %q has no query", target)
			}
			var input any = data
			if source.Defined {
				input = source.V
			}
			v, err := h.jq.Query(ctx, query, input, in.Scope.ConditionData())
			if err != nil {
				return nil, err
			}
			result[target] = v
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dataTransform: unknown transformation type %q", kind)
		}
	}

	result["summary"] = map[string]any{
		"triggerData":    in.Scope.Variables["trigger"],
		"executedSteps":  append([]string(nil), in.Scope.Executed...),
		"allStepResults": in.Scope.NodeOutputs,
		"transformedAt":  h.now().UTC().Format(time.RFC3339Nano),
	}
	return &Result{Output: result}, nil
}
