package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/pkg/schema"
)

// Monitor output formats.
const (
	FormatJSON  = "json"
	FormatTable = "table"
	FormatList  = "list"
)

const (
	tableKeyWidth   = 20
	tableValueWidth = 50
)

type monitorHandler struct {
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
}

func (h *monitorHandler) Type() schema.NodeType { return schema.NodeTypeMonitor }

func (h *monitorHandler) Execute(ctx context.Context, in *Input) (*Result, error) {
	cfg := in.Config()
	name := stringParam(cfg, "name", "Debug Monitor")
	format := stringParam(cfg, "outputFormat", FormatJSON)

	all := map[string]any{
		"trigger":          in.Scope.Variables["trigger"],
		"stepResults":      in.Scope.NodeOutputs,
		"currentVariables": in.Scope.Variables,
	}
	keys := []string{"trigger", "stepResults", "currentVariables"}
	snapshot := all

	if fields := stringList(cfg["displayFields"]); len(fields) > 0 {
		snapshot = make(map[string]any, len(fields))
		keys = keys[:0]
		for _, f := range fields {
			if v := expressions.ResolvePath(f, all); v.Defined {
				snapshot[f] = expressions.Plain(v.V)
				keys = append(keys, f)
			}
		}
	}

	formatted, err := formatSnapshot(format, keys, snapshot)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"monitorName":     name,
		"dataSnapshot":    snapshot,
		"formattedOutput": formatted,
		"format":          format,
	}
	if boolParam(cfg, "enableTimestamp", true) {
		out["timestamp"] = h.now().UTC().Format(time.RFC3339Nano)
	}

	h.logger.InfoContext(ctx, "monitor output",
		slog.String("monitor", name),
		slog.String("format", format),
		slog.Int("fields", len(keys)),
	)
	if err := h.hub.Publish(ctx, streaming.Event{
		ExecutionID: in.Scope.ExecutionID,
		FlowID:      in.Scope.FlowID,
		NodeID:      in.Node.ID,
		Type:        schema.EventMonitorOutput,
		Payload:     out,
	}); err != nil {
		h.logger.WarnContext(ctx, "monitor publish failed", slog.String("error", err.Error()))
	}
	return &Result{Output: out}, nil
}

func formatSnapshot(format string, keys []string, data map[string]any) (string, error) {
	switch format {
	case FormatTable:
		return formatTable(keys, data), nil
	case FormatList:
		return formatList(keys, data), nil
	case FormatJSON, "":
		b, err := json.MarshalIndent(expressions.Plain(data), "", "  ")
		if err != nil {
			return "", schema.NewError(schema.ErrCodeNodeExecution, "monitor: snapshot is not JSON-encodable").WithCause(err)
		}
		return string(b), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "monitor: unknown output format %q", format)
	}
}

func formatTable(keys []string, data map[string]any) string {
	if len(keys) == 0 {
		return "No data"
	}
	var sb strings.Builder
	sb.WriteString("Field\t\t\tValue\n")
	sb.WriteString(strings.Repeat("=", 50))
	sb.WriteByte('\n')
	for _, k := range keys {
		v := expressions.Defined(expressions.Plain(data[k])).String()
		if r := []rune(v); len(r) > tableValueWidth {
			v = string(r[:tableValueWidth]) + "..."
		}
		fmt.Fprintf(&sb, "%-*s\t%s\n", tableKeyWidth, k, v)
	}
	return sb.String()
}

func formatList(keys []string, data map[string]any) string {
	if len(keys) == 0 {
		return "No data"
	}
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch x := expressions.Plain(data[k]).(type) {
		case map[string]any, []any:
			b, _ := json.MarshalIndent(x, "", "  ")
			v = string(b)
		default:
			v = expressions.Defined(x).String()
		}
		lines = append(lines, "• "+k+": "+v)
	}
	return strings.Join(lines, "\n")
}
