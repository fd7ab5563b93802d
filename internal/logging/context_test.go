package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, FlowID(ctx))
	assert.Empty(t, NodeID(ctx))

	ctx = WithRun(ctx, "exec-1", "flow-1")
	ctx = WithNodeID(ctx, "httpCall-1")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "flow-1", FlowID(ctx))
	assert.Equal(t, "httpCall-1", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-9"), "monitor-1")
	LogWith(ctx, logger).Info("node done")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-9")
	assert.Contains(t, out, "node_id=monitor-1")
	assert.NotContains(t, out, "flow_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).With("component", "engine")

	ctx := WithRun(context.Background(), "exec-2", "flow-2")
	logger.InfoContext(ctx, "run started")

	out := buf.String()
	assert.Contains(t, out, `"execution_id":"exec-2"`)
	assert.Contains(t, out, `"flow_id":"flow-2"`)
	assert.Contains(t, out, `"component":"engine"`)

	buf.Reset()
	logger.Info("no context")
	assert.NotContains(t, buf.String(), "execution_id")
}

func TestCorrelationHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
