package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conex/internal/streaming"
	"github.com/rendis/conex/pkg/schema"
)

var terminalEvents = []string{
	schema.EventExecutionSuccess,
	schema.EventExecutionFailed,
	schema.EventExecutionTimedOut,
}

// RunNotifier pushes a notification to the session that started an async
// run once the run reaches a terminal state.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier that pushes via the MCP server.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *RunNotifier {
	return &RunNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Watch subscribes to terminal execution events on hub and notifies in
// the background until ctx is done.
func (n *RunNotifier) Watch(ctx context.Context, hub streaming.EventHub) error {
	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.Filter{Types: terminalEvents})
	if err != nil {
		return err
	}
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := n.Notify(ev); err != nil {
					n.logger.Warn("run notification failed",
						slog.String("execution_id", ev.ExecutionID),
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Notify sends ev to the session waiting on its execution.
// Best-effort: returns nil if no session is waiting or it disconnected.
func (n *RunNotifier) Notify(ev streaming.Event) error {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	n.sessions.Forget(ev.ExecutionID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"executionId": ev.ExecutionID,
		"flowId":      ev.FlowID,
		"type":        ev.Type,
		"payload":     ev.Payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
