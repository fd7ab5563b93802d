package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conex/internal/engine"
	"github.com/rendis/conex/internal/secrets"
	"github.com/rendis/conex/internal/store"
	"github.com/rendis/conex/pkg/schema"
)

// handleRun executes a graph, synchronously unless async is set.
func (s *ConexServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := parseGraph(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	conns, err := parseConnections(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	runReq := engine.RunRequest{
		Graph:            g,
		Input:            mcp.ParseStringMap(req, "input", nil),
		Connections:      conns,
		FlowID:           req.GetString("flow_id", g.ID),
		OrganizationID:   req.GetString("organization_id", ""),
		OrganizationName: req.GetString("organization_name", ""),
		UserID:           req.GetString("user_id", ""),
	}
	if raw := req.GetString("timeout", ""); raw != "" {
		d, perr := time.ParseDuration(raw)
		if perr != nil || d <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q", raw)), nil
		}
		runReq.Timeout = d
	}

	if req.GetBool("async", false) {
		execID, startErr := s.engine.Start(ctx, runReq)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow start failed: %v", startErr)), nil
		}
		s.captureSession(ctx, execID)
		return marshalResult(map[string]any{
			"executionId": execID,
			"status":      schema.ExecutionStatusPending,
		})
	}

	result, runErr := s.engine.Run(ctx, runReq)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the persisted record of an execution.
func (s *ConexServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	rec, statusErr := s.engine.Status(ctx, execID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	if !req.GetBool("include_events", false) || s.events == nil {
		return marshalResult(rec)
	}
	events, evErr := s.events.GetEvents(ctx, execID, 0)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{"execution": rec, "events": events})
}

// handleList lists executions, events, or schedules.
func (s *ConexServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.listExecutions(ctx, filter)
	case "events":
		return s.listEvents(ctx, filter)
	case "schedules":
		return s.listSchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *ConexServer) listExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.executions == nil {
		return mcp.NewToolResultError("execution store not configured"), nil
	}
	ef := store.ExecutionFilter{
		FlowID:         extractString(filter, "flow_id"),
		OrganizationID: extractString(filter, "organization_id"),
		Limit:          extractInt(filter, "limit", 50),
		Offset:         extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		st := schema.ExecutionStatus(status)
		ef.Status = &st
	}
	if since := extractString(filter, "since"); since != "" {
		t, perr := time.Parse(time.RFC3339, since)
		if perr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", perr)), nil
		}
		ef.Since = &t
	}

	recs, err := s.executions.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": recs})
}

func (s *ConexServer) listEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event store not configured"), nil
	}
	execID := extractString(filter, "execution_id")
	if execID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since_sequence", 0))

	events, err := s.events.GetEvents(ctx, execID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *ConexServer) listSchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.schedules == nil {
		return mcp.NewToolResultError("schedule store not configured"), nil
	}
	sf := store.ScheduleFilter{
		OrganizationID: extractString(filter, "organization_id"),
		Limit:          extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	flows, err := s.schedules.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	// Connection blobs stay in the store.
	for _, f := range flows {
		f.Connections = nil
	}
	return marshalResult(map[string]any{"schedules": flows})
}

// handleValidate runs the validation pipeline without executing anything.
func (s *ConexServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validator not configured"), nil
	}
	g, err := parseGraph(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := s.validator.Validate(g)
	out := map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
	if input := mcp.ParseStringMap(req, "input", nil); input != nil && result.Valid() {
		if inErr := s.validator.ValidateRun(g, input); inErr != nil {
			out["valid"] = false
			out["input_error"] = inErr.Error()
		}
	}
	return marshalResult(out)
}

// handleEncrypt seals credentials with the daemon's vault. The clear
// credentials are never logged.
func (s *ConexServer) handleEncrypt(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.vault == nil {
		return mcp.NewToolResultError("vault not configured"), nil
	}
	creds := mcp.ParseStringMap(req, "credentials", nil)
	if creds == nil {
		return mcp.NewToolResultError("credentials is required"), nil
	}

	blob, err := secrets.EncryptCredentials(s.vault, secrets.Credentials(creds))
	if err != nil {
		return mcp.NewToolResultError("failed to encrypt credentials"), nil
	}
	return marshalResult(secrets.ConnectionRecord{
		ID:                   req.GetString("connection_id", ""),
		Type:                 req.GetString("type", ""),
		EncryptedCredentials: blob,
	})
}

// handleSchedule registers a cron-triggered flow.
func (s *ConexServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler not configured"), nil
	}
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	g, err := parseGraph(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	conns, err := parseConnections(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sf := &store.ScheduledFlow{
		FlowID:         flowID,
		Name:           req.GetString("name", ""),
		OrganizationID: req.GetString("organization_id", ""),
		CronExpression: cronExpr,
		Enabled:        true,
	}
	if sf.Graph, err = json.Marshal(g); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	if input := mcp.ParseStringMap(req, "input", nil); input != nil {
		sf.Input, _ = json.Marshal(input)
	}
	if len(conns) > 0 {
		sf.Connections, _ = json.Marshal(conns)
	}

	if createErr := s.scheduler.Create(ctx, sf); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}
	s.logger.Info("schedule created", slog.String("schedule_id", sf.ID), slog.String("flow_id", flowID))

	return marshalResult(map[string]any{
		"id":        sf.ID,
		"flowId":    sf.FlowID,
		"nextRunAt": sf.NextRunAt,
		"cron":      sf.CronExpression,
		"enabled":   sf.Enabled,
	})
}

// --- Internal helpers ---

// parseGraph decodes the "graph" argument into a schema.Graph.
func parseGraph(req mcp.CallToolRequest) (*schema.Graph, error) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return nil, fmt.Errorf("graph is required")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid graph: %v", err)
	}
	var g schema.Graph
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("invalid graph: %v", err)
	}
	return &g, nil
}

// parseConnections decodes the optional "connections" array.
func parseConnections(req mcp.CallToolRequest) ([]secrets.ConnectionRecord, error) {
	raw, ok := req.GetArguments()["connections"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connections: %v", err)
	}
	var conns []secrets.ConnectionRecord
	if err := json.Unmarshal(b, &conns); err != nil {
		return nil, fmt.Errorf("connections must be an array of {id, encryptedCredentials}")
	}
	return conns, nil
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the execution to the calling MCP session so the
// completion notification reaches it.
func (s *ConexServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
