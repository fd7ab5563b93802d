package nodes

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/voice"
	"github.com/rendis/conex/pkg/schema"
)

const (
	minCallDuration    = 30
	maxCallDuration    = 1800
	maxCallRetries     = 3
	retryCountVar      = "retryCount"
	defaultOrgName     = "our company"
	callMetadataSource = "conex-flow"
)

type aiCallHandler struct {
	caller   voice.Caller
	renderer *expressions.Renderer
	logger   *slog.Logger
	now      func() time.Time
}

func (h *aiCallHandler) Type() schema.NodeType { return schema.NodeTypeConversationalAICall }

type aiCallConfig struct {
	agentID        string
	voiceID        string
	instructions   string
	phoneField     string
	maxDuration    int
	metadata       map[string]any
	retryOnFailure bool
	maxRetries     int
}

func parseAICallConfig(cfg map[string]any) (*aiCallConfig, error) {
	c := &aiCallConfig{
		agentID:        stringParam(cfg, "agentId", ""),
		voiceID:        stringParam(cfg, "voiceId", ""),
		instructions:   stringParam(cfg, "instructionsTemplate", ""),
		phoneField:     stringParam(cfg, "phoneField", "phone"),
		retryOnFailure: boolParam(cfg, "retryOnFailure", false),
	}
	if c.agentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "conversationalAICall: agentId is required")
	}
	if c.instructions == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "conversationalAICall: instructionsTemplate is required")
	}

	var set bool
	if c.maxDuration, set = intParam(cfg, "maxDuration", voice.DefaultMaxDuration); set &&
		(c.maxDuration < minCallDuration || c.maxDuration > maxCallDuration) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"conversationalAICall: maxDuration must be between %d and %d seconds", minCallDuration, maxCallDuration)
	}
	if c.maxRetries, set = intParam(cfg, "maxRetries", 1); set && (c.maxRetries < 0 || c.maxRetries > maxCallRetries) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"conversationalAICall: maxRetries must be between 0 and %d", maxCallRetries)
	}
	if m, ok := cfg["metadata"].(map[string]any); ok {
		c.metadata = m
	}
	return c, nil
}

// Execute places the call. Configuration errors are terminal. Call
// failures become a Retry result while the run's retryCount is below
// maxRetries and retryOnFailure is set.
func (h *aiCallHandler) Execute(ctx context.Context, in *Input) (*Result, error) {
	cfg, err := parseAICallConfig(in.Config())
	if err != nil {
		return nil, err
	}
	if h.caller == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "conversationalAICall: voice provider is not configured")
	}

	resp, phone, err := h.call(ctx, in, cfg)
	if err == nil {
		return &Result{Output: map[string]any{
			"success":     true,
			"callId":      resp.CallID,
			"status":      resp.Status,
			"phoneNumber": phone,
		}}, nil
	}

	count, _ := intParam(in.Scope.Variables, retryCountVar, 0)
	ce := asNodeError(err)
	if cfg.retryOnFailure && count < cfg.maxRetries {
		h.logger.WarnContext(ctx, "voice call failed, scheduling retry",
			slog.Int("retry_count", count+1), slog.Int("max_retries", cfg.maxRetries))
		return &Result{
			Output: map[string]any{"success": false, "error": ce.Message, retryCountVar: count + 1},
			Vars:   map[string]any{retryCountVar: count + 1},
			Retry:  true,
		}, nil
	}
	return nil, ce.WithDetails(map[string]any{retryCountVar: count})
}

func (h *aiCallHandler) call(ctx context.Context, in *Input, cfg *aiCallConfig) (*voice.CallResponse, string, error) {
	lead := in.Scope.TriggerInput()

	phone := expressions.ResolvePath(cfg.phoneField, lead).String()
	if phone == "" {
		return nil, "", schema.NewErrorf(schema.ErrCodeNodeExecution, "phone field %q not found in lead data", cfg.phoneField)
	}
	if !voice.ValidPhone(phone) {
		return nil, "", schema.NewErrorf(schema.ErrCodeNodeExecution, "invalid phone number: %s", voice.MaskPhone(phone))
	}

	data := in.Scope.TemplateData()
	maps.Copy(data, lead)
	data["organizationName"] = organizationName(in.Scope)
	data["flowName"] = in.Scope.FlowName
	data["executionId"] = in.Scope.ExecutionID

	instructions, err := h.renderer.Render(cfg.instructions, data)
	if err != nil {
		return nil, "", err
	}

	leadID := expressions.Defined(lead["id"]).String()
	metadata := make(map[string]any, len(cfg.metadata)+7)
	maps.Copy(metadata, cfg.metadata)
	metadata["leadId"] = leadID
	metadata["organizationId"] = firstNonEmpty(expressions.Defined(lead["organizationId"]).String(), in.Scope.OrganizationID)
	metadata["flowExecutionId"] = in.Scope.ExecutionID
	metadata["nodeId"] = in.Node.ID
	metadata["initiatedAt"] = h.now().UTC().Format(time.RFC3339Nano)
	metadata["phoneField"] = cfg.phoneField
	metadata["source"] = callMetadataSource

	normalized := voice.NormalizePhone(phone)
	resp, err := h.caller.StartCall(ctx, voice.CallRequest{
		AgentID:            cfg.agentID,
		VoiceID:            cfg.voiceID,
		PhoneNumber:        normalized,
		Instructions:       instructions,
		WebhookURL:         h.caller.WebhookURL(leadID),
		MaxDurationSeconds: cfg.maxDuration,
		Metadata:           metadata,
	})
	if err != nil {
		return nil, "", err
	}
	return resp, normalized, nil
}

func organizationName(s *expressions.Scope) string {
	if s.OrganizationName != "" {
		return s.OrganizationName
	}
	if v := expressions.ResolvePath("organization.name", s.Variables).String(); v != "" {
		return v
	}
	return defaultOrgName
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
