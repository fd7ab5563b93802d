package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/internal/voice"
	"github.com/rendis/conex/pkg/schema"
)

type stubCaller struct {
	calls []voice.CallRequest
	err   error
}

func (s *stubCaller) StartCall(_ context.Context, req voice.CallRequest) (*voice.CallResponse, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &voice.CallResponse{CallID: "call-123", Status: "initiated"}, nil
}

func (s *stubCaller) WebhookURL(leadID string) string {
	return voice.WebhookURL("https://crm.example.com", leadID)
}

func aiNode(cfg map[string]any) schema.Node {
	base := map[string]any{
		"agentId":              "agent-1",
		"instructionsTemplate": "Hi {{name}} from {{organizationName}}, run {{executionId}}",
	}
	for k, v := range cfg {
		base[k] = v
	}
	return schema.Node{ID: "call-1", Type: schema.NodeTypeConversationalAICall, Config: base}
}

func leadScope() map[string]any {
	return map[string]any{"id": "lead-7", "name": "Jane", "phone": "555-123-4567"}
}

func TestAICall_Success(t *testing.T) {
	caller := &stubCaller{}
	reg := newTestRegistry(t, Deps{Voice: caller})
	scope := testScope(leadScope())
	scope.OrganizationName = "Acme"

	res, err := dispatch(t, reg, aiNode(map[string]any{
		"voiceId":  "v-2",
		"metadata": map[string]any{"campaign": "spring"},
	}), scope, nil)
	require.NoError(t, err)
	assert.False(t, res.Retry)
	assert.Equal(t, map[string]any{
		"success": true, "callId": "call-123", "status": "initiated", "phoneNumber": "+15551234567",
	}, res.Output)

	require.Len(t, caller.calls, 1)
	req := caller.calls[0]
	assert.Equal(t, "agent-1", req.AgentID)
	assert.Equal(t, "v-2", req.VoiceID)
	assert.Equal(t, "Hi Jane from Acme, run exec-1", req.Instructions)
	assert.Equal(t, voice.DefaultMaxDuration, req.MaxDurationSeconds)
	assert.Equal(t, "https://crm.example.com/api/webhooks/elevenlabs?leadId=lead-7", req.WebhookURL)
	assert.Equal(t, "spring", req.Metadata["campaign"])
	assert.Equal(t, "lead-7", req.Metadata["leadId"])
	assert.Equal(t, "org-1", req.Metadata["organizationId"])
	assert.Equal(t, "exec-1", req.Metadata["flowExecutionId"])
	assert.Equal(t, "call-1", req.Metadata["nodeId"])
	assert.Equal(t, "phone", req.Metadata["phoneField"])
	assert.Equal(t, "conex-flow", req.Metadata["source"])
	assert.Equal(t, "2026-03-01T12:00:00Z", req.Metadata["initiatedAt"])
}

func TestAICall_RetryPath(t *testing.T) {
	caller := &stubCaller{err: errors.New("line busy")}
	reg := newTestRegistry(t, Deps{Voice: caller})
	node := aiNode(map[string]any{"retryOnFailure": true, "maxRetries": float64(2)})

	scope := testScope(leadScope())
	res, err := dispatch(t, reg, node, scope, nil)
	require.NoError(t, err)
	assert.True(t, res.Retry)
	assert.Equal(t, map[string]any{"retryCount": 1}, res.Vars)
	assert.Equal(t, false, res.Output.(map[string]any)["success"])

	scope.Variables["retryCount"] = 1
	res, err = dispatch(t, reg, node, scope, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"retryCount": 2}, res.Vars)

	scope.Variables["retryCount"] = float64(2)
	_, err = dispatch(t, reg, node, scope, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))
	assert.Contains(t, err.Error(), "line busy")
}

func TestAICall_NoRetryWhenDisabled(t *testing.T) {
	caller := &stubCaller{err: errors.New("line busy")}
	reg := newTestRegistry(t, Deps{Voice: caller})

	_, err := dispatch(t, reg, aiNode(nil), testScope(leadScope()), nil)
	assert.Error(t, err)
	assert.Len(t, caller.calls, 1)
}

func TestAICall_PhoneProblems(t *testing.T) {
	caller := &stubCaller{}
	reg := newTestRegistry(t, Deps{Voice: caller})

	_, err := dispatch(t, reg, aiNode(map[string]any{"phoneField": "mobile"}), testScope(leadScope()), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `phone field "mobile" not found`)

	lead := leadScope()
	lead["phone"] = "12345"
	_, err = dispatch(t, reg, aiNode(nil), testScope(lead), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid phone number")
	assert.Empty(t, caller.calls)
}

func TestAICall_ConfigValidation(t *testing.T) {
	reg := newTestRegistry(t, Deps{Voice: &stubCaller{}})
	tests := map[string]map[string]any{
		"no agent":       {"agentId": ""},
		"no template":    {"instructionsTemplate": ""},
		"short duration": {"maxDuration": float64(10)},
		"long duration":  {"maxDuration": float64(3600)},
		"too many tries": {"maxRetries": float64(5)},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := dispatch(t, reg, aiNode(cfg), testScope(leadScope()), nil)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), err)
		})
	}
}

func TestAICall_NoProvider(t *testing.T) {
	reg := newTestRegistry(t, Deps{})
	_, err := dispatch(t, reg, aiNode(nil), testScope(leadScope()), nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}
