package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conex/pkg/schema"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         "xi-test",
		DefaultVoiceID: "voice-default",
		WebhookBaseURL: "https://crm.example.com",
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestStartCall(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calls", r.URL.Path)
		assert.Equal(t, "xi-test", r.Header.Get("xi-api-key"))
		assert.Equal(t, "Conex-Flow/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call_id":"call-1","status":"initiated"}`))
	})

	resp, err := c.StartCall(context.Background(), CallRequest{
		AgentID:      "agent-1",
		PhoneNumber:  "(555) 123-4567",
		Instructions: "Call Jane",
		WebhookURL:   c.WebhookURL("lead-7"),
		Metadata:     map[string]any{"leadId": "lead-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "call-1", resp.CallID)
	assert.Equal(t, "initiated", resp.Status)

	assert.Equal(t, "agent-1", got["agent_id"])
	assert.Equal(t, "voice-default", got["voice_id"])
	assert.Equal(t, "+15551234567", got["phone_number"])
	assert.Equal(t, "Call Jane", got["system_prompt"])
	assert.Equal(t, float64(DefaultMaxDuration), got["max_duration_seconds"])
	assert.Equal(t, "https://crm.example.com/api/webhooks/elevenlabs?leadId=lead-7", got["webhook_url"])
}

func TestStartCall_ProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"quota exceeded"}`))
	})

	_, err := c.StartCall(context.Background(), CallRequest{AgentID: "a", PhoneNumber: "5551234567"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))
	assert.Contains(t, err.Error(), "voice API error [429]: quota exceeded")
}

func TestStatusAndCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/calls/call-1":
			_, _ = w.Write([]byte(`{"call_id":"call-1","status":"completed","duration_seconds":42}`))
		case "/calls/call-1/cancel":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	st, err := c.GetCallStatus(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, 42, st.DurationSeconds)

	require.NoError(t, c.CancelCall(context.Background(), "call-1"))
	assert.Error(t, c.CancelCall(context.Background(), "call-2"))
}

func TestPhoneHelpers(t *testing.T) {
	tests := []struct {
		in         string
		normalized string
		valid      bool
	}{
		{"5551234567", "+15551234567", true},
		{"+44 20 7946 0958", "+442079460958", true},
		{"52 55 1234 5678", "+525512345678", true},
		{"12345", "+12345", false},
		{"", "+", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.normalized, NormalizePhone(tt.in))
			assert.Equal(t, tt.valid, ValidPhone(tt.in))
		})
	}
	assert.Equal(t, "+1555123****", MaskPhone("5551234567"))
	assert.Equal(t, "****", MaskPhone("123"))
}

func TestWebhookURL(t *testing.T) {
	assert.Equal(t, "", WebhookURL("", "lead"))
	assert.Equal(t, "https://crm.example.com/api/webhooks/elevenlabs", WebhookURL("https://crm.example.com/", ""))
	assert.Equal(t, "https://crm.example.com/api/webhooks/elevenlabs?leadId=a+b", WebhookURL("https://crm.example.com", "a b"))
}
