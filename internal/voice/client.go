// Package voice is the HTTP client for the outbound conversational voice-call
// provider used by conversationalAICall nodes.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/conex/pkg/schema"
)

const (
	DefaultBaseURL     = "https://api.elevenlabs.io/v1/conversational-ai"
	DefaultMaxDuration = 600
	userAgent          = "Conex-Flow/1.0"
	webhookPath        = "/api/webhooks/elevenlabs"
	maxErrorBody       = 64 * 1024
)

// CallRequest is the input to StartCall.
type CallRequest struct {
	AgentID            string         `json:"agentId"`
	VoiceID            string         `json:"voiceId,omitempty"`
	PhoneNumber        string         `json:"phoneNumber"`
	Instructions       string         `json:"instructions"`
	WebhookURL         string         `json:"webhookUrl"`
	MaxDurationSeconds int            `json:"maxDurationSeconds"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// CallResponse is the provider's acknowledgement of a started call.
type CallResponse struct {
	CallID            string `json:"call_id"`
	Status            string `json:"status"`
	EstimatedDuration int    `json:"estimated_duration,omitempty"`
	Message           string `json:"message,omitempty"`
}

// CallStatus is the provider's view of an existing call.
type CallStatus struct {
	CallID          string         `json:"call_id"`
	Status          string         `json:"status"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	Transcript      string         `json:"transcript,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Caller starts outbound calls. Implemented by Client; tests stub it.
type Caller interface {
	StartCall(ctx context.Context, req CallRequest) (*CallResponse, error)
	WebhookURL(leadID string) string
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	DefaultVoiceID string
	WebhookBaseURL string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client talks to the voice provider's REST API.
type Client struct {
	baseURL        string
	apiKey         string
	defaultVoiceID string
	webhookBase    string
	http           *http.Client
	logger         *slog.Logger
}

var _ Caller = (*Client)(nil)

// NewClient validates cfg and returns a Client. The API key is required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "voice API key is not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		defaultVoiceID: cfg.DefaultVoiceID,
		webhookBase:    cfg.WebhookBaseURL,
		http:           hc,
		logger:         logger,
	}, nil
}

type startPayload struct {
	AgentID            string         `json:"agent_id"`
	VoiceID            string         `json:"voice_id,omitempty"`
	PhoneNumber        string         `json:"phone_number"`
	SystemPrompt       string         `json:"system_prompt"`
	WebhookURL         string         `json:"webhook_url,omitempty"`
	MaxDurationSeconds int            `json:"max_duration_seconds"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// StartCall places an outbound call.
func (c *Client) StartCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = c.defaultVoiceID
	}
	maxDuration := req.MaxDurationSeconds
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	payload := startPayload{
		AgentID:            req.AgentID,
		VoiceID:            voiceID,
		PhoneNumber:        NormalizePhone(req.PhoneNumber),
		SystemPrompt:       req.Instructions,
		WebhookURL:         req.WebhookURL,
		MaxDurationSeconds: maxDuration,
		Metadata:           req.Metadata,
	}

	c.logger.InfoContext(ctx, "starting voice call",
		slog.String("phone", MaskPhone(req.PhoneNumber)),
		slog.String("agent_id", req.AgentID),
		slog.Bool("has_webhook", req.WebhookURL != ""),
	)

	var out CallResponse
	if err := c.do(ctx, http.MethodPost, "/calls", payload, &out); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "voice call started", slog.String("call_id", out.CallID), slog.String("status", out.Status))
	return &out, nil
}

// GetCallStatus fetches the current state of a call.
func (c *Client) GetCallStatus(ctx context.Context, callID string) (*CallStatus, error) {
	var out CallStatus
	if err := c.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelCall cancels an in-progress call.
func (c *Client) CancelCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/cancel", nil, nil)
}

// WebhookURL builds the status callback URL for a lead. Empty when no
// webhook base is configured.
func (c *Client) WebhookURL(leadID string) string {
	return WebhookURL(c.webhookBase, leadID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal voice request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build voice request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNodeExecution, "voice API request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := http.StatusText(resp.StatusCode)
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return schema.NewErrorf(schema.ErrCodeNodeExecution, "voice API error [%d]: %s", resp.StatusCode, msg).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeNodeExecution, "decode voice API response: %v", err).WithCause(err)
	}
	return nil
}
