package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/conex/internal/auth"
	"github.com/rendis/conex/internal/expressions"
	"github.com/rendis/conex/internal/retry"
	"github.com/rendis/conex/pkg/schema"
)

// HTTPConfig configures the httpCall handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	MaxRedirects    int
	RetryDelay      time.Duration
	// FriendlyNotFoundHosts lists hosts whose 404s become a soft-error
	// object instead of a node failure.
	FriendlyNotFoundHosts []string
	Transport             http.RoundTripper
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxRedirects    = 10
	userAgent              = "Conex-Flow/1.0"
)

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultHTTPTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = defaultMaxRedirects
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = retry.DefaultPolicy(0).Delay
	}
	return c
}

// StatusError is the cause attached to non-2xx httpCall failures.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string { return fmt.Sprintf("http status %d", e.StatusCode) }

// Retryable reports whether the status is worth another attempt: 5xx and 429.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type httpCallHandler struct {
	cfg      HTTPConfig
	client   *http.Client
	renderer *expressions.Renderer
	logger   *slog.Logger
}

func newHTTPCallHandler(cfg HTTPConfig, renderer *expressions.Renderer, logger *slog.Logger) *httpCallHandler {
	cfg = cfg.withDefaults()
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	limit := cfg.MaxRedirects
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		},
	}
	return &httpCallHandler{cfg: cfg, client: client, renderer: renderer, logger: logger}
}

func (h *httpCallHandler) Type() schema.NodeType { return schema.NodeTypeHTTPCall }

// httpRequest is a fully rendered request, reusable across attempts.
type httpRequest struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	timeout time.Duration
}

func (h *httpCallHandler) Execute(ctx context.Context, in *Input) (*Result, error) {
	req, err := h.build(in)
	if err != nil {
		return nil, err
	}

	retries, _ := intParam(in.Config(), "retries", 0)
	policy := retry.DefaultPolicy(max(retries, 0))
	policy.Delay = h.cfg.RetryDelay

	var out any
	err = retry.Do(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			h.logger.WarnContext(ctx, "retrying http call", slog.Int("attempt", attempt), slog.String("method", req.method))
		}
		var callErr error
		out, callErr = h.do(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

func (h *httpCallHandler) build(in *Input) (*httpRequest, error) {
	cfg := in.Config()
	data := in.Scope.TemplateData()

	rawURL := stringParam(cfg, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "httpCall: missing required config 'url'")
	}
	renderedURL, err := h.renderer.Render(rawURL, data)
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(renderedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "httpCall: invalid url %q", renderedURL)
	}

	req := &httpRequest{
		method:  strings.ToUpper(stringParam(cfg, "method", http.MethodGet)),
		url:     renderedURL,
		headers: make(map[string]string),
		timeout: h.cfg.DefaultTimeout,
	}
	if secs, ok := intParam(cfg, "timeout", 0); ok && secs > 0 {
		req.timeout = time.Duration(secs) * time.Second
	}

	rendered, err := h.renderHeaders(cfg["headers"], data)
	if err != nil {
		return nil, err
	}
	for k, v := range rendered {
		req.headers[http.CanonicalHeaderKey(k)] = v
	}

	// Auth headers are applied last; rendered headers never replace them.
	if connID := stringParam(cfg, "connectionId", ""); connID != "" {
		if creds, ok := in.Credentials[connID]; ok {
			for k, v := range auth.BuildHeaders(creds, auth.SchemeFromConfig(cfg["auth"])) {
				req.headers[http.CanonicalHeaderKey(k)] = v
			}
		} else {
			h.logger.Warn("httpCall connection not available, sending without auth", slog.String("connection_id", connID))
		}
	}

	if body, ok := cfg["body"]; ok && body != nil && hasBody(req.method) {
		switch b := body.(type) {
		case string:
			s, err := h.renderer.Render(b, data)
			if err != nil {
				return nil, err
			}
			req.body = []byte(s)
		default:
			obj, err := h.renderer.RenderObject(b, data)
			if err != nil {
				return nil, err
			}
			req.body, err = json.Marshal(expressions.Plain(obj))
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "httpCall: body is not JSON-encodable").WithCause(err)
			}
		}
		if !hasHeader(req.headers, "Content-Type") {
			req.headers["Content-Type"] = "application/json"
		}
	}
	if !hasHeader(req.headers, "User-Agent") {
		req.headers["User-Agent"] = userAgent
	}
	return req, nil
}

// renderHeaders accepts a header object or a JSON object string.
func (h *httpCallHandler) renderHeaders(raw any, data map[string]any) (map[string]string, error) {
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		s, err := h.renderer.Render(x, data)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "httpCall: headers must be a JSON object").WithCause(err)
		}
		return stringMap(m), nil
	case map[string]any:
		obj, err := h.renderer.RenderObject(x, data)
		if err != nil {
			return nil, err
		}
		return stringMap(obj.(map[string]any)), nil
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "httpCall: headers must be an object")
	}
}

func (h *httpCallHandler) do(ctx context.Context, r *httpRequest) (any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, r.url, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "httpCall: failed to create request").WithCause(err)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "API call failed: %s", transportMessage(err)).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "httpCall: failed to read response body").WithCause(err)
	}

	h.logger.DebugContext(ctx, "http call",
		slog.String("method", r.method),
		slog.String("host", req.URL.Host),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusNotFound && slices.Contains(h.cfg.FriendlyNotFoundHosts, req.URL.Hostname()) {
			return map[string]any{
				"error":   true,
				"status":  http.StatusNotFound,
				"message": "No matching record was found for this request.",
				"url":     r.url,
			}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "API call failed: %d %s - %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), string(raw)).
			WithCause(&StatusError{StatusCode: resp.StatusCode}).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return map[string]any{"text": string(raw)}, nil
	}
	return parsed, nil
}

// transportMessage drops the request URL from url.Error, since rendered
// URLs may carry query-string tokens.
func transportMessage(err error) string {
	if ue, ok := err.(*url.Error); ok {
		return ue.Op + ": " + ue.Err.Error()
	}
	return err.Error()
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
