package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/calflow/pkg/schema"
)

// HTTPConfig configures the shared HTTP caller.
type HTTPConfig struct {
	MaxResponseBody int64
	Client          *http.Client
}

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPCaller performs single outbound HTTP attempts for action, webhook and
// api nodes and classifies failures so the envelope knows what to retry.
type HTTPCaller struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPCaller creates a caller. The client must not set its own Timeout;
// attempt timeouts come from each request's config.
func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPCaller{client: client, maxBody: cfg.MaxResponseBody}
}

// HTTPResponse is the JSON-shaped outcome of a call.
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body"`
	DurationMs int64             `json:"durationMs"`
}

// ValidateURL rejects anything but absolute http(s) URLs.
func ValidateURL(raw string) error {
	if raw == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "url is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "invalid url %q", raw)
	}
	return nil
}

// Call makes one attempt. Connection failures, timeouts, 5xx and 429 answers
// come back as retryable FlowErrors; other 4xx answers are EXECUTION_ERROR.
// Both carry the status code in Details["statusCode"] when a response arrived.
func (c *HTTPCaller) Call(ctx context.Context, req schema.RequestConfig) (*HTTPResponse, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	var body io.Reader
	if req.Body != nil {
		if method == "" {
			method = http.MethodPost
		}
		switch b := req.Body.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "body is not JSON-encodable: %s", err.Error()).WithCause(err)
			}
			body = bytes.NewReader(raw)
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	attemptCtx, cancel := context.WithTimeout(ctx, req.AttemptTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "build request: %s", err.Error()).WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, attemptCtx, req, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classifyTransportError(ctx, attemptCtx, req, err)
	}

	out := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       parseBody(resp.Header.Get("Content-Type"), raw),
		DurationMs: durationMs,
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeExecution
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeTransientNetwork
		}
		return out, schema.NewErrorf(code, "%s %s returned %d", method, req.URL, resp.StatusCode).
			WithDetails(map[string]any{"statusCode": resp.StatusCode, "body": out.Body})
	}
	return out, nil
}

func classifyTransportError(parent, attempt context.Context, req schema.RequestConfig, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return schema.NewErrorf(schema.ErrCodeCancelled, "request to %s cancelled", req.URL).WithCause(err)
	}
	var netErr net.Error
	if attempt.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "request to %s timed out after %s", req.URL, req.AttemptTimeout()).
			WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransientNetwork, "request to %s failed: %v", req.URL, err).WithCause(err)
}

func parseBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
