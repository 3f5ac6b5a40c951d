package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTool performs HTTP requests on behalf of http nodes.
//
// Input parameters:
//   - url: target URL (required)
//   - method: HTTP method, default GET
//   - headers: optional map of header values
//   - body: optional request body string
//   - timeout_seconds: per-request timeout, default 30
//
// Output fields:
//   - status_code: response status
//   - headers: response headers (single values flattened)
//   - body: response body as string
//
// Write methods never reach this tool without passing the side-effect gate;
// the gate lives in the executor, not here.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTP tool backed by the given client. A nil client
// uses a default with no transport-level timeout; per-call timeouts come
// from the node config via context deadlines.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{client: client}
}

// Name returns the tool identifier.
func (h *HTTPTool) Name() string { return "http_request" }

// Call executes the request described by input.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, _ := input["url"].(string)
	if urlStr == "" {
		return nil, fmt.Errorf("url parameter required")
	}

	method := "GET"
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	timeout := 30 * time.Second
	switch v := input["timeout_seconds"].(type) {
	case float64:
		if v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	case int:
		if v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}
