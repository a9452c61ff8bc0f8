// Package backend implements the HTTP connector for backend tool
// servers. Each backend exposes a small JSON-RPC-over-HTTP surface:
// tool invocation at POST {url}/mcp/call, tool discovery at
// GET {url}/tools, and liveness at GET {url}/health.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opsbridge/opsbridge/internal/config"
	"github.com/opsbridge/opsbridge/internal/httpkit"
)

// ToolDefinition is a tool advertised by a backend's discovery endpoint.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// UnmarshalJSON accepts both snake_case and camelCase schema keys.
// Backends derived from MCP servers emit "inputSchema"; the gateway's
// own wire format uses "input_schema".
func (t *ToolDefinition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name         string         `json:"name"`
		Description  string         `json:"description"`
		InputSchema  map[string]any `json:"input_schema"`
		InputSchemaC map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Name = raw.Name
	t.Description = raw.Description
	t.InputSchema = raw.InputSchema
	if t.InputSchema == nil {
		t.InputSchema = raw.InputSchemaC
	}
	return nil
}

// MarshalJSON emits the gateway's snake_case wire form.
func (t ToolDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema,omitempty"`
	}{t.Name, t.Description, t.InputSchema})
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callResult is the result payload of a tools/call response.
type callResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsResponse is the discovery endpoint's payload.
type toolsResponse struct {
	Tools []ToolDefinition `json:"tools"`
}

// Client talks to a single backend tool server.
type Client struct {
	name    string
	baseURL string
	headers map[string]string
	httpc   *http.Client
	logger  *slog.Logger
	nextID  atomic.Int64
}

// NewClient creates a backend client. The shared httpkit client is
// used unless httpc is non-nil (tests inject their own).
func NewClient(cfg config.BackendConfig, httpc *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpc == nil {
		httpc = httpkit.NewClient(
			httpkit.WithTimeout(0), // per-request contexts carry the deadline
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	return &Client{
		name:    cfg.Name,
		baseURL: cfg.URL,
		headers: cfg.Headers,
		httpc:   httpc,
		logger:  logger.With("service", cfg.Name),
	}
}

// Name returns the backend's configured service name.
func (c *Client) Name() string {
	return c.name
}

// URL returns the backend's base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Health probes the backend's liveness endpoint. Any 2xx response
// counts as healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &TransportError{Service: c.name, Op: "health", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{Service: c.name, Op: "health", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Service: c.name,
			Op:      "health",
			Err:     fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	return nil
}

// ListTools fetches the backend's tool definitions from its discovery
// endpoint.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, &TransportError{Service: c.name, Op: "tools", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Service: c.name, Op: "tools", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, &TransportError{
			Service: c.name,
			Op:      "tools",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, body),
		}
	}

	var list toolsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode tools list from %s: %w", c.name, err)
	}

	c.logger.Debug("discovered tools", "count", len(list.Tools))
	return list.Tools, nil
}

// CallTool invokes a tool on the backend via the JSON-RPC endpoint and
// returns the text of the first content block. A result with no
// content blocks is passed through as its raw JSON so nothing is lost;
// downstream consumers treat it as opaque text.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	id := c.nextID.Add(1)
	rpcReq := NewRequest(id, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})

	payload, err := json.Marshal(rpcReq)
	if err != nil {
		return "", fmt.Errorf("marshal tools/call request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "tools/call request",
		"tool", tool,
		"payload", string(payload),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp/call", bytes.NewReader(payload))
	if err != nil {
		return "", &TransportError{Service: c.name, Op: "call", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &TransportError{Service: c.name, Op: "call", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return "", &TransportError{
			Service: c.name,
			Op:      "call",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, body),
		}
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", &TransportError{
			Service: c.name,
			Op:      "call",
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}

	c.logger.Log(ctx, config.LevelTrace, "tools/call response",
		"tool", tool,
		"error", rpcResp.Error != nil,
	)

	if rpcResp.Error != nil {
		return "", fmt.Errorf("tool %s on %s: %w", tool, c.name, rpcResp.Error)
	}

	var result callResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil || len(result.Content) == 0 {
		// Unexpected result shape. Pass the raw JSON through as text.
		return string(rpcResp.Result), nil
	}

	text := result.Content[0].Text
	if result.IsError {
		return "", fmt.Errorf("tool %s on %s reported error: %s", tool, c.name, text)
	}

	return text, nil
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}
