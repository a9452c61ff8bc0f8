package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opsbridge/opsbridge/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.BackendConfig{
		Name: "crm",
		URL:  srv.URL,
		Headers: map[string]string{
			"Authorization": "Bearer test-token",
		},
	}, srv.Client(), nil)
	return c, srv
}

func TestHealth(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want configured header", gotAuth)
	}
}

func TestHealthFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.Health(context.Background())
	if err == nil {
		t.Fatal("Health() expected error for 503")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("error = %T, want *TransportError", err)
	}
}

func TestListToolsAcceptsBothSchemaKeys(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			t.Errorf("path = %q, want /tools", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools":[
			{"name":"search_opportunities","description":"Search opps","input_schema":{"type":"object"}},
			{"name":"get_issue","description":"Get issue","inputSchema":{"type":"object"}}
		]}`))
	}))

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	for _, tool := range tools {
		if tool.InputSchema == nil {
			t.Errorf("tool %s: InputSchema not parsed", tool.Name)
		}
	}
}

func TestCallTool(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/call" {
			t.Errorf("path = %q, want /mcp/call", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" || req.Method != "tools/call" {
			t.Errorf("envelope = %+v, want jsonrpc 2.0 tools/call", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{\"Id\":\"0061234567890ABCDE\"}"}]}}`))
	}))

	text, err := c.CallTool(context.Background(), "get_opportunity", map[string]any{"id": "0061234567890ABCDE"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if !strings.Contains(text, "0061234567890ABCDE") {
		t.Errorf("text = %q, want first content block text", text)
	}
}

func TestCallToolRPCError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"unknown tool"}}`))
	}))

	_, err := c.CallTool(context.Background(), "nope", nil)
	if err == nil {
		t.Fatal("CallTool() expected error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %T, want *RPCError in chain", err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("code = %d, want -32602", rpcErr.Code)
	}
}

func TestCallToolMalformedResultPassesThrough(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"rows":[1,2,3]}}`))
	}))

	text, err := c.CallTool(context.Background(), "odd_tool", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if !strings.Contains(text, "rows") {
		t.Errorf("text = %q, want raw result JSON passed through", text)
	}
}

func TestCallToolTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := NewClient(config.BackendConfig{Name: "crm", URL: srv.URL}, srv.Client(), nil)
	srv.Close() // force connection refused

	_, err := c.CallTool(context.Background(), "get_opportunity", nil)
	if err == nil {
		t.Fatal("CallTool() expected error against closed server")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("error = %T, want *TransportError", err)
	}
}
