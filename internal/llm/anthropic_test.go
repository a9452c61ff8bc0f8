package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opsbridge/opsbridge/internal/config"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicClient(
		config.AnthropicConfig{APIKey: "test-key", Model: "claude-3-5-sonnet-20241022", MaxTokens: 1024},
		nil,
		WithAPIURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)
}

func TestChatTextResponse(t *testing.T) {
	var gotReq anthropicRequest
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id":"msg_1","role":"assistant","model":"claude-3-5-sonnet-20241022",
			"content":[{"type":"text","text":"Big Opps is at risk."}],
			"stop_reason":"end_turn",
			"usage":{"input_tokens":42,"output_tokens":9}
		}`))
	})

	resp, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "You are a gateway."},
		{Role: "user", Content: "which opportunities are at risk?"},
	}, []Tool{{Name: "search_opportunities", Description: "Search"}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Message.Content != "Big Opps is at risk." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 9 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	// System message is lifted out of the message list.
	if gotReq.System != "You are a gateway." {
		t.Errorf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %v", gotReq.Messages)
	}
	if len(gotReq.Tools) != 1 || gotReq.Tools[0].Name != "search_opportunities" {
		t.Errorf("tools = %v", gotReq.Tools)
	}
	// Nil schemas are replaced by an empty object schema.
	if gotReq.Tools[0].InputSchema == nil {
		t.Error("tool input_schema missing")
	}
}

func TestChatToolUseResponse(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id":"msg_2","role":"assistant","model":"m",
			"content":[
				{"type":"text","text":"Let me check."},
				{"type":"tool_use","id":"toolu_1","name":"search_issues","input":{"project":"TECH"}}
			],
			"stop_reason":"tool_use",
			"usage":{"input_tokens":1,"output_tokens":1}
		}`))
	})

	resp, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "search_issues" || tc.Arguments["project"] != "TECH" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
}

func TestChatAPIErrorIsModelError(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	})

	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, nil)
	if err == nil {
		t.Fatal("Chat() expected error")
	}
	var me *ModelError
	if !errors.As(err, &me) {
		t.Errorf("error = %T, want *ModelError", err)
	}
}

func TestConvertMessagesToolExchange(t *testing.T) {
	msgs, _ := convertMessages([]Message{
		{Role: "assistant", Content: "Checking.", ToolCalls: []ToolCall{
			{ID: "toolu_1", Name: "get_issue", Arguments: map[string]any{"key": "TECH-1"}},
		}},
		{Role: "tool", ToolCallID: "toolu_1", Content: `{"key":"TECH-1"}`},
	})

	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}

	blocks, ok := msgs[0].Content.([]anthropicContent)
	if !ok || len(blocks) != 2 {
		t.Fatalf("assistant content = %v, want text + tool_use blocks", msgs[0].Content)
	}
	if blocks[1].Type != "tool_use" || blocks[1].ID != "toolu_1" {
		t.Errorf("tool_use block = %+v", blocks[1])
	}

	// Tool results ride back on a user message.
	if msgs[1].Role != "user" {
		t.Errorf("tool result role = %q, want user", msgs[1].Role)
	}
	results, ok := msgs[1].Content.([]anthropicContent)
	if !ok || results[0].Type != "tool_result" || results[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result content = %v", msgs[1].Content)
	}
}

func TestPingUnauthorized(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() expected error for 401")
	}
}
