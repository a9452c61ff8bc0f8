// Package llm provides the model client used by the conversation
// driver.
package llm

import (
	"context"
	"fmt"
)

// Message represents a chat message exchanged with the model.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-result messages
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // provider-assigned, echoed back in the tool result
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatResponse is the provider-neutral model response.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Client is a provider-neutral model client. Chat sends the full
// message list plus the available tools and returns one assistant
// turn; Ping verifies the provider is reachable and the credentials
// work.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error)
	Ping(ctx context.Context) error
}

// ModelError wraps a failed model call. Unlike tool-level failures,
// which are fed back to the model, a ModelError fails the chat request
// outright.
type ModelError struct {
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error (%s): %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
