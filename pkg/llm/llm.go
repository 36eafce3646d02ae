// Package llm defines the single boundary between the runtime and language
// model providers: one Caller function plus the wire types it exchanges.
// Provider adapters live outside the core and only need to satisfy Caller.
package llm

import "context"

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall is a structured tool invocation returned by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Config selects a provider and sampling behavior for one call.
type Config struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response is the model's reply to one call.
type Response struct {
	Reasoning string     `json:"reasoning,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Raw       any        `json:"raw,omitempty"`
}

// Caller is the single LLM entry point. Implementations may suspend; errors
// propagate to the executor as retryable task errors.
type Caller func(ctx context.Context, messages []Message, tools []ToolDefinition, cfg Config) (*Response, error)
