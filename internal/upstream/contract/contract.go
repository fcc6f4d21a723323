package contract

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type CompletionResponse struct {
	Content    string      `json:"content"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	StopReason string      `json:"stop_reason,omitempty"`
}

type ToolCall struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// TextFunc receives the full assistant text produced so far.
type TextFunc func(full string)

// Generator runs one assistant turn against a model backend. Implementations
// that stream call onText as text accumulates; others call it once.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req CompletionRequest, onText TextFunc) (*CompletionResponse, error)
}
