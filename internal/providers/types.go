// Package providers talks to the model backend. The host treats the
// backend as an external collaborator: it sends an invocation, gets
// back text plus optional tool calls, and never inspects model state.
package providers

import "context"

// Message is one turn of conversation context sent to the backend.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Invocation is a single backend call.
type Invocation struct {
	// SessionKey lets the backend resume server-side conversation state.
	// Empty means stateless.
	SessionKey string
	System     string
	Messages   []Message
	// MaxTokens of 0 uses the backend default.
	MaxTokens int
}

// ToolCall is a structured action the model asked the host to perform.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage is the token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the backend's reply.
type Result struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	// SessionKey echoes or issues the backend's conversation token.
	SessionKey string `json:"session_key,omitempty"`
}

// Backend is the model interface the rest of the host depends on.
type Backend interface {
	// Invoke runs one model call. Errors carry a Kind; see errors.go.
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
	// Summarize condenses text to at most maxChars. Used for session
	// archival and recovery context.
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}
