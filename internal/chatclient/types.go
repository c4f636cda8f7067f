// Package chatclient implements the Chat Client (spec.md §4.1): the HTTP
// boundary between the Turn Orchestrator and an OpenAI-compatible chat
// completions endpoint. It is grounded on internal/agent/providers/openai.go's
// retry-loop and tool-call-by-index accumulation idiom, generalized to the
// spec's own backoff/timeout/fallback contract and built directly on
// net/http + encoding/json so the dual-timeout SSE behavior (spec.md §4.1)
// is fully under the orchestrator's control rather than a provider SDK's.
package chatclient

import (
	"encoding/json"
	"time"
)

// Message is one chat turn in the wire format the endpoint expects.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall mirrors the OpenAI tool_calls wire shape.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name/arguments pair inside a ToolCall.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Tool describes one callable tool in the request's tools array.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is a tool's name/description/schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is the request body for both chat() and chat_stream().
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage mirrors the endpoint's token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice in a non-streaming response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the full non-streaming response body.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// StreamDelta is one SSE chunk's choice delta.
type StreamDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamChoice is one choice inside an SSE chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk is one `data: {...}` SSE frame.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ModelInfo describes one model returned from models().
type ModelInfo struct {
	ID          string `json:"id"`
	ContextSize int    `json:"context_size"`
}

// Event is what ChatStream delivers to the caller: either accumulated text,
// a completed tool call, usage, or a terminal error.
type Event struct {
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}

// Defaults for the dual-timeout SSE guard (spec.md §4.1).
const (
	DefaultConnectionTimeout = 10 * time.Second
	MaxConnectionTimeout     = 600 * time.Second
	DefaultReadTimeout       = 30 * time.Second
)
