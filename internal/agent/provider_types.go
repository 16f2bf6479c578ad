package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/butler/pkg/models"
)

// LLMProvider defines the interface for chat-completion backends.
//
// Implementations stream a single completion per Complete call. Cancelling
// ctx must abort the underlying stream; the provider then delivers a final
// chunk carrying the context error and closes the channel.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Every task drives its own
// Complete calls from its own goroutine.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// SupportsTools reports whether the backend accepts native tool
	// definitions and streams structured tool calls.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one streamed completion.
//
// Messages are sent in order. Any system prompt is already part of Messages;
// providers never inject their own.
type CompletionRequest struct {
	// Model specifies which model to use. Empty selects the provider default.
	Model string `json:"model"`

	// Messages contains the conversation in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools lists native tool definitions. Empty when the tool protocol is
	// carried by a synthesized system message instead.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolSpec is the provider-facing description of a tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming response.
//
// A chunk carries one of: a text delta, a complete native tool call, a done
// marker, or an error. Errors terminate the stream.
type CompletionChunk struct {
	// Text contains a partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a native tool call assembled by the provider.
	// Arguments are string-encoded JSON as received.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred; streaming is terminated.
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated on the final chunk when the
	// backend reports usage.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
