// Package llms contains the LLM provider abstraction and its concrete
// HTTP implementations (OpenAI-compatible and Anthropic endpoints).
package llms

import (
	"context"

	"github.com/applyforge/applyforge/pkg/protocol"
)

// ToolDefinition describes a callable tool advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token counts for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StopReason signals why the model ended its turn.
type StopReason string

const (
	StopReasonStop      StopReason = "stop"
	StopReasonToolCalls StopReason = "tool_calls"
	StopReasonLength    StopReason = "length"
)

// Response is a completed, non-streaming model turn.
type Response struct {
	Text       string
	ToolCalls  []protocol.ToolCall
	Usage      Usage
	StopReason StopReason
}

// StructuredOutputConfig constrains a generation to a JSON schema.
type StructuredOutputConfig struct {
	// Name labels the schema for providers that require it.
	Name string

	// Schema is a JSON Schema (draft 2020-12 subset understood by the
	// providers) the output must conform to.
	Schema map[string]any
}

// Provider is a single LLM endpoint bound to one model.
type Provider interface {
	// Generate performs a non-streaming model call with optional tools.
	Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Response, error)

	// GenerateStructured performs a schema-constrained call. Providers do
	// their best to enforce the schema server-side; callers still validate.
	GenerateStructured(ctx context.Context, messages []protocol.Message, cfg *StructuredOutputConfig) (*Response, error)

	// ModelName returns the underlying model identifier.
	ModelName() string

	Close() error
}
