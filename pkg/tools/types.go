// Package tools implements the tool provider gateway: a unified catalog of
// callable tools discovered from one or more MCP servers.
//
// Transports: stdio (subprocess via mcp-go) and streamable-http (JSON-RPC
// 2.0 over HTTP). Discovery caches each tool's name, description and input
// schema. Invoke never leaves the caller without a result: timeouts and
// transport failures come back as error-valued ToolResults.
package tools

import (
	"context"
	"errors"
	"time"
)

// ErrToolNotFound is returned by Invoke for a tool no provider advertises.
var ErrToolNotFound = errors.New("tool not found")

// ToolInfo describes one discovered tool.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`

	// Server names the providing tool server.
	Server string `json:"server"`
}

// PromptInfo describes one discovered prompt template.
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Server      string `json:"server"`
}

// ToolResult is the outcome of one tool invocation. IsError covers both
// tool-reported failures and gateway-synthesized ones (timeout, transport).
type ToolResult struct {
	ToolName string        `json:"tool_name"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Source is one connected tool server. Implementations cache discovery
// results; Discover refreshes the cache.
type Source interface {
	// Name returns the configured server name.
	Name() string

	// Discover refreshes the cached tool and prompt catalogs.
	Discover(ctx context.Context) error

	// Tools returns the cached tool catalog.
	Tools() []ToolInfo

	// Prompts returns the cached prompt catalog.
	Prompts() []PromptInfo

	// Call invokes a tool. The returned bool reports a tool-level error
	// (the call completed but the tool failed); err reports transport
	// failure.
	Call(ctx context.Context, name string, args map[string]any) (content string, toolErr bool, err error)

	// OnToolsChanged registers a callback fired when the server announces
	// a changed tool list. At most one callback is registered.
	OnToolsChanged(func())

	Close() error
}
