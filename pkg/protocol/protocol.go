// Package protocol defines the conversation wire types shared by the
// agent runtime, the LLM providers, and the tool gateway.
//
// A Conversation is an append-only slice of Messages owned by exactly one
// agent run. Every ToolCall emitted by the model must be answered by exactly
// one tool message (matched by ToolCallID) before the next model turn.
package protocol

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool messages.
	Name string `json:"name,omitempty"`
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a tool result message answering the given call.
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// ParseArguments decodes the call arguments into a map. Malformed argument
// payloads decode to an empty map rather than failing the call; the tool
// itself reports missing parameters.
func (tc ToolCall) ParseArguments() map[string]any {
	args := make(map[string]any)
	if len(tc.Arguments) > 0 {
		_ = json.Unmarshal(tc.Arguments, &args)
	}
	return args
}
