package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool, RoleDeveloper:
		return true
	default:
		return false
	}
}

// Message is one entry of a task's conversation history.
//
// Assistant messages may carry ToolCalls; tool messages carry the ToolCallID
// of the call they answer. The JSON form matches the OpenAI chat message shape
// so callers can submit prior history verbatim.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts a null content, which OpenAI-style clients send for
// assistant messages that only carry tool calls.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role       Role       `json:"role"`
		Content    *string    `json:"content"`
		Name       string     `json:"name"`
		ToolCalls  []ToolCall `json:"tool_calls"`
		ToolCallID string     `json:"tool_call_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Role.Valid() {
		return fmt.Errorf("unknown message role %q", raw.Role)
	}
	*m = Message{
		Role:       raw.Role,
		Name:       raw.Name,
		ToolCalls:  raw.ToolCalls,
		ToolCallID: raw.ToolCallID,
	}
	if raw.Content != nil {
		m.Content = *raw.Content
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// ToolCallKind distinguishes dispatchable function calls from the custom
// records that stand in for malformed calls.
type ToolCallKind string

const (
	ToolCallFunction ToolCallKind = "function"
	ToolCallCustom   ToolCallKind = "custom"
)

// ErrorToolName names the custom record used for tool calls whose payload
// could not be decoded.
const ErrorToolName = "error_tool"

// ToolCall represents an LLM's request to execute a tool.
//
// Arguments always holds the string-encoded JSON arguments of a function
// call. Input holds the raw payload of a custom call.
type ToolCall struct {
	ID        string
	Kind      ToolCallKind
	Name      string
	Arguments string
	Input     string
}

// IsMalformed reports whether the call stands in for an undecodable payload.
func (c ToolCall) IsMalformed() bool {
	return c.Kind == ToolCallCustom && c.Name == ErrorToolName
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireCustom struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

type wireToolCall struct {
	ID       string        `json:"id"`
	Type     ToolCallKind  `json:"type"`
	Function *wireFunction `json:"function,omitempty"`
	Custom   *wireCustom   `json:"custom,omitempty"`
}

// MarshalJSON encodes the call in the OpenAI tool call shape.
func (c ToolCall) MarshalJSON() ([]byte, error) {
	w := wireToolCall{ID: c.ID, Type: c.Kind}
	switch c.Kind {
	case ToolCallCustom:
		w.Custom = &wireCustom{Name: c.Name, Input: c.Input}
	default:
		w.Type = ToolCallFunction
		w.Function = &wireFunction{Name: c.Name, Arguments: c.Arguments}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the OpenAI tool call shape. Function arguments sent
// as a JSON object are re-encoded to their string form.
func (c *ToolCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       string       `json:"id"`
		Type     ToolCallKind `json:"type"`
		Function *struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
		Custom *wireCustom `json:"custom"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ToolCall{ID: raw.ID, Kind: raw.Type}
	switch {
	case raw.Type == ToolCallCustom && raw.Custom != nil:
		c.Name = raw.Custom.Name
		c.Input = raw.Custom.Input
	case raw.Function != nil:
		c.Kind = ToolCallFunction
		c.Name = raw.Function.Name
		args, err := ArgumentsString(raw.Function.Arguments)
		if err != nil {
			return fmt.Errorf("tool call %s: %w", raw.ID, err)
		}
		c.Arguments = args
	default:
		return fmt.Errorf("tool call %s: missing function or custom payload", raw.ID)
	}
	return nil
}

// ArgumentsString normalizes a raw JSON arguments value to its string-encoded
// form: JSON strings are unquoted, any other value is compacted.
func ArgumentsString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return buf.String(), nil
}
