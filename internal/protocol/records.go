// Package protocol defines the newline-delimited JSON stream a task is
// served over and the request bodies that start and resume tasks.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/butler/pkg/models"
)

// Record is one line of a task stream. Only the fields relevant to Type
// are set.
type Record struct {
	Type       models.TaskEventType `json:"type"`
	TaskID     string               `json:"taskId,omitempty"`
	ChatID     string               `json:"chatId,omitempty"`
	Content    string               `json:"content,omitempty"`
	ToolCall   *ToolCall            `json:"toolCall,omitempty"`
	ToolCallID string               `json:"toolCallId,omitempty"`
	Result     json.RawMessage      `json:"result,omitempty"`
}

// ToolCall is a function call as streamed to callers. Arguments travel as
// a JSON value rather than the string form kept in history.
type ToolCall struct {
	ID       string              `json:"id"`
	Type     models.ToolCallKind `json:"type"`
	Function Function            `json:"function"`
}

// Function names the called tool and carries its arguments.
type Function struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// WireToolCall converts a history tool call to its streamed form. Empty
// arguments become {}; arguments that are not valid JSON are sent as a
// JSON string.
func WireToolCall(call models.ToolCall) *ToolCall {
	return &ToolCall{
		ID:   call.ID,
		Type: models.ToolCallFunction,
		Function: Function{
			Name:      call.Name,
			Arguments: argumentsValue(call.Arguments),
		},
	}
}

func argumentsValue(args string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(args))
	if len(trimmed) == 0 {
		return json.RawMessage("{}")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// ModelToolCall converts a streamed call back to the history form.
func (c *ToolCall) ModelToolCall() (models.ToolCall, error) {
	args, err := models.ArgumentsString(c.Function.Arguments)
	if err != nil {
		return models.ToolCall{}, fmt.Errorf("tool call %s: %w", c.ID, err)
	}
	return models.ToolCall{ID: c.ID, Kind: models.ToolCallFunction, Name: c.Function.Name, Arguments: args}, nil
}

// EncodeResult renders a tool result as a JSON value. Raw JSON is kept as
// is; values that cannot be encoded fall back to their string form.
func EncodeResult(result any) json.RawMessage {
	switch v := result.(type) {
	case json.RawMessage:
		if json.Valid(v) {
			return v
		}
		result = string(v)
	case []byte:
		result = string(v)
	case error:
		result = v.Error()
	}
	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(result))
	}
	return data
}

// FromEvent converts a task event to its wire record.
func FromEvent(ev models.TaskEvent) Record {
	rec := Record{Type: ev.Type, TaskID: ev.TaskID, ChatID: ev.ChatID, Content: ev.Content}
	switch ev.Type {
	case models.TaskEventStartCall:
		if ev.ToolCall != nil {
			rec.ToolCall = WireToolCall(*ev.ToolCall)
		}
	case models.TaskEventEndCall:
		rec.ToolCallID = ev.ToolCallID
		rec.Result = EncodeResult(ev.Result)
	}
	return rec
}

// Event converts a wire record back to a task event. Results stay raw
// JSON.
func (r Record) Event() (models.TaskEvent, error) {
	ev := models.TaskEvent{
		Type:       r.Type,
		TaskID:     r.TaskID,
		ChatID:     r.ChatID,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
	}
	if r.ToolCall != nil {
		call, err := r.ToolCall.ModelToolCall()
		if err != nil {
			return models.TaskEvent{}, err
		}
		ev.ToolCall = &call
	}
	if len(r.Result) > 0 {
		ev.Result = r.Result
	}
	return ev, nil
}

// FunctionTool declares a caller-side tool in a task request.
type FunctionTool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a caller-side tool.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// TaskRequest starts a task.
type TaskRequest struct {
	ID              string           `json:"id,omitempty"`
	Prompt          string           `json:"prompt"`
	HistoryMessages []models.Message `json:"historyMessages,omitempty"`
	FunctionTools   []FunctionTool   `json:"functionTools,omitempty"`
}

// ToolCallResult resumes a task waiting on a caller-side tool.
type ToolCallResult struct {
	TaskID string          `json:"taskId"`
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result"`
}

// GenerateTextRequest asks for a one-shot completion.
type GenerateTextRequest struct {
	Prompt          string           `json:"prompt"`
	HistoryMessages []models.Message `json:"historyMessages,omitempty"`
}

// MessageResponse is the body of simple acknowledgements and errors.
type MessageResponse struct {
	Message string `json:"message"`
}
