package agent

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/butler/pkg/models"
)

// BuildRequest assembles the completion request for one round.
//
// With native tool support the tools travel in the request and history is
// sent unchanged. Otherwise a system message describing the marker protocol
// is placed first and history tool calls are rendered back into marker text.
func BuildRequest(model string, history []models.Message, tools []ToolDefinition, native bool) *CompletionRequest {
	req := &CompletionRequest{Model: model}

	if native {
		req.Messages = cloneMessages(history)
		for _, def := range tools {
			req.Tools = append(req.Tools, def.Spec())
		}
		return req
	}

	req.Messages = make([]models.Message, 0, len(history)+1)
	if len(tools) > 0 {
		req.Messages = append(req.Messages, ToolSystemMessage(tools))
	}
	req.Messages = append(req.Messages, RenderHistory(history)...)
	return req
}

// ToolSystemMessage builds the instructions that teach a model without
// native tool calling to emit marker-framed calls.
func ToolSystemMessage(tools []ToolDefinition) models.Message {
	var b strings.Builder
	b.WriteString("You are an assistant that can call tools to answer questions. Follow these steps:\n")
	b.WriteString("1. Work out what the user is asking for.\n")
	b.WriteString("2. If it helps, pick the most suitable tool from the list below.\n")
	b.WriteString("3. To call a tool, output exactly the format below and nothing else around the call. ")
	b.WriteString("Only use the tools listed. \"arguments\" must be a JSON object that follows the tool's parameters; ")
	b.WriteString("use an empty object when the tool takes no parameters.\n")
	b.WriteString("4. An answer that does not call a tool must not contain any tool call markers or tool metadata.\n\n")
	b.WriteString("Answer text, if any\n")
	b.WriteString(StartToolCallMarker)
	b.WriteString("\n{\n  \"name\": \"get_weather\",\n  \"arguments\": {\"location\": \"Beijing\"}\n}\n")
	b.WriteString(EndToolCallMarker)
	b.WriteString("\n\nAvailable tools:\n")
	for _, def := range tools {
		b.WriteString("- Name: ")
		b.WriteString(def.Name)
		b.WriteString("\n  Description: ")
		b.WriteString(def.Description)
		b.WriteString("\n  Parameters: ")
		b.WriteString(indentSchema(def.Parameters))
		b.WriteString("\n")
	}
	return models.Message{Role: models.RoleSystem, Content: b.String()}
}

func indentSchema(schema json.RawMessage) string {
	if len(schema) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return "{}"
	}
	out, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}

// RenderHistory rewrites history for a model without native tool calling.
// Assistant tool calls become marker text, malformed calls are replayed as
// their raw input and empty tool results read "success".
func RenderHistory(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleTool:
			if msg.Content == "" {
				msg.Content = "success"
			}
			out = append(out, msg)
		case models.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, msg)
				continue
			}
			parts := make([]string, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				parts = append(parts, renderCall(call))
			}
			calls := strings.Join(parts, "\n")
			content := calls
			if msg.Content != "" {
				content = msg.Content + "\n" + calls
			}
			out = append(out, models.Message{Role: models.RoleAssistant, Name: msg.Name, Content: content})
		default:
			out = append(out, msg.Clone())
		}
	}
	return out
}

func renderCall(call models.ToolCall) string {
	if call.Kind == models.ToolCallCustom {
		if call.Name == models.ErrorToolName {
			return call.Input
		}
		return ""
	}
	payload, _ := json.Marshal(struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{call.Name, call.Arguments})
	return StartToolCallMarker + "\n" + string(payload) + "\n" + EndToolCallMarker
}

// ExtractToolCalls pulls every marker-framed call out of a complete response.
// It returns the remaining text and the well-formed calls; undecodable
// spans are dropped.
func ExtractToolCalls(text string) (string, []models.ToolCall) {
	parser := NewStreamParser()
	var calls []models.ToolCall
	events := append(parser.Feed(text), parser.Close()...)
	for _, ev := range events {
		if ev.Type == ParseToolCall {
			calls = append(calls, *ev.ToolCall)
		}
	}
	return parser.Content(), calls
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
