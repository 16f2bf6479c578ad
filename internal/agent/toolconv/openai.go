// Package toolconv converts tool specs to provider SDK tool definitions.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/butler/internal/agent"
)

// emptyObjectSchema is offered for tools that take no parameters.
var emptyObjectSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// ToOpenAITools converts tool specs to OpenAI function definitions. A spec
// whose parameters are missing or not a JSON object gets an empty object
// schema.
func ToOpenAITools(specs []agent.ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schemaMap(spec.Parameters),
			},
		}
	}
	return result
}

func schemaMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return emptyObjectSchema
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		return emptyObjectSchema
	}
	return schema
}
