package toolconv

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/butler/internal/agent"
)

// ToAnthropicTools converts tool specs to Anthropic tool definitions.
func ToAnthropicTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		param, err := ToAnthropicTool(spec)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single tool spec. Parameters must be a JSON
// object schema of type "object"; an empty schema takes no arguments.
func ToAnthropicTool(spec agent.ToolSpec) (anthropic.ToolUnionParam, error) {
	schema, err := anthropicSchema(spec.Parameters)
	if err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", spec.Name)
	}
	if spec.Description != "" {
		param.OfTool.Description = anthropic.String(spec.Description)
	}
	return param, nil
}

func anthropicSchema(raw json.RawMessage) (anthropic.ToolInputSchemaParam, error) {
	schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	if len(raw) == 0 {
		return schema, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schema, err
	}
	if doc == nil {
		return schema, errors.New("schema must be a JSON object")
	}
	if typ, ok := doc["type"]; ok && typ != "object" {
		return schema, fmt.Errorf("schema type must be object, got %v", typ)
	}

	for key, val := range doc {
		switch key {
		case "type":
		case "properties":
			props, ok := val.(map[string]any)
			if !ok {
				return schema, errors.New("properties must be an object")
			}
			schema.Properties = props
		case "required":
			list, ok := val.([]any)
			if !ok {
				return schema, errors.New("required must be a list of strings")
			}
			for _, item := range list {
				name, ok := item.(string)
				if !ok {
					return schema, errors.New("required must be a list of strings")
				}
				schema.Required = append(schema.Required, name)
			}
		default:
			if schema.ExtraFields == nil {
				schema.ExtraFields = map[string]any{}
			}
			schema.ExtraFields[key] = val
		}
	}
	return schema, nil
}
