package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/butler/internal/agent"
	"github.com/haasonsaas/butler/internal/agent/toolconv"
	"github.com/haasonsaas/butler/pkg/models"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that carry nothing we
	// use before the stream is treated as malformed.
	maxEmptyStreamEvents = 100
)

// AnthropicProvider streams completions from the Anthropic Messages API.
//
// System messages are lifted out of history into the request's system
// blocks; tool results travel as tool_result blocks in user messages.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
	maxTokens    int
	tools        bool
}

// NewAnthropicProvider creates a provider from cfg.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled by BaseProvider.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := cfg.DefaultModel
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay, ExponentialBackoff),
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		maxTokens:    maxTokens,
		tools:        !cfg.DisableNativeTools,
	}, nil
}

// SupportsTools reports whether tool definitions may be sent natively.
func (p *AnthropicProvider) SupportsTools() bool {
	return p.tools
}

// Complete opens a streaming message request.
//
// The SDK reports request failures through the stream, so the first event
// is pulled before returning; that keeps connection and status errors on
// the retried, synchronous path.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	var (
		stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		primed bool
	)
	err = p.Retry(ctx, IsRetryable, func() error {
		stream = p.client.Messages.NewStreaming(ctx, params)
		primed = stream.Next()
		if !primed {
			if err := stream.Err(); err != nil {
				stream.Close()
				return wrapAnthropicError(model, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, primed, model, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	system, messages := ToAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], primed bool, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		current      *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
		empty        int
	)

	for primed || stream.Next() {
		primed = false
		event := stream.Current()
		used := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Kind: models.ToolCallFunction, Name: toolUse.Name}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			default:
				used = false
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = input.String()
				if current.Arguments == "" {
					current.Arguments = "{}"
				}
				if !send(&agent.CompletionChunk{ToolCall: current}) {
					return
				}
				current = nil
			}

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)

		case "message_stop":
			send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		case "error":
			send(&agent.CompletionChunk{Error: wrapAnthropicError(model, errors.New("anthropic stream error"))})
			return

		default:
			used = false
		}

		if used {
			empty = 0
			continue
		}
		empty++
		if empty >= maxEmptyStreamEvents {
			send(&agent.CompletionChunk{Error: wrapAnthropicError(model,
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", empty))})
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		send(&agent.CompletionChunk{Error: wrapAnthropicError(model, err)})
		return
	}
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// ToAnthropicMessages converts history to Anthropic messages. System and
// developer messages are joined into the returned system prompt. Adjacent
// messages that map to the same role are merged, since the API requires
// alternating turns.
func ToAnthropicMessages(history []models.Message) (string, []anthropic.MessageParam) {
	var (
		system []string
		out    []anthropic.MessageParam
	)
	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleSystem, models.RoleDeveloper:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}

		case models.RoleUser:
			if msg.Content != "" {
				appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)})
			}

		case models.RoleTool:
			content := msg.Content
			if content == "" {
				content = "success"
			}
			appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(msg.ToolCallID, content, false),
			})

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, anthropicToolInput(call), call.Name))
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks)
		}
	}
	return strings.Join(system, "\n\n"), out
}

// anthropicToolInput decodes call arguments into the object the API
// expects. Calls whose arguments are not a JSON object are replayed with
// their raw text under "input".
func anthropicToolInput(call models.ToolCall) map[string]any {
	if call.Kind == models.ToolCallCustom {
		return map[string]any{"input": call.Input}
	}
	raw := call.Arguments
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
		return map[string]any{"input": raw}
	}
	return input
}
