package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/butler/internal/agent"
	"github.com/haasonsaas/butler/internal/agent/toolconv"
	"github.com/haasonsaas/butler/pkg/models"
)

// OpenAIProvider streams chat completions from OpenAI or any server that
// speaks the same chat completions API (Azure OpenAI, OpenRouter, Ollama,
// vLLM, ...).
//
// Tool calls stream as fragments keyed by index; they are accumulated and
// emitted whole, in index order, when the backend reports finish_reason
// "tool_calls" or the stream ends.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
	maxTokens    int
	includeUsage bool
	tools        bool
}

// NewOpenAIProvider creates a provider from cfg. An API key is required
// unless a base URL points at a server that does not need one.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}

	var clientCfg openai.ClientConfig
	switch name {
	case "azure":
		if cfg.BaseURL == "" {
			return nil, errors.New("azure: base_url (the resource endpoint) is required")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	default:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider(name, cfg.MaxRetries, cfg.RetryDelay, LinearBackoff),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		maxTokens:    cfg.MaxTokens,
		// Only the official endpoint is known to accept stream_options.
		includeUsage: cfg.BaseURL == "" && name == "openai",
		tools:        !cfg.DisableNativeTools,
	}, nil
}

// SupportsTools reports whether tool definitions may be sent natively.
func (p *OpenAIProvider) SupportsTools() bool {
	return p.tools
}

// Complete opens a streaming chat completion. Errors creating the stream are
// retried per the provider's policy and returned; errors after the stream
// opened arrive as a chunk with Error set.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: ToOpenAIMessages(req.Messages),
		Stream:   true,
		Tools:    toolconv.ToOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if p.maxTokens > 0 {
		chatReq.MaxTokens = p.maxTokens
	}
	if p.includeUsage {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, IsRetryable, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		return wrapOpenAIError(p.Name(), model, err)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, model, chunks)
	return chunks, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.CompletionChunk) {
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

	calls := make(map[int]*pendingCall)
	flush := func() bool {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			c := calls[i]
			if c.name == "" {
				continue
			}
			if !send(&agent.CompletionChunk{ToolCall: &models.ToolCall{
				ID:        c.id,
				Kind:      models.ToolCallFunction,
				Name:      c.name,
				Arguments: c.args.String(),
			}}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		return true
	}

	var inputTokens, outputTokens int
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if flush() {
				send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			send(&agent.CompletionChunk{Error: wrapOpenAIError(p.Name(), model, err)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			c := calls[index]
			if c == nil {
				c = &pendingCall{}
				calls[index] = c
			}
			if tc.ID != "" {
				c.id = tc.ID
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// ToOpenAIMessages converts conversation history to the chat completions
// message format. Custom (malformed) tool calls are replayed as calls to
// the error tool carrying their raw payload, so the tool message that
// answers them stays linked.
func ToOpenAIMessages(history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		m := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
			Name:    msg.Name,
		}
		switch msg.Role {
		case models.RoleAssistant:
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openAIFunctionCall(call),
				})
			}
		case models.RoleTool:
			m.ToolCallID = msg.ToolCallID
			m.Name = ""
		}
		out = append(out, m)
	}
	return out
}

func openAIFunctionCall(call models.ToolCall) openai.FunctionCall {
	if call.Kind == models.ToolCallCustom {
		payload, _ := json.Marshal(map[string]string{"input": call.Input})
		return openai.FunctionCall{Name: call.Name, Arguments: string(payload)}
	}
	args := call.Arguments
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return openai.FunctionCall{Name: call.Name, Arguments: args}
}
